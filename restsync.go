// Package restsync provides an offline-first mediator for outbound HTTP
// requests. Send is a drop-in replacement for issuing a request: while
// the network is reachable the call goes straight out; otherwise the
// request is durably queued in a local SQLite database and replayed,
// in priority order, once connectivity returns. A background scheduler
// (or the standalone replay daemon sharing the same database) keeps
// draining after the caller has moved on.
package restsync

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/restsync/restsync/internal/errors"
	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
	"github.com/restsync/restsync/internal/scheduler"
	"github.com/restsync/restsync/internal/store"
	enginepkg "github.com/restsync/restsync/internal/sync"
)

// QueuedRequest is a pending entry as persisted in the queue.
type QueuedRequest = models.QueuedRequest

// Body is a request body in its stored form; Multipart wraps an
// assembled multipart payload for SendOptions.Body.
type (
	Body      = models.Body
	Multipart = models.Multipart
)

// Priority orders queued requests across classes.
type Priority = models.Priority

const (
	PriorityHigh   = models.PriorityHigh
	PriorityNormal = models.PriorityNormal
	PriorityLow    = models.PriorityLow
)

// Event names observable through Client.On.
type Event = events.Event

const (
	EventNetworkChange    = events.EventNetworkChange
	EventQueueUpdate      = events.EventQueueUpdate
	EventQueueEmpty       = events.EventQueueEmpty
	EventSyncStart        = events.EventSyncStart
	EventSyncEnd          = events.EventSyncEnd
	EventRequestSuccess   = events.EventRequestSuccess
	EventRequestError     = events.EventRequestError
	EventRequestCancelled = events.EventRequestCancelled
)

// Event payload shapes.
type (
	SuccessEvent   = enginepkg.SuccessEvent
	ErrorEvent     = enginepkg.ErrorEvent
	ChangeEvent    = queue.ChangeEvent
	CancelledEvent = queue.CancelledEvent
)

// Doer executes one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client. The zero value works: requests queue
// under the default database in the user cache directory and replay
// with the default retry budget.
type Config struct {
	// DataDir holds the queue database. Defaults to a restsync
	// directory under the user cache dir.
	DataDir string
	// DBName names the database file (without extension). Defaults
	// to "rest-sync-lite".
	DBName string
	// MaxRetries bounds transient retries per entry. Defaults to 5.
	MaxRetries int
	// RefreshToken, when set, runs on a 401 during replay; on success
	// the same entry is retried without consuming its retry budget.
	RefreshToken func(ctx context.Context) error
	// HTTPClient executes direct sends and replays. Defaults to a
	// client with a 30 second timeout.
	HTTPClient Doer
	// BackoffBase and BackoffMax tune the retry delay schedule.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Probe overrides the reachability check; ProbeURL targets the
	// default HTTP probe; ProbeInterval runs the background probe
	// loop (zero leaves the monitor event-driven via SetOnline).
	Probe         func(ctx context.Context) bool
	ProbeURL      string
	ProbeInterval time.Duration
	// StartOnline seeds the reachability state before the first
	// probe or SetOnline call.
	StartOnline bool

	// DrainInterval paces the background replay scheduler. Defaults
	// to one minute.
	DrainInterval time.Duration
	// DisableBackgroundReplay turns the scheduler and probe loop
	// off; drains then happen only on reachable transitions and
	// explicit SyncNow calls.
	DisableBackgroundReplay bool
}

// SendOptions carries the per-request options Send accepts beyond the
// method and URL. Priority and ID shape the queue entry only; they are
// stripped before anything reaches the wire.
type SendOptions struct {
	// Headers accepts map[string]string, http.Header, or ordered
	// [name, value] pairs.
	Headers any
	// Body accepts nil, string, []byte, json.RawMessage, url.Values,
	// Multipart, io.Reader, or any JSON-encodable value.
	Body any
	// Priority of the queue entry when the request is deferred.
	Priority Priority
	// ID overrides the generated queue identity, for later Cancel.
	ID string
}

// Client is the request mediator. Create with New; one Client owns one
// queue database connection.
type Client struct {
	cfg        Config
	store      *store.Store
	bus        *events.Bus
	monitor    *netmon.Monitor
	queue      *queue.Manager
	engine     *enginepkg.Engine
	sched      *scheduler.Scheduler
	httpClient Doer

	cancelBG context.CancelFunc
}

// New opens (or creates) the queue database and wires the monitor, the
// queue manager, the sync engine and the background replay scheduler.
func New(cfg Config) (*Client, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrEnvironment, "resolve cache directory", err)
		}
		dataDir = filepath.Join(base, "restsync")
	}

	st, err := store.Open(dataDir, cfg.DBName)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	monitor := netmon.NewMonitor(netmon.Options{
		Probe:            cfg.Probe,
		ProbeURL:         cfg.ProbeURL,
		Interval:         cfg.ProbeInterval,
		InitialReachable: cfg.StartOnline,
	})
	monitor.Subscribe(func(reachable bool) {
		bus.Emit(events.EventNetworkChange, reachable)
	})

	ctx := context.Background()
	mgr, err := queue.NewManager(ctx, st, bus)
	if err != nil {
		st.Close()
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	engine := enginepkg.NewEngine(mgr, monitor, bus, enginepkg.Config{
		MaxRetries:   cfg.MaxRetries,
		RefreshToken: cfg.RefreshToken,
		Client:       httpClient,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
	})

	c := &Client{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		monitor:    monitor,
		queue:      mgr,
		engine:     engine,
		sched:      scheduler.NewScheduler(engine, monitor, scheduler.Config{Interval: cfg.DrainInterval}),
		httpClient: httpClient,
	}

	if !cfg.DisableBackgroundReplay {
		bgCtx, cancel := context.WithCancel(context.Background())
		c.cancelBG = cancel
		monitor.Start(bgCtx)
		c.sched.Start(bgCtx)
	}

	return c, nil
}

// Close stops the background loops and closes the database.
func (c *Client) Close() error {
	if c.cancelBG != nil {
		c.cancelBG()
		c.sched.Stop()
		c.monitor.Stop()
	}
	c.engine.Close()
	return c.store.Close()
}

// SyncNow drains the queue synchronously. A no-op while offline or
// while another drain is in flight.
func (c *Client) SyncNow(ctx context.Context) {
	c.engine.StartSync(ctx)
}

// CancelRequest removes a pending entry by its queue identity and
// reports whether one was removed. An entry whose replay is already in
// flight cannot be interrupted; the server may still see that request.
func (c *Client) CancelRequest(ctx context.Context, id string) (bool, error) {
	return c.queue.Cancel(ctx, id)
}

// ListQueue returns a snapshot of the pending entries.
func (c *Client) ListQueue(ctx context.Context) ([]QueuedRequest, error) {
	return c.queue.ListAll(ctx)
}

// SetOfflineMode forces the mediator offline regardless of the probe.
func (c *Client) SetOfflineMode(offline bool) {
	c.monitor.SetForcedOffline(offline)
}

// SetOnline injects the reachability signal, for hosts that watch
// connectivity themselves and for tests.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetReachable(online)
}

// IsOnline reports the effective reachability.
func (c *Client) IsOnline() bool {
	return c.monitor.IsReachable()
}

// IsSyncing reports whether a drain is in flight.
func (c *Client) IsSyncing() bool {
	return c.engine.IsDraining()
}

// QueueSize returns the number of pending entries.
func (c *Client) QueueSize() int {
	return c.queue.Size()
}

// On registers an event listener and returns a function that removes
// it. Listeners see only events emitted after registration; initialize
// views from the live reads first.
func (c *Client) On(event Event, fn func(payload any)) (off func()) {
	return c.bus.On(event, fn)
}
