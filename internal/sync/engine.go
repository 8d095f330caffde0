// Package sync provides the drain engine that replays queued requests
// when the network is reachable.
package sync

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/restsync/restsync/internal/backoff"
	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
)

// Doer executes one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SuccessEvent is the payload of events.EventRequestSuccess.
type SuccessEvent struct {
	ID     string               `json:"id"`
	Status int                  `json:"status"`
	Item   models.QueuedRequest `json:"item"`
}

// ErrorEvent is the payload of events.EventRequestError. Permanent is
// true when the entry has been removed from the store, including the
// give-up case of an exhausted retry budget.
type ErrorEvent struct {
	ID        string               `json:"id"`
	Permanent bool                 `json:"permanent"`
	Status    int                  `json:"status,omitempty"`
	Item      models.QueuedRequest `json:"item"`
	Err       error                `json:"-"`
}

// Config tunes an Engine.
type Config struct {
	// MaxRetries bounds transient retries per entry. Defaults to 5.
	MaxRetries int
	// RefreshToken, when set, is invoked on a 401 before the same
	// entry is retried. A hook failure makes the 401 permanent.
	RefreshToken func(ctx context.Context) error
	// Client executes the replayed requests. Defaults to a client
	// with a 30 second timeout.
	Client Doer
	// BackoffBase and BackoffMax tune the retry delay schedule.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultMaxRetries is the retry budget used when Config leaves
// MaxRetries at zero.
const DefaultMaxRetries = 5

// Engine is a cooperative single-flight drainer. One drain runs at a
// time per engine; overlapping StartSync calls return immediately.
type Engine struct {
	queue   *queue.Manager
	monitor *netmon.Monitor
	bus     *events.Bus

	client      Doer
	maxRetries  int
	refresh     func(ctx context.Context) error
	backoffBase time.Duration
	backoffMax  time.Duration

	draining atomic.Bool
	offNet   func()
}

// NewEngine creates an Engine and subscribes it to the network monitor:
// a transition to reachable starts a drain.
func NewEngine(q *queue.Manager, mon *netmon.Monitor, bus *events.Bus, cfg Config) *Engine {
	e := &Engine{
		queue:       q,
		monitor:     mon,
		bus:         bus,
		client:      cfg.Client,
		maxRetries:  cfg.MaxRetries,
		refresh:     cfg.RefreshToken,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 30 * time.Second}
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.backoffBase <= 0 {
		e.backoffBase = backoff.DefaultBase
	}
	if e.backoffMax <= 0 {
		e.backoffMax = backoff.DefaultMax
	}

	e.offNet = mon.Subscribe(func(reachable bool) {
		if reachable {
			go e.StartSync(context.Background())
		}
	})
	return e
}

// Close detaches the engine from the network monitor. A drain already
// in flight finishes on its own.
func (e *Engine) Close() {
	if e.offNet != nil {
		e.offNet()
	}
}

// IsDraining reports whether a drain is in flight.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// StartSync drains the queue sequentially until it is empty, the
// network drops, or the context is cancelled. Re-entrant calls and
// calls while unreachable return immediately.
func (e *Engine) StartSync(ctx context.Context) {
	if e.draining.Load() || !e.monitor.IsReachable() {
		return
	}
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		e.draining.Store(false)
		e.bus.Emit(events.EventSyncEnd, nil)
	}()

	e.bus.Emit(events.EventSyncStart, nil)
	logging.Info("sync started", nil)

	for e.monitor.IsReachable() && ctx.Err() == nil {
		key, item, ok, err := e.queue.PeekNext(ctx)
		if err != nil {
			logging.Error("sync: peek failed", err)
			return
		}
		if !ok {
			e.bus.Emit(events.EventQueueEmpty, nil)
			logging.Info("sync finished, queue empty", nil)
			return
		}

		if !e.replayOne(ctx, key, item) {
			return
		}
	}
}

// replayOne attempts one entry and applies the outcome. It returns
// false when the drain should stop (context cancelled mid-wait).
func (e *Engine) replayOne(ctx context.Context, key int64, item *models.QueuedRequest) bool {
	status, err := e.execute(ctx, item)

	switch classify(status, err) {
	case outcomeSuccess:
		e.finish(ctx, key, func() {
			e.bus.Emit(events.EventRequestSuccess, SuccessEvent{
				ID: item.ID, Status: status, Item: *item,
			})
			logging.Info("request replayed", map[string]any{
				"id": item.ID, "status": status, "retries": item.RetryCount,
			})
		})
		return true

	case outcomeAuth:
		if e.refresh == nil {
			return e.permanent(ctx, key, item, status, err)
		}
		if refreshErr := e.refresh(ctx); refreshErr != nil {
			logging.Warn("token refresh failed", map[string]any{
				"id": item.ID, "error": refreshErr.Error(),
			})
			return e.permanent(ctx, key, item, status, refreshErr)
		}
		// Same entry, same retry count: the next iteration re-peeks it.
		return true

	case outcomePermanent:
		return e.permanent(ctx, key, item, status, err)

	default: // outcomeTransient
		return e.transient(ctx, key, item, status, err)
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAuth
	outcomePermanent
	outcomeTransient
)

// classify maps a replay result onto the retry policy: 2xx succeeds,
// 401 may be recoverable, other 4xx except 429 are permanent, and
// everything else (transport errors, 429, 5xx) is transient.
func classify(status int, err error) outcome {
	switch {
	case err != nil:
		return outcomeTransient
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusUnauthorized:
		return outcomeAuth
	case status == http.StatusTooManyRequests:
		return outcomeTransient
	case status >= 400 && status < 500:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}

// permanent removes the entry and reports it. Always continues the
// drain.
func (e *Engine) permanent(ctx context.Context, key int64, item *models.QueuedRequest, status int, cause error) bool {
	e.finish(ctx, key, func() {
		e.bus.Emit(events.EventRequestError, ErrorEvent{
			ID: item.ID, Permanent: true, Status: status, Item: *item, Err: cause,
		})
		logging.Warn("request failed permanently", map[string]any{
			"id": item.ID, "status": status,
		})
	})
	return true
}

// transient bumps the persisted retry count, gives up past the budget,
// and otherwise waits out the backoff before the loop re-peeks the same
// entry. Returns false when the wait is cut short by the context.
func (e *Engine) transient(ctx context.Context, key int64, item *models.QueuedRequest, status int, cause error) bool {
	item.RetryCount++
	if err := e.queue.Update(ctx, key, item); err != nil {
		logging.Error("sync: persist retry count failed", err, map[string]any{"id": item.ID})
		return false
	}

	if item.RetryCount > e.maxRetries {
		// Give-up is reported as permanent: the entry leaves the store.
		e.finish(ctx, key, func() {
			e.bus.Emit(events.EventRequestError, ErrorEvent{
				ID: item.ID, Permanent: true, Status: status, Item: *item, Err: cause,
			})
			logging.Warn("request gave up after retries", map[string]any{
				"id": item.ID, "retries": item.RetryCount - 1,
			})
		})
		return true
	}

	delay := backoff.DelayWith(item.RetryCount, e.backoffBase, e.backoffMax)
	logging.Debug("request will retry", map[string]any{
		"id": item.ID, "retry": item.RetryCount, "delay_ms": delay.Milliseconds(),
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finish dequeues the entry and then reports the outcome. A missing
// row is tolerated: a cancel or a concurrent drainer got there first,
// in which case no event fires for it here.
func (e *Engine) finish(ctx context.Context, key int64, report func()) {
	removed, err := e.queue.Dequeue(ctx, key)
	if err != nil {
		logging.Error("sync: dequeue failed", err)
		return
	}
	if removed {
		report()
	}
}

// execute performs the stored request with the platform client. The
// body bytes go on the wire exactly as stored; encoding happened at
// enqueue time.
func (e *Engine) execute(ctx context.Context, item *models.QueuedRequest) (int, error) {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, item.Body.Reader())
	if err != nil {
		return 0, err
	}
	for name, value := range item.Headers {
		req.Header.Set(name, value)
	}
	if ct, ok := item.Body.ContentType(); ok && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
