package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
	"github.com/restsync/restsync/internal/store"
)

// fixture wires a manager, a reachable monitor and an engine over a
// temp database with a fast backoff schedule.
type fixture struct {
	mgr     *queue.Manager
	bus     *events.Bus
	monitor *netmon.Monitor
	engine  *Engine

	mu     sync.Mutex
	events []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st, err := store.Open(t.TempDir(), "engine-test")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	mgr, err := queue.NewManager(context.Background(), st, bus)
	require.NoError(t, err)

	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})

	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 2 * time.Millisecond
	}

	f := &fixture{mgr: mgr, bus: bus, monitor: monitor}
	f.engine = NewEngine(mgr, monitor, bus, cfg)
	t.Cleanup(f.engine.Close)

	for _, ev := range []events.Event{
		events.EventSyncStart, events.EventSyncEnd, events.EventQueueEmpty,
		events.EventRequestSuccess, events.EventRequestError,
	} {
		ev := ev
		bus.On(ev, func(any) {
			f.mu.Lock()
			f.events = append(f.events, string(ev))
			f.mu.Unlock()
		})
	}
	return f
}

func (f *fixture) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fixture) enqueue(t *testing.T, url string, p models.Priority) string {
	t.Helper()
	id, err := f.mgr.Enqueue(context.Background(), &models.QueuedRequest{
		URL:      url,
		Method:   "POST",
		Headers:  map[string]string{"X-Test": "1"},
		Body:     models.Body{Kind: models.BodyText, Data: []byte("payload")},
		Priority: p,
	})
	require.NoError(t, err)
	return id
}

// doerFunc adapts a function to the Doer interface for scripted
// transport behavior.
type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestDrainEmptiesQueueOnSuccess(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.enqueue(t, srv.URL+"/a", models.PriorityNormal)
	f.enqueue(t, srv.URL+"/b", models.PriorityNormal)
	f.enqueue(t, srv.URL+"/c", models.PriorityNormal)

	f.engine.StartSync(context.Background())

	mu.Lock()
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
	mu.Unlock()
	assert.Zero(t, f.mgr.Size())
	assert.Equal(t, []string{
		"sync:start",
		"request-success", "request-success", "request-success",
		"queue-empty",
		"sync:end",
	}, f.eventLog())
	assert.False(t, f.engine.IsDraining())
}

func TestDrainHonorsPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.enqueue(t, srv.URL+"/lo", models.PriorityLow)
	f.enqueue(t, srv.URL+"/no", models.PriorityNormal)
	f.enqueue(t, srv.URL+"/hi", models.PriorityHigh)

	f.engine.StartSync(context.Background())

	mu.Lock()
	assert.Equal(t, []string{"/hi", "/no", "/lo"}, paths)
	mu.Unlock()
}

func TestRequestSentAsStored(t *testing.T) {
	var gotBody string
	var gotHeader string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotHeader = r.Header.Get("X-Test")
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.enqueue(t, srv.URL+"/x", models.PriorityNormal)

	f.engine.StartSync(context.Background())

	// The stored text goes over the wire byte-identical.
	assert.Equal(t, "payload", gotBody)
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, "POST", gotMethod)
}

func TestTransientThenSuccess(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{MaxRetries: 3})

	var success SuccessEvent
	f.bus.On(events.EventRequestSuccess, func(payload any) {
		success = payload.(SuccessEvent)
	})

	id := f.enqueue(t, srv.URL+"/retry", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 3, attempts)
	assert.Zero(t, f.mgr.Size())
	assert.Equal(t, id, success.ID)
	assert.Equal(t, 2, success.Item.RetryCount, "two transient outcomes before success")
}

func TestPermanent400RemovedWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})

	var errEvent ErrorEvent
	f.bus.On(events.EventRequestError, func(payload any) {
		errEvent = payload.(ErrorEvent)
	})

	f.enqueue(t, srv.URL+"/bad", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 1, attempts)
	assert.Zero(t, f.mgr.Size())
	assert.True(t, errEvent.Permanent)
	assert.Equal(t, http.StatusBadRequest, errEvent.Status)
	assert.Zero(t, errEvent.Item.RetryCount)
}

func TestTooManyRequestsIsTransient(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.enqueue(t, srv.URL+"/throttled", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 2, attempts)
	assert.Zero(t, f.mgr.Size())
}

func TestUnauthorizedWithoutRefreshIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})

	var errEvent ErrorEvent
	f.bus.On(events.EventRequestError, func(payload any) {
		errEvent = payload.(ErrorEvent)
	})

	f.enqueue(t, srv.URL+"/auth", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 1, attempts)
	assert.True(t, errEvent.Permanent)
	assert.Zero(t, f.mgr.Size())
}

func TestUnauthorizedWithRefreshRetriesSameEntry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	refreshes := 0
	f := newFixture(t, Config{
		RefreshToken: func(ctx context.Context) error {
			refreshes++
			return nil
		},
	})

	var success SuccessEvent
	f.bus.On(events.EventRequestSuccess, func(payload any) {
		success = payload.(SuccessEvent)
	})

	f.enqueue(t, srv.URL+"/auth", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, refreshes)
	assert.Zero(t, f.mgr.Size())
	// The refresh path does not consume the retry budget.
	assert.Zero(t, success.Item.RetryCount)
}

func TestUnauthorizedWithFailingRefreshIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t, Config{
		RefreshToken: func(ctx context.Context) error {
			return errors.New("refresh rejected")
		},
	})

	var errEvent ErrorEvent
	f.bus.On(events.EventRequestError, func(payload any) {
		errEvent = payload.(ErrorEvent)
	})

	f.enqueue(t, srv.URL+"/auth", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.True(t, errEvent.Permanent)
	assert.Zero(t, f.mgr.Size())
}

func TestGiveUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, Config{MaxRetries: 2})

	var errEvent ErrorEvent
	f.bus.On(events.EventRequestError, func(payload any) {
		errEvent = payload.(ErrorEvent)
	})

	f.enqueue(t, srv.URL+"/down", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	// Initial attempt plus two budgeted retries.
	assert.Equal(t, 3, attempts)
	assert.Zero(t, f.mgr.Size())
	assert.True(t, errEvent.Permanent, "give-up surfaces as permanent")
}

func TestTransportErrorIsTransient(t *testing.T) {
	calls := 0
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		return rec.Result(), nil
	})

	f := newFixture(t, Config{Client: client})
	f.enqueue(t, "http://queued.invalid/x", models.PriorityNormal)
	f.engine.StartSync(context.Background())

	assert.Equal(t, 2, calls)
	assert.Zero(t, f.mgr.Size())
}

func TestRetryCountPersistedAcrossDrains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// A long backoff keeps the entry waiting after its first failure;
	// cancelling during the wait ends the drain with the entry still
	// stored.
	f := newFixture(t, Config{
		MaxRetries:  10,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	f.enqueue(t, srv.URL+"/down", models.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	f.engine.StartSync(ctx)

	items, err := f.mgr.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount, "retry progress must be durable")
}

func TestEmptyQueueDrain(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.StartSync(context.Background())

	assert.Equal(t, []string{"sync:start", "queue-empty", "sync:end"}, f.eventLog())
}

func TestStartSyncWhileOfflineIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	f.monitor.SetReachable(false)

	f.engine.StartSync(context.Background())

	assert.Empty(t, f.eventLog())
}

func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	f.enqueue(t, srv.URL+"/slow", models.PriorityNormal)

	done := make(chan struct{})
	go func() {
		f.engine.StartSync(context.Background())
		close(done)
	}()

	<-entered
	assert.True(t, f.engine.IsDraining())
	f.engine.StartSync(context.Background()) // must return immediately
	close(release)
	<-done

	starts := 0
	for _, ev := range f.eventLog() {
		if ev == "sync:start" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestCancelledEntryToleratedMidDrain(t *testing.T) {
	proceed := make(chan struct{})
	inFlight := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inFlight)
		<-proceed
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, Config{})
	id := f.enqueue(t, srv.URL+"/race", models.PriorityNormal)

	done := make(chan struct{})
	go func() {
		f.engine.StartSync(context.Background())
		close(done)
	}()

	<-inFlight
	removed, err := f.mgr.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, removed)
	close(proceed)
	<-done

	// The entry was gone before the drainer could dequeue it: the
	// "already gone" outcome is a no-op and no success is reported.
	for _, ev := range f.eventLog() {
		assert.NotEqual(t, "request-success", ev)
	}
	assert.Zero(t, f.mgr.Size())
}

func TestDrainStopsWhenNetworkDrops(t *testing.T) {
	f := newFixture(t, Config{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate losing connectivity right after the first reply.
		f.monitor.SetReachable(false)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.enqueue(t, srv.URL+"/one", models.PriorityNormal)
	f.enqueue(t, srv.URL+"/two", models.PriorityNormal)

	f.engine.StartSync(context.Background())

	assert.Equal(t, 1, f.mgr.Size(), "second entry stays queued")
	log := f.eventLog()
	assert.Equal(t, "sync:end", log[len(log)-1])
}
