// Package netmon reports network reachability to the queue and the sync
// engine. The effective state combines the probe-reported value with a
// manual force-offline override, and subscribers are notified only on
// effective transitions.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/restsync/restsync/internal/logging"
)

// Probe reports whether the network currently looks reachable.
type Probe func(ctx context.Context) bool

// Options configures a Monitor.
type Options struct {
	// Probe overrides the default HTTP reachability check.
	Probe Probe
	// ProbeURL is the target of the default probe. Ignored when Probe
	// is set.
	ProbeURL string
	// Interval between background probes. Zero disables the loop;
	// IsReachable then reads the last reported value on demand.
	Interval time.Duration
	// InitialReachable seeds the reported state before the first probe.
	InitialReachable bool
}

// Listener receives the effective reachable state after a transition.
type Listener func(reachable bool)

type subscription struct {
	id int
	fn Listener
}

// Monitor tracks reachability. Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	probe    Probe
	interval time.Duration
	reported bool // last probe-reported value
	forced   bool // force-offline override
	subs     []subscription
	nextID   int
	stopCh   chan struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start to run the background probe
// loop; without it the monitor only changes state through SetReachable,
// SetForcedOffline and CheckNow.
func NewMonitor(opts Options) *Monitor {
	probe := opts.Probe
	if probe == nil {
		probe = httpProbe(opts.ProbeURL)
	}
	return &Monitor{
		probe:    probe,
		interval: opts.Interval,
		reported: opts.InitialReachable,
	}
}

// httpProbe treats any completed HTTP exchange as reachable; only a
// transport failure counts as offline.
func httpProbe(url string) Probe {
	if url == "" {
		url = "https://clients3.google.com/generate_204"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// IsReachable returns the effective state: probe-reported AND not
// forced offline.
func (m *Monitor) IsReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported && !m.forced
}

// Subscribe registers a listener for effective-state transitions and
// returns a function that removes it.
func (m *Monitor) Subscribe(fn Listener) (off func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				break
			}
		}
	}
}

// SetReachable injects a probe-reported value. Hosts that receive their
// own connectivity signal call this instead of running the probe loop.
func (m *Monitor) SetReachable(reported bool) {
	m.transition(func() { m.reported = reported })
}

// SetForcedOffline toggles the manual override. While set, the monitor
// reports unreachable regardless of the probe.
func (m *Monitor) SetForcedOffline(forced bool) {
	m.transition(func() { m.forced = forced })
}

// transition applies a state mutation and notifies subscribers when the
// effective value changed.
func (m *Monitor) transition(mutate func()) {
	m.mu.Lock()
	before := m.reported && !m.forced
	mutate()
	after := m.reported && !m.forced
	var subs []subscription
	if before != after {
		subs = make([]subscription, len(m.subs))
		copy(subs, m.subs)
	}
	m.mu.Unlock()

	if before == after {
		return
	}
	logging.Info("reachability changed", map[string]any{"reachable": after})
	for _, s := range subs {
		s.fn(after)
	}
}

// Start runs the background probe loop until the context is cancelled
// or Stop is called. No-op when the interval is zero or the loop is
// already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.SetReachable(m.probe(ctx))
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// CheckNow runs one probe synchronously and applies the result. Useful
// in contexts that never receive push transitions.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.SetReachable(m.probe(ctx))
	return m.IsReachable()
}
