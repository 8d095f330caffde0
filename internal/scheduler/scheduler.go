// Package scheduler provides background replay: a periodic drain
// trigger that keeps working after the enqueueing caller has moved on,
// plus on-demand wake-ups registered under a sync tag.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/netmon"
)

// DefaultTag names the background replay registration.
const DefaultTag = "rest-sync-queue"

// Drainer is the part of the sync engine the scheduler drives.
type Drainer interface {
	StartSync(ctx context.Context)
	IsDraining() bool
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between periodic drain attempts. Defaults to one
	// minute.
	Interval time.Duration
}

// Scheduler triggers drains on a timer and on registered wake-ups,
// while the network is reachable.
type Scheduler struct {
	engine   Drainer
	monitor  *netmon.Monitor
	interval time.Duration

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wake      chan string
	wg        sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(engine Drainer, monitor *netmon.Monitor, cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		monitor:  monitor,
		interval: interval,
		wake:     make(chan string, 8),
	}
}

// Register requests a drain under the given tag as soon as the network
// allows. Safe to call whether or not the loop is running; with the
// loop stopped the registration is dropped with a warning, and the next
// reachable transition remains the fallback trigger.
func (s *Scheduler) Register(tag string) {
	if tag == "" {
		tag = DefaultTag
	}
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		logging.Warn("background replay not running, registration dropped",
			map[string]any{"tag": tag})
		return
	}
	select {
	case s.wake <- tag:
	default:
		// A wake-up is already pending; one drain serves them all.
	}
}

// Start runs the replay loop until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	logging.Info("background replay scheduler started", map[string]any{
		"interval": s.interval.String(),
	})
}

// Stop halts the replay loop gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("background replay scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case tag := <-s.wake:
			logging.Debug("background replay woken", map[string]any{"tag": tag})
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain runs one synchronous drain so the loop does not stack attempts.
func (s *Scheduler) drain(ctx context.Context) {
	if !s.monitor.IsReachable() || s.engine.IsDraining() {
		return
	}
	s.engine.StartSync(ctx)
}
