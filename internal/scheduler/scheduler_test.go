package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/restsync/restsync/internal/netmon"
)

type fakeDrainer struct {
	calls atomic.Int64
}

func (f *fakeDrainer) StartSync(ctx context.Context) { f.calls.Add(1) }
func (f *fakeDrainer) IsDraining() bool              { return false }

func TestRegisterTriggersDrain(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})
	s := NewScheduler(drainer, monitor, Config{Interval: time.Hour})

	s.Start(context.Background())
	defer s.Stop()

	s.Register(DefaultTag)

	assert.Eventually(t, func() bool {
		return drainer.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestPeriodicDrainWhileReachable(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})
	s := NewScheduler(drainer, monitor, Config{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return drainer.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestNoDrainWhileOffline(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: false})
	s := NewScheduler(drainer, monitor, Config{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.Zero(t, drainer.calls.Load())
}

func TestRegisterWithoutRunningLoopIsDropped(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})
	s := NewScheduler(drainer, monitor, Config{})

	assert.NotPanics(t, func() { s.Register("") })
	assert.Zero(t, drainer.calls.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	drainer := &fakeDrainer{}
	monitor := netmon.NewMonitor(netmon.Options{InitialReachable: true})
	s := NewScheduler(drainer, monitor, Config{Interval: time.Hour})

	s.Start(context.Background())
	s.Stop()
	assert.NotPanics(t, s.Stop)
}
