// Package queue provides the persistent request queue manager: identity
// assignment, priority-then-FIFO ordering policy, and queue-change
// notification over the durable store.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/models"
	"github.com/restsync/restsync/internal/store"
	"github.com/restsync/restsync/internal/uuid"
)

// ChangeEvent is the payload of events.EventQueueUpdate.
type ChangeEvent struct {
	Size int `json:"size"`
}

// CancelledEvent is the payload of events.EventRequestCancelled.
type CancelledEvent struct {
	ID string `json:"id"`
}

// Manager owns the ordering policy and the cached size invariant over
// the durable store.
type Manager struct {
	store *store.Store
	bus   *events.Bus

	mu   sync.Mutex
	size int
}

// NewManager creates a Manager and seeds the cached size from the
// store.
func NewManager(ctx context.Context, st *store.Store, bus *events.Bus) (*Manager, error) {
	n, err := st.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Manager{store: st, bus: bus, size: n}, nil
}

// Enqueue assigns identity and bookkeeping fields, persists the item,
// and returns its id. A caller-supplied id is kept; otherwise a UUID v4
// is assigned.
func (m *Manager) Enqueue(ctx context.Context, item *models.QueuedRequest) (string, error) {
	method, err := models.NormalizeMethod(item.Method)
	if err != nil {
		return "", err
	}
	priority, err := item.Priority.Normalize()
	if err != nil {
		return "", err
	}

	item.Method = method
	item.Priority = priority
	if item.ID == "" {
		item.ID = uuid.New()
	}
	if item.Headers == nil {
		item.Headers = map[string]string{}
	}
	item.Timestamp = time.Now().UnixMilli()
	item.RetryCount = 0

	if _, err := m.store.Add(ctx, item); err != nil {
		return "", err
	}

	size := m.adjustSize(+1)
	logging.Debug("request enqueued", map[string]any{
		"id":       item.ID,
		"method":   item.Method,
		"url":      item.URL,
		"priority": string(item.Priority),
	})
	m.bus.Emit(events.EventQueueUpdate, ChangeEvent{Size: size})
	return item.ID, nil
}

// PeekNext returns the next item honoring priority-then-FIFO order:
// the oldest high entry, then normal, then low, then the oldest entry
// regardless of tag as a final fallback. The returned key is the
// store's internal key, opaque to callers.
func (m *Manager) PeekNext(ctx context.Context) (int64, *models.QueuedRequest, bool, error) {
	for _, p := range models.Priorities() {
		key, item, ok, err := m.store.PeekFirstByPriority(ctx, p)
		if err != nil {
			return 0, nil, false, err
		}
		if ok {
			return key, item, true, nil
		}
	}
	return m.store.PeekFirst(ctx)
}

// Update persists a mutated item under its existing key. The sync
// engine uses this to record retry progress.
func (m *Manager) Update(ctx context.Context, key int64, item *models.QueuedRequest) error {
	return m.store.Update(ctx, key, item)
}

// Dequeue removes the entry under key and emits queue-change. An entry
// already gone (cancelled, or taken by a drainer in another process) is
// reported as removed=false and leaves the size untouched.
func (m *Manager) Dequeue(ctx context.Context, key int64) (bool, error) {
	removed, err := m.store.Remove(ctx, key)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	size := m.adjustSize(-1)
	m.bus.Emit(events.EventQueueUpdate, ChangeEvent{Size: size})
	return true, nil
}

// Cancel removes the entry with the given logical id, if present, and
// reports whether one was removed.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := m.store.RemoveByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	size := m.adjustSize(-1)
	logging.Info("request cancelled", map[string]any{"id": id})
	m.bus.Emit(events.EventQueueUpdate, ChangeEvent{Size: size})
	m.bus.Emit(events.EventRequestCancelled, CancelledEvent{ID: id})
	return true, nil
}

// ListAll returns a snapshot of pending items in storage order.
func (m *Manager) ListAll(ctx context.Context) ([]models.QueuedRequest, error) {
	return m.store.ListAll(ctx)
}

// Size returns the cached queue size.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// adjustSize applies a delta, clamped at zero, and returns the new size.
func (m *Manager) adjustSize(delta int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size += delta
	if m.size < 0 {
		m.size = 0
	}
	return m.size
}
