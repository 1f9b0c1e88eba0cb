package store

import (
	"sort"
	"sync"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore provides thread-safe storage with a publish-subscribe mechanism
// for real-time updates. Snapshots are keyed by machine name, with new
// snapshots replacing previous values wholesale. Snapshots are deep-copied on
// the way in and on the way out, so no caller ever holds a reference into
// stored state.
//
// Subscribers receive updates via buffered channels (buffer size 100). Updates
// are sent non-blocking; if a subscriber's buffer is full, the update is dropped
// for that subscriber to prevent blocking the monitor loops.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]model.Snapshot
	subscribers map[chan model.Snapshot]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]model.Snapshot),
		subscribers: make(map[chan model.Snapshot]struct{}),
	}
}

// Put stores snap under name and notifies all subscribers.
//
// LastUpdate never moves backwards for a machine: a snapshot stamped earlier
// than the stored one is stored with the stored timestamp.
func (m *MemoryStore) Put(name string, snap model.Snapshot) {
	snap = snap.Clone()
	snap.Machine = name

	m.mu.Lock()
	if prev, ok := m.snapshots[name]; ok && snap.LastUpdate.Before(prev.LastUpdate) {
		snap.LastUpdate = prev.LastUpdate
	}
	m.snapshots[name] = snap
	m.mu.Unlock()

	m.notifySubscribers(snap)
}

// Get returns a copy of the snapshot stored under name.
func (m *MemoryStore) Get(name string) (model.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[name]
	if !ok {
		return model.Snapshot{}, false
	}
	return snap.Clone(), true
}

// GetAll returns copies of all stored snapshots ordered by machine name.
func (m *MemoryStore) GetAll() []model.Snapshot {
	m.mu.RLock()
	snaps := make([]model.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		snaps = append(snaps, snap.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Machine < snaps[j].Machine })
	return snaps
}

// Delete discards the snapshot stored under name. Subscribers are not notified.
func (m *MemoryStore) Delete(name string) {
	m.mu.Lock()
	delete(m.snapshots, name)
	m.mu.Unlock()
}

// Reset discards every stored snapshot.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	m.snapshots = make(map[string]model.Snapshot)
	m.mu.Unlock()
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// The returned channel has a buffer of 100 messages. If the buffer fills
// (slow consumer), new updates are dropped for this subscriber.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan model.Snapshot {
	ch := make(chan model.Snapshot, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
//
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan model.Snapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends a copy of snap to every subscriber without blocking.
func (m *MemoryStore) notifySubscribers(snap model.Snapshot) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- snap.Clone():
		default:
			// subscriber is slow, drop the message
		}
	}
}
