package store

import "github.com/Drustburn/bystronic-opc/internal/model"

// Store defines the interface for storing and subscribing to machine
// snapshots.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows real-time updates to be pushed to connected clients
// (e.g., via Server-Sent Events) and to the fleet's callbacks and journal.
type Store interface {
	// Put replaces the snapshot stored under name and notifies all
	// subscribers.
	Put(name string, snap model.Snapshot)

	// Get returns a copy of the snapshot stored under name.
	Get(name string) (model.Snapshot, bool)

	// GetAll returns copies of all stored snapshots, ordered by name.
	GetAll() []model.Snapshot

	// Delete discards the snapshot stored under name.
	Delete(name string)

	// Subscribe returns a channel that receives every put snapshot.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan model.Snapshot

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan model.Snapshot)
}
