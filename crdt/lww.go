package crdt

import (
	"sync"
	"time"
)

// LWWRegister is a Last-Write-Wins register used for the document title
// (spec §3: mutable by owner, gossiped on doc-meta/<id>). On a timestamp
// tie the higher replica id wins (lexicographic), giving a total order
// without coordination.
type LWWRegister[T any] struct {
	mu        sync.RWMutex
	value     T
	timestamp time.Time
	replicaID string
}

// NewLWWRegister creates a register already holding val, stamped as written
// by replicaID at ts. Useful for seeding a register at document creation.
func NewLWWRegister[T any](val T, ts time.Time, replicaID string) *LWWRegister[T] {
	return &LWWRegister[T]{value: val, timestamp: ts, replicaID: replicaID}
}

// Set updates the register if ts is strictly after the current timestamp,
// or ties and replicaID sorts higher than the current writer.
func (r *LWWRegister[T]) Set(val T, ts time.Time, replicaID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.After(r.timestamp) || (ts.Equal(r.timestamp) && replicaID > r.replicaID) {
		r.value = val
		r.timestamp = ts
		r.replicaID = replicaID
	}
}

// Get returns the current value and its timestamp.
func (r *LWWRegister[T]) Get() (T, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.timestamp
}

// Merge pulls in a remote register's state.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	other.mu.RLock()
	val, ts, replicaID := other.value, other.timestamp, other.replicaID
	other.mu.RUnlock()
	r.Set(val, ts, replicaID)
}
