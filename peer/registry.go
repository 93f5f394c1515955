// Package peer implements the Peer Registry (spec §4.6): a size-bounded,
// recency-sorted liveness view of other nodes, with no cryptographic
// identity check.
package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/texweave/node/internal/config"
)

// State is a peer's position in the connection lifecycle (spec §4.5).
type State int

const (
	Discovered State = iota
	Dialing
	Connected
	Idle
	Pruned
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case Idle:
		return "idle"
	case Pruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// Peer is one remote node's liveness record.
type Peer struct {
	ID                  string
	State               State
	LastSeen            time.Time
	SubscribedDocuments map[string]struct{} // advisory, inferred from gossip/join
}

// Registry is the size-bounded peer liveness table (spec §4.6). A single
// lock guards the whole structure; peer counts are expected to stay small
// enough that O(peers) operations are fine (spec §5).
type Registry struct {
	mu          sync.Mutex
	peers       map[string]*Peer
	maxPeers    int
	idleWindow  time.Duration
}

// NewRegistry creates a peer registry bounded to maxPeers entries, evicting
// the least-recently-seen peer when a new one would exceed the bound.
func NewRegistry(maxPeers int) *Registry {
	if maxPeers <= 0 {
		maxPeers = 512
	}
	return &Registry{
		peers:      make(map[string]*Peer),
		maxPeers:   maxPeers,
		idleWindow: config.LivenessWindow,
	}
}

// Observe records activity from peerID, creating the record if new and
// advancing its state to Connected and LastSeen to now.
func (r *Registry) Observe(peerID string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, State: Discovered, LastSeen: time.Now(), SubscribedDocuments: make(map[string]struct{})}
		r.peers[peerID] = p
		r.evictLocked()
	}
	p.State = Connected
	p.LastSeen = time.Now()
	return p
}

// SetState transitions peerID to state, if known.
func (r *Registry) SetState(peerID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		p.State = state
	}
}

// MarkSubscribed records that peerID is believed to be subscribed to docID
// (advisory, inferred from observed gossip/join traffic).
func (r *Registry) MarkSubscribed(peerID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, State: Discovered, LastSeen: time.Now(), SubscribedDocuments: make(map[string]struct{})}
		r.peers[peerID] = p
		r.evictLocked()
	}
	p.SubscribedDocuments[docID] = struct{}{}
	p.LastSeen = time.Now()
}

// MarkUnsubscribed forgets peerID's advisory subscription to docID.
func (r *Registry) MarkUnsubscribed(peerID, docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		delete(p.SubscribedDocuments, docID)
	}
}

// Get returns the peer record for peerID, if known.
func (r *Registry) Get(peerID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SubscribersOf returns peer ids believed subscribed to docID.
func (r *Registry) SubscribersOf(docID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, p := range r.peers {
		if _, ok := p.SubscribedDocuments[docID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// PruneIdle moves every peer untouched for longer than the idle window to
// Idle, and fully removes peers already Idle past the window (spec §4.6).
// Returns the ids removed.
func (r *Registry) PruneIdle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var removed []string
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) < r.idleWindow {
			continue
		}
		if p.State == Idle {
			p.State = Pruned
			delete(r.peers, id)
			removed = append(removed, id)
			continue
		}
		p.State = Idle
	}
	return removed
}

// evictLocked drops the least-recently-seen peer once the bound is
// exceeded. Caller holds mu.
func (r *Registry) evictLocked() {
	if len(r.peers) <= r.maxPeers {
		return
	}
	type entry struct {
		id   string
		seen time.Time
	}
	entries := make([]entry, 0, len(r.peers))
	for id, p := range r.peers {
		entries = append(entries, entry{id, p.LastSeen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seen.Before(entries[j].seen) })
	delete(r.peers, entries[0].id)
}

// All returns every known peer, most-recently-seen first.
func (r *Registry) All() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
