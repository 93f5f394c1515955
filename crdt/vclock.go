// Package crdt provides the conflict-free replicated data types backing a
// texweave document replica: a text RGA, plus three smaller CRDTs reused
// for document metadata (VClock for sync cookies, LWWRegister for title,
// ORSet for the collaborator set).
package crdt

// VClock is a vector clock for causality tracking, mapping replica id (hex
// string form of a uuid.UUID) to a logical clock counter. It is used as the
// sync cookie a peer attaches to a SyncRequest so the responder can compute
// an incremental SyncResponse instead of always exporting full state.
type VClock map[string]uint64

// Increment returns a new VClock with replicaID's counter incremented.
func (v VClock) Increment(replicaID string) VClock {
	next := v.Clone()
	next[replicaID]++
	return next
}

// Merge returns the component-wise maximum of v and other.
func (v VClock) Merge(other VClock) VClock {
	merged := v.Clone()
	for node, count := range other {
		if count > merged[node] {
			merged[node] = count
		}
	}
	return merged
}

// Clone returns a deep copy.
func (v VClock) Clone() VClock {
	c := make(VClock, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}

// Dominates reports whether every component of v is >= the corresponding
// component of have, i.e. v contains everything have does. Used to decide
// which operations a SyncResponse still needs to ship.
func (v VClock) Dominates(have VClock) bool {
	for node, count := range have {
		if v[node] < count {
			return false
		}
	}
	return true
}
