// Engine is the per-document CRDT facade specified in spec §4.1: it owns
// no network state, only the pure function from applied operations to
// materialized text.
package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/texweave/node/internal/texweaveerr"
)

// Range is a half-open [Start, End) code-point range.
type Range struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Op is one of the three client-facing operation forms (spec §4.1 table).
// Which of Position/Range/Content are meaningful depends on Kind:
//   - Insert:  Position, Content
//   - Delete:  Range
//   - Replace: Range, Content
type Op struct {
	Kind     string `json:"kind"`
	Position uint32 `json:"position,omitempty"`
	Range    Range  `json:"range,omitempty"`
	Content  string `json:"content,omitempty"`
}

const (
	KindInsert  = "insert"
	KindDelete  = "delete"
	KindReplace = "replace"
)

// DocumentHandle is a replica: the local agent identity plus its RGA.
type DocumentHandle struct {
	rga *RGA
}

// ReplicaID returns the stable local agent identifier for this handle.
func (h *DocumentHandle) ReplicaID() string { return h.rga.ReplicaID() }

// Engine applies operations to DocumentHandles. It holds no per-document
// state itself; callers (the Document Registry) own the handles.
type Engine struct{}

// NewEngine constructs an Engine. Stateless; exists for symmetry with the
// rest of the component design and to leave room for future engine-wide
// settings (e.g. a size cap) without changing call sites.
func NewEngine() *Engine { return &Engine{} }

// Create instantiates an empty replica stamped with replicaID.
func (e *Engine) Create(replicaID string) *DocumentHandle {
	return &DocumentHandle{rga: NewRGA(replicaID)}
}

// ApplyLocal applies a client-originated operation and returns the
// resulting wire patch for broadcast. Fails with InvalidRange if any
// position/range lies outside [0, len(text)].
func (e *Engine) ApplyLocal(doc *DocumentHandle, op Op) (*Patch, error) {
	if doc == nil {
		return nil, texweaveerr.New(texweaveerr.DocumentBranchNotFound, "document replica not loaded")
	}
	switch op.Kind {
	case KindInsert:
		return e.applyInsert(doc, op.Position, op.Content)
	case KindDelete:
		return e.applyDelete(doc, op.Range)
	case KindReplace:
		del, err := e.applyDelete(doc, op.Range)
		if err != nil {
			return nil, err
		}
		ins, err := e.applyInsert(doc, op.Range.Start, op.Content)
		if err != nil {
			return nil, err
		}
		return &Patch{DocumentID: del.DocumentID, SenderReplica: doc.ReplicaID(), Ops: append(del.Ops, ins.Ops...)}, nil
	default:
		return nil, texweaveerr.New(texweaveerr.Internal, fmt.Sprintf("unknown op kind %q", op.Kind))
	}
}

func (e *Engine) applyInsert(doc *DocumentHandle, position uint32, content string) (*Patch, error) {
	visible := doc.rga.VisibleIDs()
	if int(position) > len(visible) {
		return nil, texweaveerr.New(texweaveerr.InvalidRange, "insert position beyond document length")
	}
	var after RGANodeID
	if position > 0 {
		after = visible[position-1]
	}
	ops := make([]RGAOp, 0, len(content))
	for _, ch := range content {
		node := doc.rga.LocalInsert(after, ch)
		ops = append(ops, RGAOp{Kind: OpInsert, Node: node})
		after = node.ID
	}
	return &Patch{SenderReplica: doc.ReplicaID(), Ops: ops}, nil
}

func (e *Engine) applyDelete(doc *DocumentHandle, r Range) (*Patch, error) {
	visible := doc.rga.VisibleIDs()
	if r.Start > r.End || int(r.End) > len(visible) {
		return nil, texweaveerr.New(texweaveerr.InvalidRange, "delete range outside document extent")
	}
	ops := make([]RGAOp, 0, r.End-r.Start)
	for _, id := range visible[r.Start:r.End] {
		doc.rga.LocalDelete(id)
		ops = append(ops, RGAOp{Kind: OpDelete, DeleteID: id})
	}
	return &Patch{SenderReplica: doc.ReplicaID(), Ops: ops}, nil
}

// ApplyRemote applies a patch observed from a peer. Returns applied=false
// (Ignored) if every operation in the patch had already been seen, with no
// state change; never fails on out-of-range operations.
func (e *Engine) ApplyRemote(doc *DocumentHandle, patch *Patch) (applied bool, err error) {
	if doc == nil {
		return false, texweaveerr.New(texweaveerr.DocumentBranchNotFound, "document replica not loaded")
	}
	for _, op := range patch.Ops {
		if doc.rga.Apply(op) {
			applied = true
		}
	}
	return applied, nil
}

// CurrentText returns the materialized content.
func (e *Engine) CurrentText(doc *DocumentHandle) string {
	return doc.rga.Text()
}

// exportedState is the JSON body of an exported replica: its full applied
// history, replay of which reconstructs identical state elsewhere.
type exportedState struct {
	History []RGAOp `json:"history"`
}

// Export serializes the full history into a self-contained blob.
func (e *Engine) Export(doc *DocumentHandle) ([]byte, error) {
	return json.Marshal(exportedState{History: doc.rga.History()})
}

// Import reconstructs a replica from an exported blob, adopting replicaID
// as the new local agent identity while retaining every historical agent
// embedded in the blob's operations.
func (e *Engine) Import(replicaID string, blob []byte) (*DocumentHandle, error) {
	var state exportedState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, texweaveerr.Wrap(texweaveerr.CorruptPatch, "malformed export blob", err)
	}
	rga := NewRGA(replicaID)
	for _, op := range state.History {
		rga.Apply(op)
	}
	return &DocumentHandle{rga: rga}, nil
}

// SyncCookie returns a VClock summarizing the highest sequence number this
// handle has observed from each replica, for use as a SyncRequest's
// have_version_cookie.
func (e *Engine) SyncCookie(doc *DocumentHandle) VClock {
	v := make(VClock)
	for _, replica := range doc.rga.KnownReplicas() {
		v[replica] = doc.rga.HighestSeq(replica)
	}
	return v
}

// OpsSince returns the subset of this handle's history not yet reflected in
// have, for building an incremental SyncResponse. An insert is included when
// have does not yet dominate the single-replica clock it was stamped with,
// i.e. the requester hasn't observed that (replica, seq) pair. A delete
// carries no stamp of its own, so every delete is included; re-applying one
// the requester already has is a no-op.
func (e *Engine) OpsSince(doc *DocumentHandle, have VClock) []RGAOp {
	var out []RGAOp
	for _, op := range doc.rga.History() {
		var id RGANodeID
		switch op.Kind {
		case OpInsert:
			id = op.Node.ID
		case OpDelete:
			out = append(out, op)
			continue
		}
		if !have.Dominates(VClock{id.ReplicaID: id.Seq}) {
			out = append(out, op)
		}
	}
	return out
}
