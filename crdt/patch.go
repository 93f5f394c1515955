package crdt

import (
	"encoding/json"

	"github.com/texweave/node/internal/texweaveerr"
)

// OpKind distinguishes the two primitive RGA mutations a Patch carries.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// RGAOp is one primitive mutation of the RGA: either the full node being
// inserted, or the id of a node being tombstoned.
type RGAOp struct {
	Kind     OpKind    `json:"kind"`
	Node     RGANode   `json:"node,omitempty"`
	DeleteID RGANodeID `json:"delete_id,omitempty"`
}

// Patch is the wire form of a CRDT state change: self-describing, suitable
// for gossip broadcast or a targeted BranchSync push (spec §4.1, §6). The
// first byte of an encoded Patch is a format tag so unknown future formats
// can be dropped rather than misparsed (spec §6 "operations topic payload").
type Patch struct {
	FormatVersion uint8   `json:"-"`
	DocumentID    string  `json:"document_id"`
	SenderReplica string  `json:"sender_replica"`
	Ops           []RGAOp `json:"ops"`
}

const formatVersionJSON uint8 = 1

// Encode serializes a Patch to its wire form: a leading format-tag byte
// followed by a JSON body.
func Encode(p *Patch) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, formatVersionJSON)
	out = append(out, body...)
	return out, nil
}

// Decode parses a wire-form patch. An unrecognized format tag or malformed
// body yields CorruptPatch, to be logged and dropped without disturbing
// engine state (spec §4.1, §7).
func Decode(raw []byte) (*Patch, error) {
	if len(raw) == 0 {
		return nil, texweaveerr.New(texweaveerr.CorruptPatch, "empty patch")
	}
	tag, body := raw[0], raw[1:]
	if tag != formatVersionJSON {
		return nil, texweaveerr.New(texweaveerr.CorruptPatch, "unknown patch format tag")
	}
	var p Patch
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, texweaveerr.Wrap(texweaveerr.CorruptPatch, "malformed patch body", err)
	}
	p.FormatVersion = tag
	return &p, nil
}
