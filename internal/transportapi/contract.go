// Package transportapi defines the single abstract P2P transport contract
// (spec §9 design note): publish/subscribe/send_request/on_event. Both the
// real libp2p-backed transport and an in-process fake used by tests
// implement it, so the session/router/registry layers never depend on a
// concrete networking stack.
package transportapi

import (
	"context"
	"time"
)

// Topic name helpers (spec §6 "bit-exact" topic names).
func DocOpsTopic(docID string) string      { return "doc-ops/" + docID }
func DocPresenceTopic(docID string) string { return "doc-presence/" + docID }
func DocMetaTopic(docID string) string     { return "doc-meta/" + docID }

// RequestKind enumerates the unary RPC request kinds (spec §4.5 table).
type RequestKind string

const (
	KindJoin       RequestKind = "join"
	KindSync       RequestKind = "sync"
	KindBranchSync RequestKind = "branch_sync"
)

// Request is a unary request/response message addressed to one peer.
type Request struct {
	Kind    RequestKind       `json:"kind"`
	DocID   string            `json:"doc_id"`
	UserID  string            `json:"user_id,omitempty"`
	UserName string           `json:"user_name,omitempty"`
	HaveVersionCookie map[string]uint64 `json:"have_version_cookie,omitempty"`
	PatchBatch [][]byte       `json:"patch_batch,omitempty"`
}

// Response answers a Request.
type Response struct {
	Known             bool   `json:"known,omitempty"`
	NotFound          bool   `json:"not_found,omitempty"`
	FullExport        []byte `json:"full_export,omitempty"`
	IncrementalPatch  []byte `json:"incremental_patch,omitempty"`
	Accepted          int    `json:"accepted,omitempty"`
}

// IncomingHandler receives events observed by the transport: gossip
// messages and unary requests addressed to this node (spec §9 "on_event").
type IncomingHandler interface {
	OnGossip(topic string, senderPeer string, data []byte)
	OnRequest(peerID string, req Request) Response
	OnPeerJoined(peerID string, docID string)
	OnPeerLeft(peerID string)
}

// Transport is the single contract the core uses for all P2P networking
// (spec §4.5, §9). A real libp2p-backed implementation and an in-process
// fake both satisfy it.
type Transport interface {
	// Publish fire-and-forget broadcasts data on topic (spec §4.4 "best
	// effort"). May block up to PublishTimeout on a full internal queue
	// before dropping (spec §5).
	Publish(topic string, data []byte) error
	// Subscribe joins topic; a no-op if already joined.
	Subscribe(topic string) error
	// Unsubscribe leaves topic; a no-op if not joined.
	Unsubscribe(topic string) error
	// SendRequest performs a unary RPC against peerID, honoring ctx's
	// deadline (spec §5 default 10s).
	SendRequest(ctx context.Context, peerID string, req Request) (Response, error)
	// SetIncomingHandler registers the single handler for inbound gossip
	// and requests. Must be called before any gossip or request arrives.
	SetIncomingHandler(h IncomingHandler)
	// LocalPeerID returns this node's own peer identifier.
	LocalPeerID() string
}

// DefaultRequestTimeout is used by callers that don't set their own ctx
// deadline before calling SendRequest.
const DefaultRequestTimeout = 10 * time.Second
