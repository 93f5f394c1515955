package session

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/texweave/node/crdt"
	"github.com/texweave/node/internal/transportapi"
	"github.com/texweave/node/peer"
	"github.com/texweave/node/registry"
)

// docSubs is one document's subscriber sets (spec §4.4 Subscription
// Table), independently locked so fan-out on one document never blocks
// lookups on another (spec §5 "concurrent hash-map keyed by document id
// with per-entry locking").
type docSubs struct {
	mu     sync.Mutex
	local  map[string]*Session // session id -> session
	remote map[string]struct{} // peer id -> present
}

// Router implements the Subscription Router (spec §4.4): it owns the
// document -> (local sessions, remote peers) table and performs fan-out on
// every applied operation. It also implements transportapi.IncomingHandler,
// making it the single entry point for inbound gossip and RPC requests.
type Router struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*docSubs

	registry  *registry.Registry
	transport transportapi.Transport
	peers     *peer.Registry
	log       *slog.Logger
}

func NewRouter(reg *registry.Registry, transport transportapi.Transport, peers *peer.Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		docs:      make(map[uuid.UUID]*docSubs),
		registry:  reg,
		transport: transport,
		peers:     peers,
		log:       log.With("component", "router"),
	}
}

func (rt *Router) entry(docID uuid.UUID) *docSubs {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d, ok := rt.docs[docID]
	if !ok {
		d = &docSubs{local: make(map[string]*Session), remote: make(map[string]struct{})}
		rt.docs[docID] = d
	}
	return d
}

// SubscribeLocal adds sess to docID's local subscriber set. If this is the
// first local subscriber, the document's operations topic is joined.
func (rt *Router) SubscribeLocal(sess *Session, docID uuid.UUID) {
	d := rt.entry(docID)
	d.mu.Lock()
	wasEmpty := len(d.local) == 0
	d.local[sess.ID] = sess
	d.mu.Unlock()

	if wasEmpty {
		topic := transportapi.DocOpsTopic(docID.String())
		if err := rt.transport.Subscribe(topic); err != nil {
			rt.log.Warn("topic subscribe failed", "topic", topic, "err", err)
		}
		_ = rt.transport.Subscribe(transportapi.DocPresenceTopic(docID.String()))
		_ = rt.transport.Subscribe(transportapi.DocMetaTopic(docID.String()))
	}
}

// UnsubscribeLocal removes sess from docID's local subscriber set. If it
// was the last local subscriber, the document's topics are left.
func (rt *Router) UnsubscribeLocal(sess *Session, docID uuid.UUID) {
	d := rt.entry(docID)
	d.mu.Lock()
	delete(d.local, sess.ID)
	empty := len(d.local) == 0
	d.mu.Unlock()

	if empty {
		_ = rt.transport.Unsubscribe(transportapi.DocOpsTopic(docID.String()))
		_ = rt.transport.Unsubscribe(transportapi.DocPresenceTopic(docID.String()))
		_ = rt.transport.Unsubscribe(transportapi.DocMetaTopic(docID.String()))
	}
}

// UnsubscribeAll removes sess from every document it was subscribed to
// (spec §5 cancellation, §8 "subscription hygiene"). Meant to be wired as
// a Session's CloseNotifier.
func (rt *Router) UnsubscribeAll(sess *Session) {
	for _, docID := range sess.OpenDocuments() {
		rt.UnsubscribeLocal(sess, docID)
	}
}

// fanOutLocal sends an update to every local subscriber of docID, skipping
// excludeSessionID if non-empty.
func (rt *Router) fanOutLocal(docID uuid.UUID, content string, version uint64, excludeSessionID string) {
	d := rt.entry(docID)
	d.mu.Lock()
	targets := make([]*Session, 0, len(d.local))
	for id, s := range d.local {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, s)
	}
	d.mu.Unlock()

	payload := DocumentUpdatePayload{DocumentID: docID.String(), Content: content, Version: version}
	f := frame(TagDocumentUpdate, payload)
	for _, s := range targets {
		s.Enqueue(f)
	}
}

// OnLocalApply fans DocumentUpdate out to every local session — including
// the origin, whose copy doubles as its apply confirmation (spec §4.3) —
// then publishes patch on the document's operations topic (spec §4.4).
func (rt *Router) OnLocalApply(docID uuid.UUID, patch *crdt.Patch, originSessionID string, content string, version uint64) {
	rt.fanOutLocal(docID, content, version, "")

	raw, err := crdt.Encode(patch)
	if err != nil {
		rt.log.Warn("patch encode failed", "doc", docID, "err", err)
		return
	}
	if err := rt.transport.Publish(transportapi.DocOpsTopic(docID.String()), raw); err != nil {
		rt.log.Warn("publish failed", "doc", docID, "err", err)
	}
}

// OnRemoteApply fans DocumentUpdate out to every local session (spec §4.4).
func (rt *Router) OnRemoteApply(docID uuid.UUID, content string, version uint64) {
	rt.fanOutLocal(docID, content, version, "")
}

// BroadcastPresence fans a PresenceUpdate out to every local session of
// docID except the origin, aggregating every locally-known presence entry.
func (rt *Router) BroadcastPresence(docID uuid.UUID, originSessionID string) {
	d := rt.entry(docID)
	d.mu.Lock()
	entries := make([]PresenceEntry, 0, len(d.local))
	for _, s := range d.local {
		if p, ok := s.Presence(docID); ok {
			entries = append(entries, PresenceEntry{UserID: s.UserID(), Presence: p})
		}
	}
	targets := make([]*Session, 0, len(d.local))
	for id, s := range d.local {
		if id == originSessionID {
			continue
		}
		targets = append(targets, s)
	}
	d.mu.Unlock()

	f := frame(TagPresenceUpdate, PresenceUpdateOutPayload{DocumentID: docID.String(), Presence: entries})
	for _, s := range targets {
		s.Enqueue(f)
	}
}

// PeerJoined records peerID as subscribed to docID (spec §4.4).
func (rt *Router) PeerJoined(peerID string, docID uuid.UUID) {
	d := rt.entry(docID)
	d.mu.Lock()
	d.remote[peerID] = struct{}{}
	d.mu.Unlock()
	if rt.peers != nil {
		rt.peers.MarkSubscribed(peerID, docID.String())
	}
}

// PeerLeft removes peerID from every document's remote subscriber set.
func (rt *Router) PeerLeft(peerID string) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for docID, d := range rt.docs {
		d.mu.Lock()
		delete(d.remote, peerID)
		d.mu.Unlock()
		if rt.peers != nil {
			rt.peers.MarkUnsubscribed(peerID, docID.String())
		}
	}
}

// RemotePeersOf returns the peer ids believed subscribed to docID.
func (rt *Router) RemotePeersOf(docID uuid.UUID) []string {
	d := rt.entry(docID)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.remote))
	for id := range d.remote {
		out = append(out, id)
	}
	return out
}

// --- transportapi.IncomingHandler ---

type presenceGossip struct {
	UserID   string          `json:"user_id"`
	Presence json.RawMessage `json:"presence"`
}

type metaGossip struct {
	Title         string    `json:"title"`
	Timestamp     time.Time `json:"timestamp"`
	ReplicaID     string    `json:"replica_id"`
}

// OnGossip decodes a message observed on one of a document's three topics
// and applies its effect (spec §4.5, §6).
func (rt *Router) OnGossip(topic string, senderPeer string, data []byte) {
	kind, idStr, ok := splitTopic(topic)
	if !ok {
		return
	}
	docID, err := uuid.Parse(idStr)
	if err != nil {
		rt.log.Warn("gossip on malformed topic", "topic", topic)
		return
	}
	doc, ok := rt.registry.GetDocument(docID)
	if !ok {
		return
	}

	switch kind {
	case "doc-ops":
		patch, err := crdt.Decode(data)
		if err != nil {
			rt.log.Warn("corrupt patch dropped", "doc", docID, "peer", senderPeer, "err", err)
			return
		}
		handle := doc.Handle()
		if handle == nil {
			return
		}
		applied, err := rt.registry.Engine().ApplyRemote(handle, patch)
		if err != nil || !applied {
			return
		}
		doc.BumpVersion()
		rt.OnRemoteApply(docID, rt.registry.Engine().CurrentText(handle), doc.Version())

	case "doc-presence":
		var g presenceGossip
		if err := json.Unmarshal(data, &g); err != nil {
			return
		}
		rt.BroadcastPresence(docID, "")

	case "doc-meta":
		var g metaGossip
		if err := json.Unmarshal(data, &g); err != nil {
			return
		}
		doc.SetTitle(g.Title, g.Timestamp, g.ReplicaID)
	}
}

func splitTopic(topic string) (kind, id string, ok bool) {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return "", "", false
	}
	return topic[:idx], topic[idx+1:], true
}

// OnRequest answers a unary RPC addressed to this node (spec §4.5 table).
func (rt *Router) OnRequest(peerID string, req transportapi.Request) transportapi.Response {
	docID, err := uuid.Parse(req.DocID)
	if err != nil {
		return transportapi.Response{NotFound: true}
	}
	doc, ok := rt.registry.GetDocument(docID)

	switch req.Kind {
	case transportapi.KindJoin:
		if ok {
			rt.PeerJoined(peerID, docID)
		}
		return transportapi.Response{Known: ok}

	case transportapi.KindSync:
		if !ok {
			return transportapi.Response{NotFound: true}
		}
		handle := doc.Handle()
		if handle == nil {
			return transportapi.Response{NotFound: true}
		}
		eng := rt.registry.Engine()
		if len(req.HaveVersionCookie) == 0 {
			full, err := eng.Export(handle)
			if err != nil {
				return transportapi.Response{NotFound: true}
			}
			return transportapi.Response{FullExport: full}
		}
		ops := eng.OpsSince(handle, crdt.VClock(req.HaveVersionCookie))
		if len(ops) == 0 {
			return transportapi.Response{}
		}
		raw, err := crdt.Encode(&crdt.Patch{DocumentID: req.DocID, Ops: ops})
		if err != nil {
			return transportapi.Response{NotFound: true}
		}
		return transportapi.Response{IncrementalPatch: raw}

	case transportapi.KindBranchSync:
		if !ok {
			return transportapi.Response{Accepted: 0}
		}
		handle := doc.Handle()
		if handle == nil {
			return transportapi.Response{Accepted: 0}
		}
		eng := rt.registry.Engine()
		accepted := 0
		for _, raw := range req.PatchBatch {
			patch, err := crdt.Decode(raw)
			if err != nil {
				continue
			}
			applied, err := eng.ApplyRemote(handle, patch)
			if err == nil && applied {
				accepted++
			}
		}
		if accepted > 0 {
			doc.BumpVersion()
			rt.OnRemoteApply(docID, eng.CurrentText(handle), doc.Version())
		}
		return transportapi.Response{Accepted: accepted}

	default:
		return transportapi.Response{}
	}
}

// OnPeerJoined and OnPeerLeft satisfy transportapi.IncomingHandler for
// transport-level connection lifecycle events distinct from the
// document-scoped JoinRequest RPC above.
func (rt *Router) OnPeerJoined(peerID string, docID string) {
	if id, err := uuid.Parse(docID); err == nil {
		rt.PeerJoined(peerID, id)
	}
}

func (rt *Router) OnPeerLeft(peerID string) {
	rt.PeerLeft(peerID)
}
