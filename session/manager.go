package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/texweave/node/crdt"
	"github.com/texweave/node/internal/config"
	"github.com/texweave/node/internal/texweaveerr"
	"github.com/texweave/node/internal/transportapi"
	"github.com/texweave/node/registry"
)

// Manager is the Session Manager (spec §4.3): it terminates one session
// per client, enforces the authentication gate, and translates client
// frames into registry/engine/router calls and back.
type Manager struct {
	registry  *registry.Registry
	router    *Router
	transport transportapi.Transport
	log       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(reg *registry.Registry, router *Router, transport transportapi.Transport, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:  reg,
		router:    router,
		transport: transport,
		log:       log.With("component", "session-manager"),
		sessions:  make(map[string]*Session),
	}
}

// Accept registers a new session over sender and returns it; the caller
// owns running sess.Run and feeding it frames via HandleFrame until the
// transport's read loop ends.
func (m *Manager) Accept(sender Sender) *Session {
	sess := New(sender, m.onSessionClosed, m.log)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

func (m *Manager) onSessionClosed(sess *Session) {
	m.router.UnsubscribeAll(sess)
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
}

// HandleFrame dispatches one inbound frame (spec §4.3 message tags and
// per-session state machine).
func (m *Manager) HandleFrame(ctx context.Context, sess *Session, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "malformed frame"))
		return
	}

	if sess.State() == StateConnected {
		if f.Type != TagAuthentication {
			sess.SendError(texweaveerr.New(texweaveerr.Unauthenticated, "authentication required"))
			return
		}
		m.handleAuthentication(sess, f)
		return
	}

	switch f.Type {
	case TagAuthentication:
		// Already authenticated; a second Authentication frame is a no-op.
		return
	case TagListDocuments:
		m.handleListDocuments(sess)
	case TagCreateDocument:
		m.handleCreateDocument(sess, f)
	case TagOpenDocument:
		m.handleOpenDocument(ctx, sess, f)
	case TagCreateDocumentBranch:
		m.handleCreateDocumentBranch(sess, f)
	case TagDocumentOperation:
		m.handleDocumentOperation(sess, f)
	case TagPresenceUpdate:
		m.handlePresenceUpdate(sess, f)
	default:
		m.log.Warn("unknown frame type", "type", f.Type)
	}
}

func (m *Manager) handleAuthentication(sess *Session, f Frame) {
	var p AuthenticationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.Close(texweaveerr.New(texweaveerr.AuthFailed, "malformed authentication payload"))
		return
	}
	if err := sess.Authenticate(p.UserID); err != nil {
		sess.Close(texweaveerr.New(texweaveerr.AuthFailed, "authentication rejected"))
	}
}

func summarize(d *registry.Document) DocumentSummary {
	return DocumentSummary{
		ID:            d.ID.String(),
		Title:         d.Title(),
		Owner:         d.Owner.String(),
		Collaborators: d.Collaborators(),
		UpdatedAt:     d.UpdatedAt(),
	}
}

func (m *Manager) handleListDocuments(sess *Session) {
	docs := m.registry.ListDocuments(registry.FilterAll())
	summaries := make([]DocumentSummary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, summarize(d))
	}
	sess.Enqueue(frame(TagDocumentList, DocumentListPayload{Documents: summaries}))
}

// broadcastDocumentList sends a DocumentList to every active session (spec
// §4.3: CreateDocument "yields DocumentCreated and a DocumentList broadcast").
func (m *Manager) broadcastDocumentList() {
	docs := m.registry.ListDocuments(registry.FilterAll())
	summaries := make([]DocumentSummary, 0, len(docs))
	for _, d := range docs {
		summaries = append(summaries, summarize(d))
	}
	f := frame(TagDocumentList, DocumentListPayload{Documents: summaries})

	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()
	for _, s := range targets {
		s.Enqueue(f)
	}
}

func (m *Manager) handleCreateDocument(sess *Session, f Frame) {
	var p CreateDocumentPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "malformed create_document payload"))
		return
	}
	owner, err := uuid.Parse(sess.UserID())
	if err != nil {
		// User identity isn't cryptographically verified (spec §9); accept
		// any non-uuid user id by deriving a stable namespaced uuid for it.
		owner = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sess.UserID()))
	}
	doc, err := m.registry.CreateDocument(p.Title, owner, "")
	if err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "failed to create document"))
		return
	}
	if p.RepositoryURL != nil {
		doc.SetExternalRepo(*p.RepositoryURL)
	}
	sess.Enqueue(frame(TagDocumentCreated, DocumentCreatedPayload{DocumentSummary: summarize(doc)}))
	m.broadcastDocumentList()
}

func (m *Manager) handleOpenDocument(ctx context.Context, sess *Session, f Frame) {
	var p OpenDocumentPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "malformed open_document payload"))
		return
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "invalid document id"))
		return
	}
	doc, ok := m.registry.GetDocument(docID)
	if !ok {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "no such document"))
		return
	}
	handle := doc.Handle()
	if handle == nil {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentBranchNotFound, "document branch not loaded; send CreateDocumentBranch"))
		return
	}

	sess.OpenDocument(docID)
	m.router.SubscribeLocal(sess, docID)

	eng := m.registry.Engine()
	content := eng.CurrentText(handle)
	sess.Enqueue(frame(TagDocumentUpdate, DocumentUpdatePayload{DocumentID: docID.String(), Content: content, Version: doc.Version()}))

	if content == "" {
		go m.requestSync(ctx, doc, docID)
	}
}

// requestSync issues a best-effort SyncRequest against a known remote peer
// when a freshly-opened document's local replica is empty (spec §4.3
// OpenDocument: "issues a remote sync request if the local replica is
// empty").
func (m *Manager) requestSync(ctx context.Context, doc *registry.Document, docID uuid.UUID) {
	peers := m.router.RemotePeersOf(docID)
	if len(peers) == 0 {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, config.RequestTimeout)
	defer cancel()

	eng := m.registry.Engine()
	cookie := eng.SyncCookie(doc.Handle())
	for _, p := range peers {
		resp, err := m.transport.SendRequest(reqCtx, p, transportapi.Request{
			Kind: transportapi.KindSync, DocID: docID.String(), HaveVersionCookie: cookie,
		})
		if err != nil || resp.NotFound {
			continue
		}
		if len(resp.FullExport) > 0 {
			newHandle, err := eng.Import(doc.Handle().ReplicaID(), resp.FullExport)
			if err == nil {
				doc.SetHandle(newHandle)
				doc.BumpVersion()
				m.router.OnRemoteApply(docID, eng.CurrentText(newHandle), doc.Version())
			}
			return
		}
		if len(resp.IncrementalPatch) > 0 {
			patch, err := crdt.Decode(resp.IncrementalPatch)
			if err == nil {
				if applied, _ := eng.ApplyRemote(doc.Handle(), patch); applied {
					doc.BumpVersion()
					m.router.OnRemoteApply(docID, eng.CurrentText(doc.Handle()), doc.Version())
				}
			}
			return
		}
	}
}

func (m *Manager) handleCreateDocumentBranch(sess *Session, f Frame) {
	var p CreateDocumentBranchPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "malformed create_document_branch payload"))
		return
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "invalid document id"))
		return
	}
	if _, err := m.registry.CreateBranch(docID, uuid.New().String()); err != nil {
		sess.SendError(err.(*texweaveerr.Error))
		return
	}
	sess.Enqueue(frame(TagBranchCreated, BranchCreatedPayload{DocumentID: docID.String()}))
}

func (m *Manager) handleDocumentOperation(sess *Session, f Frame) {
	var p DocumentOperationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.Internal, "malformed document_operation payload"))
		return
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "invalid document id"))
		return
	}
	if !sess.HasOpened(docID) {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "document not opened"))
		return
	}
	doc, ok := m.registry.GetDocument(docID)
	if !ok {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentNotFound, "no such document"))
		return
	}
	// A non-uuid user id owns documents under the namespaced uuid that
	// handleCreateDocument derives for it.
	if !doc.IsAuthorized(sess.UserID()) && doc.Owner != uuid.NewSHA1(uuid.NameSpaceOID, []byte(sess.UserID())) {
		sess.SendError(texweaveerr.New(texweaveerr.Forbidden, "user is not owner or collaborator"))
		return
	}
	handle := doc.Handle()
	if handle == nil {
		sess.SendError(texweaveerr.New(texweaveerr.DocumentBranchNotFound, "document branch not loaded"))
		return
	}

	eng := m.registry.Engine()
	patch, err := eng.ApplyLocal(handle, p.Operation)
	if err != nil {
		if te, ok := err.(*texweaveerr.Error); ok {
			sess.SendError(te)
		} else {
			sess.SendError(texweaveerr.New(texweaveerr.Internal, "apply failed"))
		}
		return
	}
	patch.DocumentID = docID.String()
	version := doc.BumpVersion()
	m.router.OnLocalApply(docID, patch, sess.ID, eng.CurrentText(handle), version)
}

func (m *Manager) handlePresenceUpdate(sess *Session, f Frame) {
	var p PresenceUpdateInPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	docID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		return
	}
	if !sess.HasOpened(docID) {
		return
	}
	sess.SetPresence(docID, p.Presence)
	m.router.BroadcastPresence(docID, sess.ID)
}

// AuthDeadline closes sess if it hasn't authenticated within the
// configured window (spec §5 "client authentication must complete within
// 30s of connect").
func (m *Manager) AuthDeadline(ctx context.Context, sess *Session) {
	timer := time.NewTimer(config.AuthTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if sess.State() == StateConnected {
			sess.Close(texweaveerr.New(texweaveerr.AuthFailed, "authentication timed out"))
		}
	}
}
