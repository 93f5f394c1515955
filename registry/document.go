// Package registry implements the Document Registry (spec §4.2): the
// canonical in-memory directory of every document a node knows about.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/texweave/node/crdt"
	"github.com/texweave/node/internal/texweaveerr"
)

// Document is the registry's unit of ownership: metadata plus the CRDT
// replica backing its content (spec §3). No separate text buffer is
// authoritative; content is always read through the CRDT handle.
type Document struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	CreatedAt time.Time

	mu            sync.RWMutex
	updatedAt     time.Time
	titleReg      *crdt.LWWRegister[string]
	collaborators *crdt.ORSet
	externalRepo  *string
	handle        *crdt.DocumentHandle
	version       uint64
}

// Title returns the current title (spec §3: "mutable by owner", converged
// via the LWWRegister gossiped on doc-meta/<id>).
func (d *Document) Title() string {
	title, _ := d.titleReg.Get()
	return title
}

// SetTitle updates the title under LWW semantics, stamped by replicaID.
func (d *Document) SetTitle(title string, ts time.Time, replicaID string) {
	d.titleReg.Set(title, ts, replicaID)
	d.touch()
}

// MergeTitle merges a remote doc-meta title register observation.
func (d *Document) MergeTitle(other *crdt.LWWRegister[string]) {
	d.titleReg.Merge(other)
	d.touch()
}

// TitleRegister exposes the underlying register for gossip encode/decode.
func (d *Document) TitleRegister() *crdt.LWWRegister[string] { return d.titleReg }

// Collaborators returns the current advisory collaborator set.
func (d *Document) Collaborators() []string { return d.collaborators.Values() }

// AddCollaborator grants advisory write access to userID.
func (d *Document) AddCollaborator(userID, replicaID string) {
	d.collaborators.Add(userID, replicaID)
	d.touch()
}

// RemoveCollaborator revokes advisory write access from userID.
func (d *Document) RemoveCollaborator(userID string) {
	d.collaborators.Remove(userID)
	d.touch()
}

// CollaboratorSet exposes the underlying OR-Set for gossip merge.
func (d *Document) CollaboratorSet() *crdt.ORSet { return d.collaborators }

// IsAuthorized reports whether userID is the owner or an advisory
// collaborator (spec §7 "forbidden").
func (d *Document) IsAuthorized(userID string) bool {
	if userID == d.Owner.String() {
		return true
	}
	return d.collaborators.Contains(userID)
}

// ExternalRepo returns the opaque external-repository handle, if any.
func (d *Document) ExternalRepo() *string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.externalRepo
}

// SetExternalRepo sets the opaque external-repository handle.
func (d *Document) SetExternalRepo(handle string) {
	d.mu.Lock()
	d.externalRepo = &handle
	d.mu.Unlock()
	d.touch()
}

// Handle returns the CRDT replica handle backing this document's content.
// Nil means the local branch has not been instantiated (spec's
// "document_branch_not_found" case).
func (d *Document) Handle() *crdt.DocumentHandle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handle
}

// SetHandle installs or replaces the CRDT replica handle, e.g. when
// recreating an evicted branch (CreateDocumentBranch) or importing state.
func (d *Document) SetHandle(h *crdt.DocumentHandle) {
	d.mu.Lock()
	d.handle = h
	d.mu.Unlock()
}

// Version returns the current opaque version cookie.
func (d *Document) Version() uint64 {
	return atomic.LoadUint64(&d.version)
}

// UpdatedAt returns the timestamp of the most recent local state change.
func (d *Document) UpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updatedAt
}

// BumpVersion strictly increases the version cookie, to be called on every
// locally-observed state change: an applied op or an imported state (spec
// §3 invariant, §8 "version monotonicity").
func (d *Document) BumpVersion() uint64 {
	d.touch()
	return atomic.AddUint64(&d.version, 1)
}

func (d *Document) touch() {
	d.mu.Lock()
	d.updatedAt = time.Now()
	d.mu.Unlock()
}

// Filter selects which documents ListDocuments returns.
type Filter struct {
	Kind string // "all", "owned_by", "collaborator_of"
	User string
}

func FilterAll() Filter                     { return Filter{Kind: "all"} }
func FilterOwnedBy(user string) Filter      { return Filter{Kind: "owned_by", User: user} }
func FilterCollaboratorOf(user string) Filter { return Filter{Kind: "collaborator_of", User: user} }

func (f Filter) matches(d *Document) bool {
	switch f.Kind {
	case "owned_by":
		return d.Owner.String() == f.User
	case "collaborator_of":
		return d.collaborators.Contains(f.User)
	default:
		return true
	}
}

// Registry is the canonical in-memory directory of documents (spec §4.2).
// The map itself is protected by an RWMutex per spec §5; individual
// Document fields have their own finer-grained locking so lookups never
// block on a concurrent apply.
type Registry struct {
	mu     sync.RWMutex
	docs   map[uuid.UUID]*Document
	engine *crdt.Engine
}

func NewRegistry(engine *crdt.Engine) *Registry {
	return &Registry{docs: make(map[uuid.UUID]*Document), engine: engine}
}

// CreateDocument assigns a fresh id, instantiates a CRDT replica (seeding
// it with an Insert at position 0 if initialContent is non-empty), and
// registers it.
func (r *Registry) CreateDocument(title string, owner uuid.UUID, initialContent string) (*Document, error) {
	id := uuid.New()
	replicaID := uuid.New().String()
	handle := r.engine.Create(replicaID)
	if initialContent != "" {
		if _, err := r.engine.ApplyLocal(handle, crdt.Op{Kind: crdt.KindInsert, Position: 0, Content: initialContent}); err != nil {
			return nil, err
		}
	}
	now := time.Now()
	doc := &Document{
		ID:            id,
		Owner:         owner,
		CreatedAt:     now,
		updatedAt:     now,
		titleReg:      crdt.NewLWWRegister(title, now, replicaID),
		collaborators: crdt.NewORSet(),
		handle:        handle,
	}
	doc.BumpVersion()

	r.mu.Lock()
	r.docs[id] = doc
	r.mu.Unlock()
	return doc, nil
}

// GetDocument returns the document with the given id, or false if unknown.
func (r *Registry) GetDocument(id uuid.UUID) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	return d, ok
}

// ListDocuments enumerates known documents matching filter.
func (r *Registry) ListDocuments(filter Filter) []*Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		if filter.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// ImportDocument delegates to the engine's Import and registers the result
// under a NEW id: imports never preserve the id of the node that exported
// them (spec §9 open question, resolved).
func (r *Registry) ImportDocument(title string, owner uuid.UUID, exported []byte) (*Document, error) {
	id := uuid.New()
	replicaID := uuid.New().String()
	handle, err := r.engine.Import(replicaID, exported)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	doc := &Document{
		ID:            id,
		Owner:         owner,
		CreatedAt:     now,
		updatedAt:     now,
		titleReg:      crdt.NewLWWRegister(title, now, replicaID),
		collaborators: crdt.NewORSet(),
		handle:        handle,
	}
	doc.BumpVersion()

	r.mu.Lock()
	r.docs[id] = doc
	r.mu.Unlock()
	return doc, nil
}

// ExportDocument delegates to the engine's Export for the given id.
func (r *Registry) ExportDocument(id uuid.UUID) ([]byte, error) {
	doc, ok := r.GetDocument(id)
	if !ok {
		return nil, texweaveerr.New(texweaveerr.DocumentNotFound, "document not found")
	}
	h := doc.Handle()
	if h == nil {
		return nil, texweaveerr.New(texweaveerr.DocumentBranchNotFound, "document branch not loaded")
	}
	return r.engine.Export(h)
}

// DeleteDocument removes a document from the registry. The caller
// (Session Manager / Subscription Router wiring) is responsible for
// evicting subscriptions.
func (r *Registry) DeleteDocument(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return texweaveerr.New(texweaveerr.DocumentNotFound, "document not found")
	}
	delete(r.docs, id)
	return nil
}

// CreateBranch recreates an evicted local CRDT replica for a known
// document id (spec §4.3 CreateDocumentBranch, §8 scenario 5), leaving it
// empty unless a persistence hook restores it first.
func (r *Registry) CreateBranch(id uuid.UUID, replicaID string) (*Document, error) {
	doc, ok := r.GetDocument(id)
	if !ok {
		return nil, texweaveerr.New(texweaveerr.DocumentNotFound, "document not found")
	}
	if doc.Handle() == nil {
		doc.SetHandle(r.engine.Create(replicaID))
		doc.BumpVersion()
	}
	return doc, nil
}

// Engine returns the registry's engine, for callers that need to apply ops
// directly against a document's handle.
func (r *Registry) Engine() *crdt.Engine { return r.engine }
