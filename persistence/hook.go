// Package persistence implements the External Persistence Hook (spec
// §4.7): snapshot/restore delegate to the CRDT engine's export/import, and
// publish_external is left as an opaque, pluggable no-op by default since
// the Git collaborator driver itself is explicitly out of scope.
package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/texweave/node/internal/texweaveerr"
	"github.com/texweave/node/registry"
)

// Hook is the External Persistence Hook contract (spec §4.7).
type Hook interface {
	// Snapshot exports documentID's current CRDT state and persists it.
	Snapshot(documentID uuid.UUID) ([]byte, error)
	// Restore installs data as documentID's CRDT replica, replacing
	// whatever branch (if any) is currently loaded.
	Restore(documentID uuid.UUID, data []byte) error
	// LoadFromDisk restores documentID from its last snapshot on disk, if
	// one exists. Reports false, nil when there is nothing to restore.
	LoadFromDisk(documentID uuid.UUID) (bool, error)
	// PublishExternal pushes documentID's state to the opaque external
	// collaborator. The default implementation is a no-op.
	PublishExternal(documentID uuid.UUID) error
}

// FilesystemHook is the concrete default Hook: one JSON file per document
// under baseDir, and a no-op publish_external (spec §4.7 "may be
// implemented as a no-op").
type FilesystemHook struct {
	reg     *registry.Registry
	baseDir string
	log     *slog.Logger
}

func NewFilesystemHook(reg *registry.Registry, baseDir string, log *slog.Logger) *FilesystemHook {
	if log == nil {
		log = slog.Default()
	}
	return &FilesystemHook{reg: reg, baseDir: baseDir, log: log.With("component", "persistence")}
}

func (h *FilesystemHook) pathFor(documentID uuid.UUID) string {
	return filepath.Join(h.baseDir, documentID.String()+".json")
}

// Snapshot delegates to the engine's export and writes the result to disk.
func (h *FilesystemHook) Snapshot(documentID uuid.UUID) ([]byte, error) {
	data, err := h.reg.ExportDocument(documentID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(h.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create documents dir: %w", err)
	}
	if err := os.WriteFile(h.pathFor(documentID), data, 0o644); err != nil {
		return nil, fmt.Errorf("persistence: write snapshot: %w", err)
	}
	return data, nil
}

// Restore delegates to the engine's import and installs the resulting
// replica on the already-registered document (spec §4.3
// CreateDocumentBranch "from a persisted snapshot").
func (h *FilesystemHook) Restore(documentID uuid.UUID, data []byte) error {
	doc, ok := h.reg.GetDocument(documentID)
	if !ok {
		return texweaveerr.New(texweaveerr.DocumentNotFound, "document not found")
	}
	handle, err := h.reg.Engine().Import(uuid.New().String(), data)
	if err != nil {
		return err
	}
	doc.SetHandle(handle)
	doc.BumpVersion()
	return nil
}

// LoadFromDisk reads documentID's last snapshot, if present, and restores
// it. Returns false, nil if no snapshot file exists.
func (h *FilesystemHook) LoadFromDisk(documentID uuid.UUID) (bool, error) {
	data, err := os.ReadFile(h.pathFor(documentID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: read snapshot: %w", err)
	}
	if err := h.Restore(documentID, data); err != nil {
		return false, err
	}
	return true, nil
}

// PublishExternal is a no-op: the Git collaborator driver is an opaque
// plugin (spec §1 Non-goals) that this default hook does not implement.
func (h *FilesystemHook) PublishExternal(documentID uuid.UUID) error {
	h.log.Debug("publish_external is a no-op in the default hook", "document", documentID)
	return nil
}
