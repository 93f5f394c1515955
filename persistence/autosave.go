package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/texweave/node/registry"
)

// RunAutosave snapshots every known document once per interval until ctx is
// cancelled (spec §6 storage.enable_autosave / autosave_interval_seconds).
func RunAutosave(ctx context.Context, reg *registry.Registry, hook Hook, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "autosave")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, doc := range reg.ListDocuments(registry.FilterAll()) {
				if doc.Handle() == nil {
					continue
				}
				if _, err := hook.Snapshot(doc.ID); err != nil {
					log.Warn("autosave failed", "document", doc.ID, "err", err)
				}
			}
		}
	}
}
