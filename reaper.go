package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/open-ode/broker/internal/config"
	"github.com/open-ode/broker/internal/database"
	"github.com/open-ode/broker/internal/registry"
	"github.com/open-ode/broker/internal/sandbox"
	"github.com/open-ode/broker/internal/ws"
	"github.com/robfig/cron/v3"
)

// Ended session records older than this are pruned from the database.
const recordRetention = 30 * 24 * time.Hour

// startReaper schedules the periodic sweep for sessions whose teardown
// never completed: dead registry entries, orphaned sandbox containers,
// and stale database records.
func startReaper(ctx context.Context, reg *registry.Registry, backend sandbox.Backend, h *ws.Handler) *cron.Cron {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", config.Cfg.ReapInterval)
	if _, err := c.AddFunc(spec, func() { reapOnce(ctx, reg, backend, h) }); err != nil {
		log.Printf("[reaper] schedule %q: %v", spec, err)
		return c
	}
	c.Start()
	log.Printf("[reaper] sweeping every %s", config.Cfg.ReapInterval)
	return c
}

func reapOnce(ctx context.Context, reg *registry.Registry, backend sandbox.Backend, h *ws.Handler) {
	// Registry entries whose process has already exited or errored but
	// whose teardown never ran. End-once semantics make this safe even if
	// the owning connection finishes teardown concurrently.
	for _, s := range reg.All() {
		switch s.Status() {
		case registry.StatusExited, registry.StatusError:
			log.Printf("[reaper] sweeping dead session %s", s.ID)
			h.TeardownSession(s, "reaped")
		}
	}

	// Containers carrying our labels with no live session behind them:
	// left over from a previous broker process or a teardown cut short.
	if d, ok := backend.(*sandbox.DockerBackend); ok {
		removed, err := d.ReapOrphans(ctx, func(sessionID string) bool {
			return reg.Get(sessionID) != nil
		})
		if err != nil {
			log.Printf("[reaper] orphan sweep: %v", err)
		} else if removed > 0 {
			log.Printf("[reaper] removed %d orphaned sandboxes", removed)
		}
	}

	if pruned := database.PruneEndedBefore(time.Now().Add(-recordRetention)); pruned > 0 {
		log.Printf("[reaper] pruned %d old session records", pruned)
	}
}
