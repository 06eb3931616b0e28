// Package janitor prunes finished agents off the board on a cron schedule,
// so long-running servers do not accumulate stale sessions forever.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentkanban/kanband/internal/config"
	"github.com/agentkanban/kanband/internal/registry"
)

type Janitor struct {
	agents *registry.AgentRegistry
	cfg    config.JanitorConfig
}

func New(agents *registry.AgentRegistry, cfg config.JanitorConfig) (*Janitor, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", cfg.Schedule)
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("janitor retention must be positive, got %s", cfg.Retention)
	}
	return &Janitor{agents: agents, cfg: cfg}, nil
}

// Start runs sweeps on the configured cron schedule until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("janitor started", "schedule", j.cfg.Schedule, "retention", j.cfg.Retention)

	for {
		next, err := gronx.NextTick(j.cfg.Schedule, false)
		if err != nil {
			slog.Error("janitor schedule evaluation failed", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("janitor stopped")
			return
		case <-timer.C:
			removed := j.Sweep(time.Now())
			if removed > 0 {
				slog.Info("janitor sweep complete", "removed", removed)
			}
		}
	}
}

// Sweep deregisters every agent that has been in a terminal status with no
// activity for longer than the retention window. Child subtrees go with
// their parents; re-checking the registry before each removal keeps the
// sweep safe against cascades triggered earlier in the same pass.
func (j *Janitor) Sweep(now time.Time) int {
	cutoff := now.Add(-j.cfg.Retention).UnixMilli()
	removed := 0

	for _, a := range j.agents.GetAllAgents() {
		if !a.Status.Terminal() || a.LastActivity > cutoff {
			continue
		}
		if j.agents.GetAgent(a.ID) == nil {
			continue
		}
		slog.Info("janitor pruning agent", "agent", a.ID, "status", a.Status)
		j.agents.Deregister(a.ID)
		removed++
	}
	return removed
}
