package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirahq/cmdgate/internal/eventbus"
)

// Sweeper periodically expires overdue pending requests. Reads already
// expire lazily; the sweeper bounds how stale an untouched request can
// get and publishes the expiry events.
type Sweeper struct {
	repo     Repository
	bus      *eventbus.Bus
	interval time.Duration
}

func NewSweeper(repo Repository, bus *eventbus.Bus, interval time.Duration) *Sweeper {
	return &Sweeper{repo: repo, bus: bus, interval: interval}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ids, err := s.repo.ExpireOverdue(ctx)
			if err != nil {
				slog.Error("approval sweep failed", "error", err)
				continue
			}
			for _, id := range ids {
				slog.Info("approval request expired", "id", id)
				s.bus.PublishNew(eventbus.EventTypeApprovalExpired, id, nil)
			}
		}
	}
}
