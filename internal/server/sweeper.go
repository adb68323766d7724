package server

import (
	"context"
	"time"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// RetentionSweeper periodically deletes presence records of users who have
// been offline for longer than the retention window.
type RetentionSweeper struct {
	store     storage.PresenceStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewRetentionSweeper(store storage.PresenceStore, retention, interval time.Duration) *RetentionSweeper {
	return &RetentionSweeper{store: store, retention: retention, interval: interval, now: time.Now}
}

func (s *RetentionSweeper) String() string { return "presence-retention-sweeper" }

func (s *RetentionSweeper) Serve(ctx context.Context) error {
	if s.retention <= 0 || s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep runs one retention pass and returns the number of removed records.
func (s *RetentionSweeper) Sweep(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.store.DeleteOfflinePresenceBefore(ctx, cutoff)
	if err != nil {
		logging.Warn().Err(err).Time("cutoff", cutoff).Msg("presence retention sweep failed")
		return 0
	}
	if removed > 0 {
		logging.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("presence retention sweep")
	}
	return removed
}
