package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
)

// CleanupConfig controls retention of terminal sessions.
type CleanupConfig struct {
	// Schedule is a cron expression; empty disables cleanup.
	Schedule string
	// Retention is how long terminal sessions are kept.
	Retention time.Duration
}

// StartCleanup runs the retention sweep on the configured cron schedule
// until ctx ends. It returns an error only for an invalid schedule.
func (m *Manager) StartCleanup(ctx context.Context, cfg CleanupConfig) error {
	if cfg.Schedule == "" {
		return nil
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("parsing cleanup schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	go func() {
		next := expr.Next(time.Now())
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.Before(next) {
					continue
				}
				next = expr.Next(now)
				if err := m.sweepExpired(ctx, cfg.Retention); err != nil {
					m.log.Printf("cleanup sweep: %v", err)
				}
			}
		}
	}()
	return nil
}

// sweepExpired deletes terminal sessions past retention, including their
// event logs.
func (m *Manager) sweepExpired(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	expired, err := m.cfg.Store.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if err := m.Delete(ctx, sess.ID); err != nil {
			m.log.Printf("cleanup of %s: %v", sess.ID, err)
			continue
		}
		m.log.Printf("cleaned up session %s (last updated %s)", sess.ID, sess.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
