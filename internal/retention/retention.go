// Package retention trims processing_log, the one genuinely unbounded
// table this domain keeps (spec §3's raw_gps, cached_polylines, and
// road_segments are all either upserted or left for an out-of-core
// archival process; processing_log is pure audit trail).
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Manager deletes processing_log rows older than the configured retention
// window, computed against a configured timezone's calendar day.
type Manager struct {
	pool              *pgxpool.Pool
	processingLogDays int
	timezone          string
	logger            *zap.Logger
}

// New constructs a Manager.
func New(pool *pgxpool.Pool, processingLogDays int, timezone string, logger *zap.Logger) *Manager {
	return &Manager{
		pool:              pool,
		processingLogDays: processingLogDays,
		timezone:          timezone,
		logger:            logger.Named("retention"),
	}
}

// Run computes the retention cutoff and deletes processing_log rows
// started before it.
func (m *Manager) Run(ctx context.Context) error {
	loc, err := time.LoadLocation(m.timezone)
	if err != nil {
		return fmt.Errorf("retention: loading timezone %s: %w", m.timezone, err)
	}

	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	cutoff := today.AddDate(0, 0, -m.processingLogDays)

	tag, err := m.pool.Exec(ctx, `DELETE FROM processing_log WHERE processing_started_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("retention: deleting old processing_log rows: %w", err)
	}

	m.logger.Info("processing_log retention pass complete",
		zap.Int64("rows_deleted", tag.RowsAffected()),
		zap.Time("cutoff", cutoff),
		zap.Int("retention_days", m.processingLogDays),
	)
	return nil
}

// RunLoop calls Run on the given interval until ctx is done, logging (but
// not aborting on) pass errors so a single bad cutoff computation doesn't
// take down the whole maintenance loop.
func (m *Manager) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				m.logger.Error("retention pass failed", zap.Error(err))
			}
		}
	}
}
