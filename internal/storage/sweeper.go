package storage

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartLockSweeper releases locks older than maxAge with the given
// interval. Locks are advisory and never released automatically when a
// client disconnects, so a crashed client can orphan them; the sweeper
// bounds how long an orphaned lock survives.
func StartLockSweeper(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	maxAge time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-maxAge)
				res, err := db.ExecContext(ctx, `
                    DELETE FROM locks
                     WHERE created_at < $1
                `, cutoff)
				if err != nil {
					log.Error("failed to sweep stale locks", zap.Error(err))
					continue
				}
				if rows, _ := res.RowsAffected(); rows > 0 {
					log.Info("released stale locks", zap.Int64("released", rows))
				}
			}
		}
	}()
}
