package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/storage"
)

// PruneExpiredHistory deletes history of downloads that finished more than
// keepDuration ago. Downloaded files are never touched.
func PruneExpiredHistory(ctx context.Context, repo storage.HistoryWriteRepository, now time.Time, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := repo.PruneHistory(ctx, now.Add(-keepDuration))
	if err != nil {
		logger.Error("Failed to prune download history", "err", err)

		return err
	}

	if deleted > 0 {
		logger.Info("Pruned expired download history", "records", deleted, "retention", keepDuration.String())
	}

	return nil
}

// Run prunes history every interval until ctx is done.
func Run(ctx context.Context, repo storage.HistoryWriteRepository, interval, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return nil
		case now := <-ticker.C:
			// Errors are logged and retried on the next tick.
			_ = PruneExpiredHistory(ctx, repo, now, keepDuration)
		}
	}
}
