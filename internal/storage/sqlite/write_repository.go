package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/modelshelf/internal/storage"
)

// HistoryWriteRepository implements storage.HistoryWriteRepository
// and stores history records in SQLite.
type HistoryWriteRepository struct {
	db *sql.DB
}

func NewHistoryWriteRepository(db *sql.DB) *HistoryWriteRepository {
	return &HistoryWriteRepository{db: db}
}

// RecordState upserts the record by download id. started_at keeps its first value.
func (r *HistoryWriteRepository) RecordState(ctx context.Context, rec storage.HistoryRecord) error {
	var completedAt sql.NullString
	if rec.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*rec.CompletedAt), Valid: true}
	}

	var errorMessage sql.NullString
	if rec.ErrorMessage != "" {
		errorMessage = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}

	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = rec.UpdatedAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO download_history
			(download_id, owner_id, filename, local_path, size, status, error_message, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id) DO UPDATE SET
			local_path = excluded.local_path,
			size = excluded.size,
			status = excluded.status,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		rec.DownloadID, rec.OwnerID, rec.FileName, rec.LocalPath, rec.Size, rec.Status, errorMessage,
		formatTime(startedAt), formatTime(rec.UpdatedAt), completedAt,
	)

	return err
}

// PruneHistory deletes finished records whose completion is older than finishedBefore.
func (r *HistoryWriteRepository) PruneHistory(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM download_history WHERE completed_at IS NOT NULL AND completed_at < ?`,
		formatTime(finishedBefore),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
