package storage

import (
	"context"
	"time"

	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/transfer"
)

// HistoryRecorder journals every state change of the downloads it observes.
type HistoryRecorder struct {
	ctx  context.Context
	repo HistoryWriteRepository
	now  func() time.Time
}

func NewHistoryRecorder(ctx context.Context, repo HistoryWriteRepository) *HistoryRecorder {
	return &HistoryRecorder{ctx: ctx, repo: repo, now: time.Now}
}

func (r *HistoryRecorder) OnStateChange(item transfer.Item) {
	now := r.now()

	rec := HistoryRecord{
		DownloadID:   item.ID,
		OwnerID:      item.OwnerID,
		FileName:     item.FileName,
		LocalPath:    item.Path,
		Size:         item.TotalSize,
		Status:       item.State.String(),
		ErrorMessage: item.ErrorMessage,
		StartedAt:    item.CreatedAt,
		UpdatedAt:    now,
	}

	if item.State.IsTerminal() {
		rec.CompletedAt = &now
	}

	if err := r.repo.RecordState(r.ctx, rec); err != nil {
		logctx.LoggerFromContext(r.ctx).Error("failed to record download history",
			"download_id", item.ID, "status", rec.Status, "err", err)
	}
}

// OnProgress is a no-op; only transitions are journaled.
func (r *HistoryRecorder) OnProgress(transfer.Item) {}
