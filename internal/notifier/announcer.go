package notifier

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/transfer"
)

// DownloadAnnouncer posts a message whenever a download completes or fails.
type DownloadAnnouncer struct {
	ctx      context.Context
	notifier Notifier
}

func NewDownloadAnnouncer(ctx context.Context, n Notifier) *DownloadAnnouncer {
	return &DownloadAnnouncer{ctx: ctx, notifier: n}
}

func (a *DownloadAnnouncer) OnStateChange(item transfer.Item) {
	var content string

	switch item.State {
	case transfer.StateCompleted:
		content = "✅ Download finished: " + item.ID + " (" + humanize.Bytes(uint64(item.TotalSize)) + ")"
	case transfer.StateFailed:
		content = "❌ Download failed: " + item.ID + ": " + item.ErrorMessage
	default:
		return
	}

	if err := a.notifier.Notify(a.ctx, content); err != nil {
		logctx.LoggerFromContext(a.ctx).Error("failed to send notification", "download_id", item.ID, "err", err)
	}
}

func (a *DownloadAnnouncer) OnProgress(transfer.Item) {}
