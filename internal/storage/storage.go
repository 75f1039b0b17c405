package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no history exists for a download id.
var ErrNotFound = errors.New("download history not found")

// HistoryRecord is the journal entry of one download. It is observational only and
// never consulted when resuming a download.
type HistoryRecord struct {
	DownloadID   string
	OwnerID      string
	FileName     string
	LocalPath    string
	Size         int64
	Status       string
	ErrorMessage string
	StartedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time // set while the download is in a terminal state
}

// HistoryReadRepository lists journaled downloads.
type HistoryReadRepository interface {
	GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	GetRecord(ctx context.Context, downloadID string) (HistoryRecord, error)
}

// HistoryWriteRepository journals download state changes.
type HistoryWriteRepository interface {
	RecordState(ctx context.Context, rec HistoryRecord) error
	PruneHistory(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// HistoryRepository is the full journal.
type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}
