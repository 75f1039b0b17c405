package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/modelshelf/internal/storage"
)

const selectHistory = `SELECT download_id, owner_id, filename, local_path, size, status, error_message,
	started_at, updated_at, completed_at FROM download_history`

// HistoryReadRepository implements storage.HistoryReadRepository.
type HistoryReadRepository struct {
	db *sql.DB
}

func NewHistoryReadRepository(db *sql.DB) *HistoryReadRepository {
	return &HistoryReadRepository{db: db}
}

// GetHistory returns the most recently updated records first. A limit <= 0 returns everything.
func (r *HistoryReadRepository) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, selectHistory+` ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.HistoryRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *HistoryReadRepository) GetRecord(ctx context.Context, downloadID string) (storage.HistoryRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectHistory+` WHERE download_id = ?`, downloadID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.HistoryRecord{}, storage.ErrNotFound
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.HistoryRecord, error) {
	var (
		rec                  storage.HistoryRecord
		errorMessage         sql.NullString
		startedAt, updatedAt string
		completedAt          sql.NullString
	)

	err := s.Scan(&rec.DownloadID, &rec.OwnerID, &rec.FileName, &rec.LocalPath, &rec.Size, &rec.Status,
		&errorMessage, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		return rec, err
	}

	rec.ErrorMessage = errorMessage.String

	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return rec, fmt.Errorf("invalid started_at for %s: %w", rec.DownloadID, err)
	}

	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rec, fmt.Errorf("invalid updated_at for %s: %w", rec.DownloadID, err)
	}

	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return rec, fmt.Errorf("invalid completed_at for %s: %w", rec.DownloadID, err)
		}

		rec.CompletedAt = &t
	}

	return rec, nil
}
