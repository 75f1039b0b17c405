package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/modelshelf/internal/storage"
	"github.com/italolelis/modelshelf/internal/telemetry"
)

// InstrumentedHistoryRepository wraps the history repositories with telemetry.
type InstrumentedHistoryRepository struct {
	read      *HistoryReadRepository
	write     *HistoryWriteRepository
	telemetry *telemetry.Telemetry
}

var _ storage.HistoryRepository = (*InstrumentedHistoryRepository)(nil)

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		read:      NewHistoryReadRepository(dbConn),
		write:     NewHistoryWriteRepository(dbConn),
		telemetry: tel,
	}
}

// GetHistory retrieves history with telemetry.
func (r *InstrumentedHistoryRepository) GetHistory(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_history", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetHistory(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetRecord retrieves one record with telemetry.
func (r *InstrumentedHistoryRepository) GetRecord(ctx context.Context, downloadID string) (storage.HistoryRecord, error) {
	var result storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_record", func(ctx context.Context) error {
		var err error

		result, err = r.read.GetRecord(ctx, downloadID)

		return err
	})

	return result, err
}

// RecordState journals a state change with telemetry.
func (r *InstrumentedHistoryRepository) RecordState(ctx context.Context, rec storage.HistoryRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_state", func(ctx context.Context) error {
		return r.write.RecordState(ctx, rec)
	})
}

// PruneHistory prunes finished records with telemetry.
func (r *InstrumentedHistoryRepository) PruneHistory(ctx context.Context, finishedBefore time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_history", func(ctx context.Context) error {
		var err error

		deleted, err = r.write.PruneHistory(ctx, finishedBefore)

		return err
	})

	return deleted, err
}
