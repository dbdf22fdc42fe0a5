// Package usage writes the immutable per-dispatch usage records. A database
// outage must never fail a request that already served tokens, so failed
// inserts divert to a bounded disk spool drained by the worker.
package usage

import (
	"context"

	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/models"
)

// RecordStore is the durable side of usage accounting.
type RecordStore interface {
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	// PruneOlderThan deletes usage records past the retention horizon,
	// returning the number removed.
	PruneOlderThan(ctx context.Context, days int) (int64, error)
}

type Recorder struct {
	store  RecordStore
	spool  *Spool
	logger *zap.Logger
}

func NewRecorder(store RecordStore, spool *Spool, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, spool: spool, logger: logger}
}

// Record persists one terminal usage record. On insert failure the record is
// spooled; only a spool failure on top of that is surfaced, and even then
// the caller is expected to log rather than fail the response.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := r.store.InsertUsageRecord(ctx, rec); err == nil {
		return nil
	} else {
		r.logger.Warn("usage insert failed, spooling",
			zap.String("request_id", rec.RequestID), zap.Error(err))
	}

	if r.spool == nil {
		return errSpoolDisabled
	}
	return r.spool.Append(rec)
}

// Drain retries spooled records against the store. Used by the worker.
func (r *Recorder) Drain(ctx context.Context) (int, error) {
	if r.spool == nil {
		return 0, nil
	}
	return r.spool.Drain(ctx, func(ctx context.Context, rec *models.UsageRecord) error {
		return r.store.InsertUsageRecord(ctx, rec)
	})
}
