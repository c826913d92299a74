package audit

import (
	"context"

	"dutyassign/internal/logger"
)

type Mirror interface {
	Mirror(ctx context.Context, entries []Entry) error
}

// Recorder is the Store used by the service: Postgres is authoritative and
// an optional mirror receives committed entries on a best-effort basis.
type Recorder struct {
	Store
	mirror Mirror
	logger logger.Logger
}

func NewRecorder(store Store, mirror Mirror, log logger.Logger) *Recorder {
	return &Recorder{Store: store, mirror: mirror, logger: log}
}

func (r *Recorder) Append(ctx context.Context, entry Entry) (Entry, error) {
	saved, err := r.Store.Append(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	r.mirrorEntries(ctx, []Entry{saved})
	return saved, nil
}

func (r *Recorder) AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	saved, err := r.Store.AppendBatch(ctx, entries)
	if err != nil {
		return nil, err
	}
	r.mirrorEntries(ctx, saved)
	return saved, nil
}

func (r *Recorder) mirrorEntries(ctx context.Context, entries []Entry) {
	if r.mirror == nil || len(entries) == 0 {
		return
	}
	if err := r.mirror.Mirror(context.WithoutCancel(ctx), entries); err != nil {
		r.logger.WarnwCtx(ctx, "Failed to mirror history entries",
			"count", len(entries),
			"error", err,
		)
	}
}
