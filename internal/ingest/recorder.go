package ingest

import (
	"context"
	"log/slog"

	"github.com/kalambet/sessiond/internal/storage"
)

// JobStore persists ingestion job records.
type JobStore interface {
	CreateIngestionJob(ctx context.Context, j *storage.IngestionJob) error
	FinishIngestionJob(ctx context.Context, j *storage.IngestionJob) error
}

// Recorder writes the IngestionJob that accompanies every ingestion
// attempt. Records are written outside conversation transactions so a
// failed attempt still leaves a trace.
type Recorder struct {
	store  JobStore
	logger *slog.Logger
}

func NewRecorder(store JobStore) *Recorder {
	return &Recorder{store: store, logger: slog.Default()}
}

// Start records a running job.
func (r *Recorder) Start(ctx context.Context, job *storage.IngestionJob) error {
	job.Status = storage.JobRunning
	return r.store.CreateIngestionJob(ctx, job)
}

// Finish writes the terminal state of job. It ignores cancellation of ctx
// and only logs failures, since it runs on every exit path.
func (r *Recorder) Finish(ctx context.Context, job *storage.IngestionJob) {
	if err := r.store.FinishIngestionJob(context.WithoutCancel(ctx), job); err != nil {
		r.logger.Error("failed to finalize ingestion job", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
