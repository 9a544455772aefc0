// Package tagging hands committed conversations to a downstream tagger
// through the durable job queue.
package tagging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/sessiond/internal/storage"
)

// JobType is the queue job type for conversation tagging.
const JobType = "tag_conversation"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetConversation(ctx context.Context, id string) (*storage.Conversation, error)
}

// Tagger receives conversations that gained content.
type Tagger interface {
	Tag(ctx context.Context, conv *storage.Conversation) error
}

type payload struct {
	ConversationID string `json:"conversation_id"`
}

// Enqueuer queues tag_conversation jobs. It is the ingestion hand-off.
type Enqueuer struct {
	store JobStore
}

func NewEnqueuer(store JobStore) *Enqueuer {
	return &Enqueuer{store: store}
}

func (e *Enqueuer) Enqueue(ctx context.Context, conversationID string) error {
	raw, err := json.Marshal(payload{ConversationID: conversationID})
	if err != nil {
		return err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(raw),
	}
	if err := e.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueueing tag job for %s: %w", conversationID, err)
	}
	return nil
}

// Worker processes tag_conversation jobs from the job queue.
type Worker struct {
	store  JobStore
	tagger Tagger
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, tagger Tagger, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		tagger: tagger,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("tagging worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single tag_conversation job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("tag job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	conv, err := w.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %s: %w", p.ConversationID, err)
	}

	if err := w.tagger.Tag(ctx, conv); err != nil {
		return fmt.Errorf("tagging conversation %s: %w", conv.ID, err)
	}
	w.logger.Debug("conversation tagged", "conversation_id", conv.ID, "job_id", job.ID)
	return nil
}
