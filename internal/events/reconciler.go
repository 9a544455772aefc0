package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/storage"
)

const (
	jobParserName    = "events"
	jobParserVersion = "1"
)

// errNothingToApply rolls back a transaction that found only already
// applied events.
var errNothingToApply = errors.New("nothing to apply")

// Deps configures a Reconciler. Publisher is optional.
type Deps struct {
	Store     *storage.Store
	Publisher notify.Publisher
	// OrphanTTL is passed to the parent link sweep run after each batch.
	OrphanTTL time.Duration
}

// Reconciler applies event batches. Batches for the same session serialize
// on the conversation row; batches for different sessions run in parallel.
type Reconciler struct {
	store     *storage.Store
	recorder  *ingest.Recorder
	publisher notify.Publisher
	orphanTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// beforeCommit runs inside the batch transaction after every write.
	beforeCommit func(ctx context.Context, conversationID string) error
}

func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{
		store:     deps.Store,
		recorder:  ingest.NewRecorder(deps.Store),
		publisher: deps.Publisher,
		orphanTTL: deps.OrphanTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// batchRun is the state of one Apply call.
type batchRun struct {
	sessionID string
	events    []Event
	received  time.Time

	conv       *storage.Conversation
	created    bool
	last       int64
	accepted   int
	duplicates int
	messages   int
	latest     time.Time
	types      map[string]int
	warnings   []string
}

func (b *batchRun) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Apply validates, deduplicates and applies a batch in one transaction.
// Events at or below the stored high-water mark are dropped; a batch that
// would leave a hole in the sequence is rejected whole with a
// *SequenceGapError and nothing is written.
func (r *Reconciler) Apply(ctx context.Context, batch Batch) (ApplyResult, error) {
	if err := validate(batch); err != nil {
		return ApplyResult{}, err
	}
	run := &batchRun{
		sessionID: batch.SessionID,
		received:  r.now().UTC(),
		types:     make(map[string]int),
	}
	run.events = run.normalize(batch.Events)

	job := &storage.IngestionJob{
		Source:        ingest.SourceCollector,
		SessionKey:    batch.SessionID,
		ParserName:    jobParserName,
		ParserVersion: jobParserVersion,
	}
	if err := r.recorder.Start(ctx, job); err != nil {
		return ApplyResult{}, fmt.Errorf("recording ingestion job: %w", err)
	}

	err := r.applyTx(ctx, run)
	status := storage.JobSuccess
	switch {
	case errors.Is(err, errNothingToApply):
		err = nil
		status = storage.JobDuplicate
		if len(run.events) == 0 {
			status = storage.JobSkipped
		}
	case err != nil:
		status = storage.JobFailed
		run.accepted, run.messages = 0, 0
	}

	if status == storage.JobSuccess {
		r.postProcess(ctx, run, job.ID)
	}

	res := ApplyResult{
		Accepted:     run.accepted,
		LastSequence: run.last,
		Warnings:     run.warnings,
		JobID:        job.ID,
	}
	if run.conv != nil && (status == storage.JobSuccess || !run.created) {
		res.ConversationID = run.conv.ID
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	r.finalize(ctx, job, run, res, status, err)
	return res, err
}

// applyTx runs the batch transaction. A panic is reported as an error so
// the job is still finalized.
func (r *Reconciler) applyTx(ctx context.Context, run *batchRun) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event batch panicked", "session_id", run.sessionID, "panic", p)
			err = fmt.Errorf("applying event batch panicked: %v", p)
		}
	}()
	return r.store.WithTx(ctx, func(tx *storage.Tx) error {
		return r.applyBatch(ctx, tx, run)
	})
}

func validate(b Batch) error {
	if b.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidBatch)
	}
	for i, ev := range b.Events {
		if ev.Sequence < 1 {
			return fmt.Errorf("%w: event %d has sequence %d, want >= 1", ErrInvalidBatch, i, ev.Sequence)
		}
		if !knownType(ev.Type) {
			return fmt.Errorf("%w: event %d has unknown type %q", ErrInvalidBatch, i, ev.Type)
		}
	}
	return nil
}

// normalize sorts events by sequence and keeps the first of any repeated
// sequence number.
func (b *batchRun) normalize(in []Event) []Event {
	events := make([]Event, len(in))
	copy(events, in)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	out := events[:0]
	for i, ev := range events {
		if i > 0 && ev.Sequence == events[i-1].Sequence {
			b.warn("duplicate sequence %d in batch, keeping the first", ev.Sequence)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (r *Reconciler) applyBatch(ctx context.Context, tx *storage.Tx, run *batchRun) error {
	conv, created, err := tx.EnsureConversation(ctx, storage.Conversation{
		SessionKey: run.sessionID,
		Source:     ingest.SourceCollector,
		AgentType:  startAgentType(run.events),
	})
	if err != nil {
		return err
	}
	run.conv, run.created = conv, created
	run.last = conv.LastEventSequence

	var pending []Event
	for _, ev := range run.events {
		if ev.Sequence <= run.last {
			run.duplicates++
			continue
		}
		pending = append(pending, ev)
	}
	if len(pending) == 0 {
		return errNothingToApply
	}
	expected := run.last + 1
	for _, ev := range pending {
		if ev.Sequence != expected {
			return &SequenceGapError{SessionID: run.sessionID, Expected: expected, Got: ev.Sequence, LastSequence: run.last}
		}
		expected++
	}

	if err := tx.Reopen(ctx, conv); err != nil {
		return err
	}
	for _, ev := range pending {
		if err := r.applyEvent(ctx, tx, conv, ev, run); err != nil {
			return fmt.Errorf("applying event %d (%s): %w", ev.Sequence, ev.Type, err)
		}
		if err := tx.RecordEvent(ctx, storage.Event{
			ConversationID:   conv.ID,
			Sequence:         ev.Sequence,
			Type:             ev.Type,
			EmittedAt:        ev.EmittedAt,
			ObservedAt:       ev.ObservedAt,
			ServerReceivedAt: run.received,
			Data:             ev.Data,
		}); err != nil {
			return err
		}
		if err := tx.SetLastEventSequence(ctx, conv.ID, ev.Sequence); err != nil {
			return err
		}
		conv.LastEventSequence = ev.Sequence
		run.accepted++
		run.types[ev.Type]++
		if ev.EmittedAt.After(run.latest) {
			run.latest = ev.EmittedAt
		}
	}
	if err := tx.TouchActivity(ctx, conv.ID, run.latest); err != nil {
		return err
	}
	if r.beforeCommit != nil {
		if err := r.beforeCommit(ctx, conv.ID); err != nil {
			return err
		}
	}

	refreshed, err := tx.LockConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	run.conv = refreshed
	run.last = refreshed.LastEventSequence
	return nil
}

func startAgentType(events []Event) string {
	for _, ev := range events {
		if ev.Type != TypeSessionStart {
			continue
		}
		var d sessionStartData
		if decode(ev.Data, &d) == nil {
			return d.AgentType
		}
	}
	return ""
}

// postProcess runs the deferred parent link sweep and publishes the change.
// Failures become warnings.
func (r *Reconciler) postProcess(ctx context.Context, run *batchRun, jobID string) {
	report, err := r.store.LinkPendingParents(ctx, r.orphanTTL)
	if err != nil {
		run.warn("parent link sweep: %v", err)
	} else if len(report.Linked) > 0 || len(report.Expired) > 0 {
		r.logger.Debug("parent link sweep", "linked", len(report.Linked), "expired", len(report.Expired), "pending", report.Pending)
	}

	if r.publisher != nil {
		r.publisher.Publish(notify.Update{
			ConversationID:    run.conv.ID,
			SessionKey:        run.conv.SessionKey,
			Source:            ingest.SourceCollector,
			JobID:             jobID,
			MessagesAdded:     run.messages,
			MessageCount:      run.conv.MessageCount,
			LastEventSequence: run.conv.LastEventSequence,
			Status:            run.conv.Status,
		})
	}
}

func (r *Reconciler) finalize(ctx context.Context, job *storage.IngestionJob, run *batchRun, res ApplyResult, status string, err error) {
	job.Status = status
	job.ConversationID = res.ConversationID
	job.MessagesAdded = run.messages
	job.Warnings = run.warnings
	job.ChangeType = "append"
	if status != storage.JobSuccess {
		job.ChangeType = "unchanged"
	}
	if err != nil {
		job.Error = err.Error()
	}
	metrics := map[string]any{
		"received":      len(run.events),
		"accepted":      run.accepted,
		"duplicates":    run.duplicates,
		"last_sequence": res.LastSequence,
		"event_types":   run.types,
	}
	if len(run.events) > 0 {
		metrics["first_sequence"] = run.events[0].Sequence
	}
	var gap *SequenceGapError
	if errors.As(err, &gap) {
		metrics["expected_sequence"] = gap.Expected
	}
	job.Metrics = metrics
	r.recorder.Finish(ctx, job)

	if err != nil {
		r.logger.Warn("event batch rejected", "job_id", job.ID, "session_id", run.sessionID, "error", err)
		return
	}
	r.logger.Debug("event batch applied",
		"job_id", job.ID,
		"session_id", run.sessionID,
		"conversation_id", res.ConversationID,
		"accepted", run.accepted,
		"duplicates", run.duplicates,
		"last_sequence", res.LastSequence,
	)
}
