// Package ingest drives file ingestion: parser selection, deduplication,
// change detection, parsing, and the single transaction that persists a
// parse together with the file's progress marker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/parser"
	"github.com/kalambet/sessiond/internal/rawlog"
	"github.com/kalambet/sessiond/internal/storage"
)

const (
	defaultTimeout     = 2 * time.Minute
	defaultMaxAttempts = 3
)

// Handoff receives conversations whose content changed, for enrichment
// outside the ingestion core.
type Handoff interface {
	Enqueue(ctx context.Context, conversationID string) error
}

// Deps configures an Orchestrator. Publisher and Handoff are optional.
type Deps struct {
	Store     *storage.Store
	Parsers   *parser.Registry
	Publisher notify.Publisher
	Handoff   Handoff
	// Timeout bounds parsing and persistence of one ingestion. Defaults to 2m.
	Timeout time.Duration
	// OrphanTTL is passed to the parent link sweep run after each ingestion.
	OrphanTTL time.Duration
}

// Orchestrator ingests one file at a time. It is safe for concurrent use;
// ingestions of the same conversation serialize on the conversation row.
type Orchestrator struct {
	store       *storage.Store
	parsers     *parser.Registry
	resolver    *Resolver
	recorder    *Recorder
	publisher   notify.Publisher
	handoff     Handoff
	timeout     time.Duration
	orphanTTL   time.Duration
	maxAttempts int
	logger      *slog.Logger

	// beforeCommit runs inside the persist transaction after every write.
	beforeCommit func(ctx context.Context, conversationID string) error
}

func NewOrchestrator(deps Deps) *Orchestrator {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Orchestrator{
		store:       deps.Store,
		parsers:     deps.Parsers,
		resolver:    NewResolver(deps.Store),
		recorder:    NewRecorder(deps.Store),
		publisher:   deps.Publisher,
		handoff:     deps.Handoff,
		timeout:     timeout,
		orphanTTL:   deps.OrphanTTL,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
}

// Request names a file to ingest.
type Request struct {
	Path   string
	Source string     // defaults to SourceCLI
	Mode   UpdateMode // defaults to ModeSkip
}

// Result reports the outcome of one ingestion. It mirrors the recorded job.
type Result struct {
	JobID          string
	Status         string
	ConversationID string
	SessionKey     string
	ChangeType     rawlog.ChangeType
	MessagesAdded  int
	MessageCount   int
	Offset         int64
	Warnings       []string
}

// Ingest runs one ingestion of req.Path and records it as an IngestionJob.
// Duplicate and skipped outcomes are not errors. A non-nil error means the
// job failed; the Result is still returned when the job was recorded.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) (res *Result, err error) {
	if req.Mode == "" {
		req.Mode = ModeSkip
	}
	if req.Source == "" {
		req.Source = SourceCLI
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		path = req.Path
	}

	r := &run{
		o:      o,
		path:   path,
		source: req.Source,
		mode:   req.Mode,
		stages: make(map[string]time.Duration),
		job: &storage.IngestionJob{
			Source:     req.Source,
			FilePath:   path,
			UpdateMode: string(req.Mode),
		},
	}
	if err := o.recorder.Start(ctx, r.job); err != nil {
		return nil, fmt.Errorf("recording ingestion job: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("ingestion panicked", "job_id", r.job.ID, "path", path, "panic", p)
			err = fmt.Errorf("ingestion panicked: %v", p)
		}
		r.finalize(ctx, err)
		res = r.result()
	}()
	return nil, r.execute(ctx)
}

// run carries the state of one Ingest call through its stages.
type run struct {
	o      *Orchestrator
	path   string
	source string
	mode   UpdateMode
	job    *storage.IngestionJob

	status     string
	change     rawlog.ChangeType
	confidence float64
	attempts   int
	warnings   []string
	stages     map[string]time.Duration

	obs    rawlog.Observation
	parsed *parser.ParseResult
	start  int64
	stats  storage.ApplyStats
	conv   *storage.Conversation
}

func (r *run) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *run) timed(stage string, start time.Time) {
	r.stages[stage] += time.Since(start)
}

func (r *run) execute(ctx context.Context) error {
	p, err := r.detect()
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, r.o.timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		r.attempts = attempt
		r.warnings = nil
		r.parsed, r.stats, r.conv, r.start = nil, storage.ApplyStats{}, nil, 0

		status, err := r.attempt(tctx, p)
		if errors.Is(err, ErrStateConflict) && attempt < r.o.maxAttempts {
			r.o.logger.Debug("retrying ingestion after concurrent update", "job_id", r.job.ID, "path", r.path, "attempt", attempt)
			continue
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("ingestion timed out after %s: %w", r.o.timeout, err)
			}
			return err
		}
		r.status = status
		break
	}

	if r.status == storage.JobSuccess {
		r.postProcess(ctx)
	}
	return nil
}

// detect confirms the file is readable and selects a parser.
func (r *run) detect() (parser.Parser, error) {
	defer r.timed("detect", time.Now())

	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("file not readable: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", r.path)
	}
	p, score, err := r.o.parsers.Select(r.path)
	if err != nil {
		return nil, err
	}
	r.confidence = score
	r.job.ParserName = p.Name()
	r.job.ParserVersion = p.Version()
	return p, nil
}

// attempt runs dedup, change detection, parse and persist once. It returns
// the job status for non-failing outcomes.
func (r *run) attempt(ctx context.Context, p parser.Parser) (string, error) {
	planStart := time.Now()
	pathState, err := r.o.store.RawLogState(ctx, r.path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading raw log state: %w", err)
	}
	obs, err := rawlog.Observe(r.path, pathState)
	if err != nil {
		return "", err
	}
	r.obs = obs
	src := parser.Source{Path: r.path, Size: obs.Size}

	id, w := IdentityFor(p, src)
	if w != "" {
		r.warn("%s", w)
	}
	r.job.SessionKey = id.SessionKey

	dec, err := r.o.resolver.Resolve(ctx, pathState, obs.FullHash, id, r.mode)
	if err != nil {
		return "", err
	}
	if dec.Conversation != nil {
		r.job.ConversationID = dec.Conversation.ID
		r.job.SessionKey = dec.Conversation.SessionKey
		r.conv = dec.Conversation
	}
	if dec.Action == ActionDuplicate {
		r.change = rawlog.ChangeUnchanged
		r.timed("plan", planStart)
		return storage.JobDuplicate, nil
	}

	change, w := rawlog.Classify(obs, dec.State)
	if w != "" {
		r.warn("%s", w)
	}
	r.change = change
	r.timed("plan", planStart)

	if dec.Action == ActionSkip {
		return storage.JobSkipped, nil
	}
	if dec.Action == ActionCreate && obs.Size == 0 {
		r.warn("file is empty")
		return storage.JobSkipped, nil
	}

	full := true
	if dec.Action == ActionUpdate && r.mode != ModeReplace {
		switch change {
		case rawlog.ChangeUnchanged:
			return storage.JobSkipped, nil
		case rawlog.ChangeAppend:
			full = false
		default:
			if r.mode == ModeAppend {
				return "", fmt.Errorf("%w: file change is %s", ErrAppendRequiresAppend, change)
			}
		}
	}

	if err := r.parse(ctx, p, src, dec, full); err != nil {
		return "", err
	}
	if dec.Action == ActionCreate && !id.Declared && r.parsed.Conversation.Session.ID == "" && len(r.parsed.Conversation.Messages) == 0 {
		r.warn("no session id or messages found")
		return storage.JobSkipped, nil
	}
	if err := r.persist(ctx, dec, full); err != nil {
		return "", err
	}
	return storage.JobSuccess, nil
}

func (r *run) parse(ctx context.Context, p parser.Parser, src parser.Source, dec Decision, full bool) error {
	defer r.timed("parse", time.Now())

	if full {
		res, err := p.ParseFull(ctx, src)
		if err != nil {
			return err
		}
		r.parsed = res
	} else {
		res, err := p.ParseIncremental(ctx, src, dec.State.LastOffset, dec.State.LastLine)
		if err != nil {
			return err
		}
		r.parsed = &res.ParseResult
		r.start = res.StartOffset
	}
	r.warnings = append(r.warnings, r.parsed.Warnings...)
	return nil
}

// persist writes the parsed content and the advanced progress marker in one
// transaction. It fails with ErrStateConflict when the marker or the
// conversation changed since the attempt was planned.
func (r *run) persist(ctx context.Context, dec Decision, full bool) error {
	defer r.timed("persist", time.Now())

	session := r.parsed.Conversation.Session
	return r.o.store.WithTx(ctx, func(tx *storage.Tx) error {
		var conv *storage.Conversation
		if dec.Action == ActionCreate {
			c, created, err := tx.EnsureConversation(ctx, storage.Conversation{
				SessionKey: r.job.SessionKey,
				Source:     r.source,
				AgentType:  session.AgentType,
				FilePath:   r.path,
				FileHash:   r.obs.FullHash,
			})
			if err != nil {
				return err
			}
			if !created {
				return ErrStateConflict
			}
			conv = c
		} else {
			c, err := tx.LockConversation(ctx, dec.Conversation.ID)
			if errors.Is(err, storage.ErrNotFound) {
				return ErrStateConflict
			}
			if err != nil {
				return err
			}
			conv = c
		}

		current, err := tx.RawLogState(ctx, r.path)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !sameState(current, dec.PathState) {
			return ErrStateConflict
		}

		if full && (conv.MessageCount > 0 || conv.EpochCount > 0) {
			if err := tx.ReplaceChildren(ctx, conv.ID); err != nil {
				return err
			}
			if conv, err = tx.LockConversation(ctx, conv.ID); err != nil {
				return err
			}
		}
		if err := tx.Reopen(ctx, conv); err != nil {
			return err
		}

		stats, err := tx.ApplyContent(ctx, conv, ContentFrom(r.parsed.Conversation))
		if err != nil {
			return err
		}
		for _, id := range stats.UnmatchedResults {
			r.warn("tool result %s has no matching tool call", id)
		}
		if err := tx.MergeMetadata(ctx, conv.ID, session.Metadata); err != nil {
			return err
		}
		if err := tx.SetAgentType(ctx, conv.ID, session.AgentType); err != nil {
			return err
		}
		if err := tx.DeclareParent(ctx, conv, session.ParentID); err != nil {
			return err
		}
		if err := tx.SetFileIdentity(ctx, conv.ID, r.path, r.obs.FullHash); err != nil {
			return err
		}

		next, err := rawlog.Advance(r.obs, current, conv.ID, r.parsed.Offset, r.parsed.Line)
		if err != nil {
			return err
		}
		if err := tx.SaveRawLogState(ctx, next); err != nil {
			return err
		}

		if r.o.beforeCommit != nil {
			if err := r.o.beforeCommit(ctx, conv.ID); err != nil {
				return err
			}
		}
		r.stats = stats
		r.conv = conv
		r.job.ConversationID = conv.ID
		return nil
	})
}

func sameState(a, b *storage.RawLogState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ConversationID == b.ConversationID &&
		a.LastOffset == b.LastOffset &&
		a.LastLine == b.LastLine &&
		a.PrefixHash == b.PrefixHash &&
		a.FullHash == b.FullHash
}

// postProcess runs best-effort work after commit. Failures become warnings.
func (r *run) postProcess(ctx context.Context) {
	defer r.timed("post_process", time.Now())

	report, err := r.o.store.LinkPendingParents(ctx, r.o.orphanTTL)
	if err != nil {
		r.warn("parent link sweep: %v", err)
	} else if len(report.Linked) > 0 || len(report.Expired) > 0 {
		r.o.logger.Debug("parent link sweep", "linked", len(report.Linked), "expired", len(report.Expired), "pending", report.Pending)
	}

	if r.o.handoff != nil && r.stats.MessagesAdded > 0 {
		if err := r.o.handoff.Enqueue(ctx, r.conv.ID); err != nil {
			r.warn("tagging hand-off: %v", err)
		}
	}

	if r.o.publisher != nil {
		r.o.publisher.Publish(notify.Update{
			ConversationID:    r.conv.ID,
			SessionKey:        r.conv.SessionKey,
			Source:            r.source,
			JobID:             r.job.ID,
			ChangeType:        string(r.change),
			MessagesAdded:     r.stats.MessagesAdded,
			MessageCount:      r.conv.MessageCount,
			LastEventSequence: r.conv.LastEventSequence,
			Status:            r.conv.Status,
		})
	}
}

// finalize writes the job's terminal state. It runs on every exit path.
func (r *run) finalize(ctx context.Context, err error) {
	job := r.job
	job.Status = r.status
	if err != nil {
		job.Status = storage.JobFailed
		job.Error = err.Error()
	}
	job.ChangeType = string(r.change)
	job.MessagesAdded = r.stats.MessagesAdded
	job.Warnings = r.warnings

	stageMS := make(map[string]int64, len(r.stages))
	for k, v := range r.stages {
		stageMS[k] = v.Milliseconds()
	}
	metrics := map[string]any{
		"attempts":   r.attempts,
		"confidence": r.confidence,
		"file_size":  r.obs.Size,
		"stage_ms":   stageMS,
	}
	if r.parsed != nil {
		metrics["parser"] = r.parsed.Metrics
		metrics["offset"] = r.parsed.Offset
		metrics["line"] = r.parsed.Line
		metrics["start_offset"] = r.start
	}
	if job.Status == storage.JobSuccess {
		metrics["epochs_opened"] = r.stats.EpochsOpened
		metrics["file_touches"] = r.stats.FileTouches
		metrics["tool_results"] = r.stats.ToolResults
		metrics["unmatched_tool_results"] = len(r.stats.UnmatchedResults)
	}
	job.Metrics = metrics

	r.o.recorder.Finish(ctx, job)

	if err != nil {
		r.o.logger.Warn("ingestion failed", "job_id", job.ID, "path", r.path, "error", err)
		return
	}
	r.o.logger.Info("ingestion finished",
		"job_id", job.ID,
		"path", r.path,
		"status", job.Status,
		"conversation_id", job.ConversationID,
		"change", job.ChangeType,
		"messages_added", job.MessagesAdded,
	)
}

func (r *run) result() *Result {
	res := &Result{
		JobID:          r.job.ID,
		Status:         r.job.Status,
		ConversationID: r.job.ConversationID,
		SessionKey:     r.job.SessionKey,
		ChangeType:     r.change,
		MessagesAdded:  r.stats.MessagesAdded,
		Warnings:       r.job.Warnings,
	}
	if r.conv != nil {
		res.MessageCount = r.conv.MessageCount
	}
	if r.parsed != nil {
		res.Offset = r.parsed.Offset
	}
	return res
}
