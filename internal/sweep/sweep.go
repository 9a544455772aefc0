// Package sweep runs the periodic maintenance passes over conversations:
// resolving deferred parent links and abandoning idle sessions.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/storage"
)

const DefaultSchedule = "@every 1m"

// Store is the subset of storage the sweeps run against.
type Store interface {
	LinkPendingParents(ctx context.Context, orphanTTL time.Duration) (storage.LinkReport, error)
	MarkAbandoned(ctx context.Context, inactiveFor time.Duration) ([]string, error)
}

type Config struct {
	// Schedule is a cron expression; seconds are optional and descriptors
	// such as "@every 1m" are accepted.
	Schedule     string
	OrphanTTL    time.Duration
	AbandonAfter time.Duration
}

type Report struct {
	Linked    []string
	Expired   []string
	Pending   int
	Abandoned []string
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Sweeper struct {
	store     Store
	cfg       Config
	publisher notify.Publisher
	cron      *cron.Cron
	logger    *slog.Logger
}

// New creates a Sweeper. publisher may be nil.
func New(store Store, cfg Config, publisher notify.Publisher) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Sweeper{
		store:     store,
		cfg:       cfg,
		publisher: publisher,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: slog.Default(),
	}
}

// RunOnce runs both sweeps. A failed link sweep does not prevent the
// abandonment sweep; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var firstErr error

	links, err := s.store.LinkPendingParents(ctx, s.cfg.OrphanTTL)
	if err != nil {
		firstErr = fmt.Errorf("linking pending parents: %w", err)
	}
	report.Linked, report.Expired, report.Pending = links.Linked, links.Expired, links.Pending

	abandoned, err := s.store.MarkAbandoned(ctx, s.cfg.AbandonAfter)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("marking abandoned conversations: %w", err)
	}
	report.Abandoned = abandoned

	if s.publisher != nil {
		for _, id := range abandoned {
			s.publisher.Publish(notify.Update{ConversationID: id, ChangeType: "abandoned", Status: storage.StatusAbandoned})
		}
	}
	return report, firstErr
}

// Start schedules RunOnce and returns immediately. Runs that would overlap
// a previous one still in progress are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
		if len(report.Linked)+len(report.Expired)+len(report.Abandoned) > 0 {
			s.logger.Info("sweep finished",
				"linked", len(report.Linked),
				"expired", len(report.Expired),
				"pending", report.Pending,
				"abandoned", len(report.Abandoned),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeps scheduled", "schedule", s.cfg.Schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
