// Package scheduler enqueues crawl jobs for competitors whose crawl interval has elapsed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Store is what the scheduler needs from persistence.
type Store interface {
	pulse.CompetitorStore
	EnqueueCrawl(ctx context.Context, job pulse.CrawlJob) error
	CrawlQueueStats(ctx context.Context) (pulse.QueueStats, error)
}

// Config controls the jobs the scheduler creates.
type Config struct {
	MaxAttempts int
}

// Result reports one enqueue pass.
type Result struct {
	Enqueued int      `json:"enqueued"`
	Skipped  int      `json:"skipped"`
	Errors   int      `json:"errors"`
	Failures []string `json:"failures,omitempty"`
}

// Scheduler scans competitors and fills the crawl queue.
type Scheduler struct {
	store  Store
	clock  pulse.Clock
	ids    pulse.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(store Store, clock pulse.Clock, ids pulse.IDGenerator, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Scheduler{
		store:  store,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
	}
}

// EnqueueJobs inserts a job scheduled for now for every active, due competitor.
// Inactive competitors and competitors that already have a pending job are
// skipped. Safe to run concurrently: a lost insert race is a skip.
func (s *Scheduler) EnqueueJobs(ctx context.Context) (Result, error) {
	competitors, err := s.store.ListCompetitors(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list competitors: %w", err)
	}

	now := s.clock.Now()
	var res Result
	for _, c := range competitors {
		if !c.IsActive {
			res.Skipped++
			metrics.ObserveScheduler("inactive")
			continue
		}
		if !c.IsDue(now) {
			continue
		}

		id, err := s.ids.NewID()
		if err != nil {
			return res, fmt.Errorf("generate job id: %w", err)
		}
		err = s.store.EnqueueCrawl(ctx, pulse.CrawlJob{
			ID:           id,
			CompetitorID: c.ID,
			ScheduledFor: now,
			MaxAttempts:  s.cfg.MaxAttempts,
			Status:       pulse.JobStatusPending,
			CreatedAt:    now,
		})
		switch {
		case err == nil:
			res.Enqueued++
			metrics.ObserveScheduler("enqueued")
			s.logger.Debug("crawl job enqueued", zap.String("competitor_id", c.ID), zap.String("job_id", id))
		case errors.Is(err, pulse.ErrAlreadyQueued):
			res.Skipped++
			metrics.ObserveScheduler("already_queued")
		default:
			res.Errors++
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", c.ID, err))
			metrics.ObserveScheduler("error")
			s.logger.Error("enqueue crawl failed", zap.String("competitor_id", c.ID), zap.Error(err))
		}
	}

	s.logger.Info("scheduler pass complete",
		zap.Int("competitors", len(competitors)),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// QueueStats reports crawl queue health.
func (s *Scheduler) QueueStats(ctx context.Context) (pulse.QueueStats, error) {
	stats, err := s.store.CrawlQueueStats(ctx)
	if err != nil {
		return pulse.QueueStats{}, fmt.Errorf("crawl queue stats: %w", err)
	}
	metrics.SetQueueDepth("crawl", stats.Pending)
	return stats, nil
}

// DueCompetitor is an active competitor with the instant it becomes due.
type DueCompetitor struct {
	pulse.Competitor
	NextDueAt time.Time `json:"next_due_at"`
	Overdue   bool      `json:"overdue"`
}

// CompetitorsDue returns up to limit active competitors, most overdue first.
// Never-crawled competitors sort ahead of everything else.
func (s *Scheduler) CompetitorsDue(ctx context.Context, limit int) ([]DueCompetitor, error) {
	competitors, err := s.store.ListCompetitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	now := s.clock.Now()
	out := make([]DueCompetitor, 0, len(competitors))
	for _, c := range competitors {
		if !c.IsActive {
			continue
		}
		out = append(out, DueCompetitor{Competitor: c, NextDueAt: c.NextDueAt(), Overdue: c.IsDue(now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].NextDueAt.Equal(out[j].NextDueAt) {
			return out[i].NextDueAt.Before(out[j].NextDueAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
