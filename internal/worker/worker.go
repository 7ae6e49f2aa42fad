// Package worker claims due crawl jobs and runs fetch, diff and alert fan-out for each.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/marketpulse/internal/email"
	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/retry"
	"github.com/JakeFAU/marketpulse/internal/storage"
)

// Job outcomes reported per job and as metric labels.
const (
	OutcomeSuccess      = "success"
	OutcomeUnchanged    = "unchanged"
	OutcomeSkipped      = "skipped"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
)

// Store is what the worker needs from persistence.
type Store interface {
	GetCompetitor(ctx context.Context, id string) (pulse.Competitor, error)
	ClaimCrawlJobs(ctx context.Context, now time.Time, limit int, lease time.Duration, token string) ([]pulse.CrawlJob, error)
	RetryCrawlJob(ctx context.Context, job pulse.CrawlJob, next time.Time, lastErr string) error
	DeadLetterCrawlJob(ctx context.Context, job pulse.CrawlJob, lastErr string) error
	DeleteCrawlJob(ctx context.Context, job pulse.CrawlJob) error
	ReleaseCrawlJobs(ctx context.Context, jobs []pulse.CrawlJob, at time.Time) error
	LatestSnapshot(ctx context.Context, competitorID string) (*pulse.PriceSnapshot, error)
	CommitCrawl(ctx context.Context, commit pulse.CrawlCommit) error
	ListRecipients(ctx context.Context, businessID string) ([]pulse.Recipient, error)
}

// Detector turns a snapshot pair into alerts.
type Detector interface {
	Detect(competitor pulse.Competitor, prev *pulse.PriceSnapshot, next pulse.PriceSnapshot) []pulse.Alert
}

// SnapshotHasher computes the normalized hash of extracted data.
type SnapshotHasher interface {
	HashExtracted(data pulse.ExtractedData) (string, error)
}

// Pacer delays outbound fetches per domain.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls batch behavior.
type Config struct {
	BatchSize        int
	Concurrency      int
	MaxAttempts      int
	Lease            time.Duration
	JobTimeout       time.Duration
	Backoff          retry.Backoff
	BlobPrefix       string
	AlertTopic       string
	EmailMaxAttempts int
	DashboardURL     string
}

// Deps are the collaborators of a Worker. Blobs, Publisher and Pacer are optional.
type Deps struct {
	Store     Store
	Fetcher   pulse.Fetcher
	Detector  Detector
	Hasher    SnapshotHasher
	Blobs     pulse.BlobStore
	Publisher pulse.Publisher
	Pacer     Pacer
	Clock     pulse.Clock
	IDs       pulse.IDGenerator
}

// JobResult is the outcome of one claimed job.
type JobResult struct {
	JobID        string `json:"job_id"`
	CompetitorID string `json:"competitor_id"`
	Outcome      string `json:"outcome"`
	Alerts       int    `json:"alerts"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// BatchResult summarizes one invocation. Released counts jobs that were claimed
// but not started before the deadline.
type BatchResult struct {
	Processed  int         `json:"processed"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Released   int         `json:"released"`
	Results    []JobResult `json:"results"`
}

// Worker processes crawl queue batches.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.NewBackoff(time.Minute, time.Hour)
	}
	if cfg.EmailMaxAttempts <= 0 {
		cfg.EmailMaxAttempts = 3
	}
	if deps.Blobs == nil {
		deps.Blobs = storage.Discard{}
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// BatchSize returns the configured default batch size.
func (w *Worker) BatchSize() int {
	return w.cfg.BatchSize
}

// ProcessQueueBatch claims up to batchSize due jobs, oldest first, and processes
// them with bounded concurrency. No job starts after ctx is done; claimed jobs
// that never started are released for the next invocation. Only a failed claim
// returns an error.
func (w *Worker) ProcessQueueBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	start := time.Now()
	defer func() { metrics.ObserveBatch("crawl", time.Since(start)) }()

	token, err := w.deps.IDs.NewID()
	if err != nil {
		return BatchResult{}, fmt.Errorf("generate claim token: %w", err)
	}
	jobs, err := w.deps.Store.ClaimCrawlJobs(ctx, w.deps.Clock.Now(), batchSize, w.cfg.Lease, token)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim crawl jobs: %w", err)
	}
	w.logger.Info("claimed crawl jobs", zap.Int("count", len(jobs)), zap.String("claim_token", token))

	results := make([]JobResult, len(jobs))
	started := make([]bool, len(jobs))

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// The deadline may have fired while this job waited for a slot.
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			results[i] = w.processJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	var (
		out       BatchResult
		unstarted []pulse.CrawlJob
	)
	out.Results = make([]JobResult, 0, len(jobs))
	for i, job := range jobs {
		if !started[i] {
			unstarted = append(unstarted, job)
			continue
		}
		r := results[i]
		out.Processed++
		switch r.Outcome {
		case OutcomeSuccess, OutcomeUnchanged:
			out.Successful++
		case OutcomeSkipped:
			out.Skipped++
		default:
			out.Failed++
		}
		out.Results = append(out.Results, r)
		metrics.ObserveCrawlJob(r.Outcome)
	}

	if len(unstarted) > 0 {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := w.deps.Store.ReleaseCrawlJobs(releaseCtx, unstarted, w.deps.Clock.Now()); err != nil {
			w.logger.Error("release unstarted jobs failed", zap.Int("count", len(unstarted)), zap.Error(err))
		} else {
			out.Released = len(unstarted)
		}
		w.logger.Warn("batch deadline reached", zap.Int("unstarted", len(unstarted)))
	}

	w.logger.Info("crawl batch complete",
		zap.Int("processed", out.Processed),
		zap.Int("successful", out.Successful),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped),
		zap.Int("released", out.Released),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// processJob runs one job to completion. A started job is not cut short by the
// batch deadline, only by the per-job timeout.
func (w *Worker) processJob(parent context.Context, job pulse.CrawlJob) JobResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.JobTimeout)
	defer cancel()
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	res := JobResult{JobID: job.ID, CompetitorID: job.CompetitorID, Attempts: job.Attempts}
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("competitor_id", job.CompetitorID))

	competitor, err := w.deps.Store.GetCompetitor(ctx, job.CompetitorID)
	if errors.Is(err, pulse.ErrNotFound) {
		return w.deadLetter(ctx, logger, job, res, "competitor not found")
	}
	if err != nil {
		return w.transient(ctx, logger, job, res, fmt.Errorf("load competitor: %w", err))
	}
	if !competitor.IsActive {
		if err := w.deps.Store.DeleteCrawlJob(ctx, job); err != nil {
			return w.transient(ctx, logger, job, res, fmt.Errorf("drop inactive job: %w", err))
		}
		logger.Info("competitor inactive, job dropped")
		res.Outcome = OutcomeSkipped
		return res
	}

	if w.deps.Pacer != nil {
		if err := w.deps.Pacer.Wait(ctx, competitor.URL); err != nil {
			return w.transient(ctx, logger, job, res, err)
		}
	}

	fetched, err := w.deps.Fetcher.Fetch(ctx, competitor)
	if err != nil {
		metrics.ObserveFetch(competitor.URL, "error", 0)
		return w.fetchFailed(ctx, logger, job, res, err)
	}
	metrics.ObserveFetch(competitor.URL, fmt.Sprintf("%d", fetched.StatusCode), len(fetched.Body))

	alerts, unchanged, err := w.persist(ctx, logger, job, competitor, fetched)
	if err != nil {
		return w.transient(ctx, logger, job, res, err)
	}
	res.Alerts = alerts
	res.Outcome = OutcomeSuccess
	if unchanged {
		res.Outcome = OutcomeUnchanged
	}
	logger.Info("crawl job complete",
		zap.String("outcome", res.Outcome),
		zap.Int("alerts", alerts),
		zap.Bool("headless", fetched.UsedHeadless),
		zap.Duration("fetch_duration", fetched.Duration),
	)
	return res
}

func (w *Worker) persist(
	ctx context.Context,
	logger *zap.Logger,
	job pulse.CrawlJob,
	competitor pulse.Competitor,
	fetched pulse.FetchResult,
) (int, bool, error) {
	prev, err := w.deps.Store.LatestSnapshot(ctx, competitor.ID)
	if err != nil {
		return 0, false, fmt.Errorf("load previous snapshot: %w", err)
	}
	hash, err := w.deps.Hasher.HashExtracted(fetched.Data)
	if err != nil {
		return 0, false, fmt.Errorf("hash extracted data: %w", err)
	}
	snapID, err := w.deps.IDs.NewID()
	if err != nil {
		return 0, false, fmt.Errorf("generate snapshot id: %w", err)
	}
	crawledAt := w.deps.Clock.Now()

	snap := pulse.PriceSnapshot{
		ID:            snapID,
		CompetitorID:  competitor.ID,
		ExtractedData: fetched.Data,
		SnapshotHash:  hash,
		BlobURI:       w.archive(ctx, logger, competitor, hash, crawledAt, fetched),
		DetectedAt:    crawledAt,
	}
	unchanged := prev != nil && prev.SnapshotHash == hash

	alerts := w.deps.Detector.Detect(competitor, prev, snap)
	for i := range alerts {
		if alerts[i].ID, err = w.deps.IDs.NewID(); err != nil {
			return 0, false, fmt.Errorf("generate alert id: %w", err)
		}
	}
	emails, err := w.alertEmails(ctx, competitor, alerts, crawledAt)
	if err != nil {
		return 0, false, err
	}

	if err := w.deps.Store.CommitCrawl(ctx, pulse.CrawlCommit{
		JobID:        job.ID,
		ClaimToken:   job.ClaimToken,
		CompetitorID: competitor.ID,
		CrawledAt:    crawledAt,
		Snapshot:     snap,
		Alerts:       alerts,
		Emails:       emails,
	}); err != nil {
		return 0, false, fmt.Errorf("commit crawl: %w", err)
	}

	for _, a := range alerts {
		metrics.ObserveAlert(string(a.Type))
		w.publish(ctx, logger, competitor, a)
	}
	return len(alerts), unchanged, nil
}

func (w *Worker) alertEmails(
	ctx context.Context,
	competitor pulse.Competitor,
	alerts []pulse.Alert,
	at time.Time,
) ([]pulse.EmailQueueEntry, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	recipients, err := w.deps.Store.ListRecipients(ctx, competitor.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	emails := make([]pulse.EmailQueueEntry, 0, len(alerts)*len(recipients))
	for _, a := range alerts {
		for _, r := range recipients {
			id, err := w.deps.IDs.NewID()
			if err != nil {
				return nil, fmt.Errorf("generate email id: %w", err)
			}
			emails = append(emails, email.NewAlertEmail(id, r, competitor, a, at, w.cfg.EmailMaxAttempts, w.cfg.DashboardURL))
		}
	}
	return emails, nil
}

func (w *Worker) archive(
	ctx context.Context,
	logger *zap.Logger,
	competitor pulse.Competitor,
	hash string,
	at time.Time,
	fetched pulse.FetchResult,
) string {
	if len(fetched.Body) == 0 {
		return ""
	}
	contentType := fetched.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	key := storage.ObjectKey(w.cfg.BlobPrefix, competitor.ID, hash, at)
	uri, err := w.deps.Blobs.PutObject(ctx, key, contentType, bytes.NewReader(fetched.Body))
	if err != nil {
		logger.Warn("archive page body failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, competitor pulse.Competitor, a pulse.Alert) {
	if w.deps.Publisher == nil || w.cfg.AlertTopic == "" {
		return
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.AlertTopic, pulse.NewAlertEvent(a, competitor.Name)); err != nil {
		logger.Warn("publish alert event failed", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// fetchFailed counts the attempt and either reschedules with backoff or dead-letters.
func (w *Worker) fetchFailed(ctx context.Context, logger *zap.Logger, job pulse.CrawlJob, res JobResult, cause error) JobResult {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	if retry.Exhausted(job.Attempts, maxAttempts) {
		return w.deadLetter(ctx, logger, job, res, cause.Error())
	}

	next := w.cfg.Backoff.Next(w.deps.Clock.Now(), job.Attempts+1)
	res.Attempts = job.Attempts + 1
	res.Error = cause.Error()
	if err := w.deps.Store.RetryCrawlJob(ctx, job, next, cause.Error()); err != nil {
		logger.Error("reschedule crawl job failed", zap.Error(err))
		res.Outcome = OutcomeFailed
		return res
	}
	logger.Warn("fetch failed, job rescheduled",
		zap.Int("attempts", res.Attempts),
		zap.Time("next_attempt", next),
		zap.Error(cause),
	)
	res.Outcome = OutcomeRetried
	return res
}

func (w *Worker) deadLetter(ctx context.Context, logger *zap.Logger, job pulse.CrawlJob, res JobResult, reason string) JobResult {
	res.Attempts = job.Attempts + 1
	res.Error = reason
	if err := w.deps.Store.DeadLetterCrawlJob(ctx, job, reason); err != nil {
		logger.Error("dead-letter crawl job failed", zap.Error(err))
		res.Outcome = OutcomeFailed
		return res
	}
	logger.Error("crawl job dead-lettered", zap.Int("attempts", res.Attempts), zap.String("reason", reason))
	res.Outcome = OutcomeDeadLettered
	return res
}

// transient records a processing failure that leaves the row's attempts untouched.
// The claim is released so the next batch picks the job up again.
func (w *Worker) transient(ctx context.Context, logger *zap.Logger, job pulse.CrawlJob, res JobResult, cause error) JobResult {
	res.Outcome = OutcomeFailed
	res.Error = cause.Error()
	if errors.Is(cause, pulse.ErrClaimLost) {
		logger.Warn("claim lost mid-job", zap.Error(cause))
		return res
	}
	if err := w.deps.Store.ReleaseCrawlJobs(ctx, []pulse.CrawlJob{job}, w.deps.Clock.Now()); err != nil {
		logger.Error("release crawl job failed", zap.Error(err))
	}
	logger.Error("crawl job failed", zap.Error(cause))
	return res
}
