// Package email delivers queued notification mail according to each user's
// preferences.
package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/retry"
)

// Email outcomes reported per row and as metric labels.
const (
	OutcomeSent     = "sent"
	OutcomeSkipped  = "skipped"
	OutcomeDeferred = "deferred"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

// Store is what the worker needs from persistence.
type Store interface {
	ClaimEmails(ctx context.Context, now time.Time, limit int, lease time.Duration, token string) ([]pulse.EmailQueueEntry, error)
	MarkEmailSent(ctx context.Context, entry pulse.EmailQueueEntry, at time.Time) error
	MarkEmailSkipped(ctx context.Context, entry pulse.EmailQueueEntry, reason string) error
	DeferEmail(ctx context.Context, entry pulse.EmailQueueEntry, until time.Time, reason string) error
	RetryEmail(ctx context.Context, entry pulse.EmailQueueEntry, next time.Time, lastErr string) error
	FailEmail(ctx context.Context, entry pulse.EmailQueueEntry, lastErr string) error
	ReleaseEmails(ctx context.Context, entries []pulse.EmailQueueEntry, at time.Time) error
	EmailQueueStats(ctx context.Context) (pulse.EmailStats, error)
	GetPreferences(ctx context.Context, userID string) (pulse.NotificationPreferences, error)
}

// TemplateRenderer renders a named template.
type TemplateRenderer interface {
	Render(name string, data map[string]any) (Rendered, error)
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Pacer throttles sends.
type Pacer interface {
	WaitKey(ctx context.Context, key string) error
}

// Config controls email batches.
type Config struct {
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
	Backoff     retry.Backoff
	DigestHour  int
}

// Deps are the collaborators of a Worker. Pacer is optional.
type Deps struct {
	Store    Store
	Renderer TemplateRenderer
	Sender   Sender
	Pacer    Pacer
	Clock    pulse.Clock
	IDs      pulse.IDGenerator
}

// Result is the outcome of one claimed email.
type Result struct {
	EmailID  string    `json:"email_id"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
	Until    time.Time `json:"until,omitzero"`
	Reason   string    `json:"reason,omitempty"`
}

// BatchResult summarizes one invocation. Skipped includes deferred rows.
// Retried counts rows rescheduled after a send failure; Failed counts rows
// that reached a terminal failure or could not be updated.
type BatchResult struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Retried   int      `json:"retried"`
	Skipped   int      `json:"skipped"`
	Released  int      `json:"released"`
	Results   []Result `json:"results"`
}

// Worker drains the email queue.
type Worker struct {
	deps   Deps
	cfg    Config
	policy Policy
	logger *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.NewBackoff(time.Minute, time.Hour)
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		policy: Policy{DigestHour: cfg.DigestHour},
		logger: logger.Named("email"),
	}
}

// BatchSize returns the configured default batch size.
func (w *Worker) BatchSize() int {
	return w.cfg.BatchSize
}

// ProcessEmailQueue claims up to batchSize due emails and handles them in
// order. No email is started after ctx is done; the rest are released.
func (w *Worker) ProcessEmailQueue(ctx context.Context, batchSize int) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	start := time.Now()
	defer func() { metrics.ObserveBatch("email", time.Since(start)) }()

	token, err := w.deps.IDs.NewID()
	if err != nil {
		return BatchResult{}, fmt.Errorf("generate claim token: %w", err)
	}
	entries, err := w.deps.Store.ClaimEmails(ctx, w.deps.Clock.Now(), batchSize, w.cfg.Lease, token)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim emails: %w", err)
	}

	out := BatchResult{Results: make([]Result, 0, len(entries))}
	for i, entry := range entries {
		if ctx.Err() != nil {
			w.release(ctx, entries[i:], &out)
			break
		}
		r := w.processEntry(ctx, entry)
		out.Processed++
		switch r.Outcome {
		case OutcomeSent:
			out.Sent++
		case OutcomeSkipped, OutcomeDeferred:
			out.Skipped++
		case OutcomeRetried:
			out.Retried++
		default:
			out.Failed++
		}
		out.Results = append(out.Results, r)
		metrics.ObserveEmail(r.Outcome)
	}

	w.logger.Info("email batch complete",
		zap.Int("processed", out.Processed),
		zap.Int("sent", out.Sent),
		zap.Int("failed", out.Failed),
		zap.Int("retried", out.Retried),
		zap.Int("skipped", out.Skipped),
		zap.Int("released", out.Released),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (w *Worker) release(ctx context.Context, rest []pulse.EmailQueueEntry, out *BatchResult) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.deps.Store.ReleaseEmails(releaseCtx, rest, w.deps.Clock.Now()); err != nil {
		w.logger.Error("release unstarted emails failed", zap.Int("count", len(rest)), zap.Error(err))
		return
	}
	out.Released = len(rest)
	w.logger.Warn("email batch deadline reached", zap.Int("unstarted", len(rest)))
}

// processEntry handles one email. Work that has started is finished even if
// the batch deadline passes meanwhile.
func (w *Worker) processEntry(parent context.Context, entry pulse.EmailQueueEntry) Result {
	ctx := context.WithoutCancel(parent)
	res := Result{EmailID: entry.ID, Attempts: entry.Attempts}
	logger := w.logger.With(zap.String("email_id", entry.ID), zap.String("template", entry.TemplateName))
	now := w.deps.Clock.Now()

	prefs, err := w.preferences(ctx, entry)
	if err != nil {
		return w.transient(ctx, logger, entry, res, err)
	}

	decision := w.policy.Decide(prefs, entry, now)
	switch decision.Action {
	case ActionSkip:
		res.Reason = decision.Reason
		if err := w.deps.Store.MarkEmailSkipped(ctx, entry, decision.Reason); err != nil {
			return w.transient(ctx, logger, entry, res, err)
		}
		logger.Info("email skipped", zap.String("reason", decision.Reason))
		res.Outcome = OutcomeSkipped
		return res
	case ActionDefer:
		res.Reason = decision.Reason
		res.Until = decision.Until
		if err := w.deps.Store.DeferEmail(ctx, entry, decision.Until, decision.Reason); err != nil {
			return w.transient(ctx, logger, entry, res, err)
		}
		logger.Info("email deferred", zap.String("reason", decision.Reason), zap.Time("until", decision.Until))
		res.Outcome = OutcomeDeferred
		return res
	}

	rendered, err := w.deps.Renderer.Render(entry.TemplateName, entry.TemplateData)
	if err != nil {
		return w.sendFailed(ctx, logger, entry, res, err)
	}
	if w.deps.Pacer != nil {
		if err := w.deps.Pacer.WaitKey(ctx, "smtp"); err != nil {
			return w.transient(ctx, logger, entry, res, err)
		}
	}
	if err := w.deps.Sender.Send(ctx, Message{To: entry.ToEmail, Subject: rendered.Subject, HTML: rendered.HTML}); err != nil {
		return w.sendFailed(ctx, logger, entry, res, err)
	}

	res.Outcome = OutcomeSent
	if err := w.deps.Store.MarkEmailSent(ctx, entry, w.deps.Clock.Now()); err != nil {
		// The message is out; a lost status write only risks a duplicate after the lease.
		logger.Error("mark email sent failed", zap.Error(err))
	}
	logger.Info("email sent", zap.String("to", entry.ToEmail))
	return res
}

func (w *Worker) preferences(ctx context.Context, entry pulse.EmailQueueEntry) (pulse.NotificationPreferences, error) {
	if entry.UserID == nil {
		return pulse.DefaultPreferences(""), nil
	}
	prefs, err := w.deps.Store.GetPreferences(ctx, *entry.UserID)
	if errors.Is(err, pulse.ErrNotFound) {
		return pulse.DefaultPreferences(*entry.UserID), nil
	}
	if err != nil {
		return pulse.NotificationPreferences{}, fmt.Errorf("load preferences: %w", err)
	}
	return prefs, nil
}

func (w *Worker) sendFailed(ctx context.Context, logger *zap.Logger, entry pulse.EmailQueueEntry, res Result, cause error) Result {
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}
	res.Attempts = entry.Attempts + 1
	res.Reason = cause.Error()

	if retry.Exhausted(entry.Attempts, maxAttempts) {
		if err := w.deps.Store.FailEmail(ctx, entry, cause.Error()); err != nil {
			logger.Error("mark email failed failed", zap.Error(err))
			res.Outcome = OutcomeError
			return res
		}
		logger.Error("email failed permanently", zap.Int("attempts", res.Attempts), zap.Error(cause))
		res.Outcome = OutcomeFailed
		return res
	}

	next := w.cfg.Backoff.Next(w.deps.Clock.Now(), res.Attempts)
	if err := w.deps.Store.RetryEmail(ctx, entry, next, cause.Error()); err != nil {
		logger.Error("reschedule email failed", zap.Error(err))
		res.Outcome = OutcomeError
		return res
	}
	logger.Warn("email send failed, retrying", zap.Int("attempts", res.Attempts), zap.Time("next_attempt", next), zap.Error(cause))
	res.Outcome = OutcomeRetried
	res.Until = next
	return res
}

func (w *Worker) transient(ctx context.Context, logger *zap.Logger, entry pulse.EmailQueueEntry, res Result, cause error) Result {
	res.Outcome = OutcomeError
	res.Reason = cause.Error()
	if errors.Is(cause, pulse.ErrClaimLost) {
		logger.Warn("claim lost mid-email", zap.Error(cause))
		return res
	}
	if err := w.deps.Store.ReleaseEmails(ctx, []pulse.EmailQueueEntry{entry}, w.deps.Clock.Now()); err != nil {
		logger.Error("release email failed", zap.Error(err))
	}
	logger.Error("email processing failed", zap.Error(cause))
	return res
}

// Stats returns queue counts and refreshes the pending gauge.
func (w *Worker) Stats(ctx context.Context) (pulse.EmailStats, error) {
	stats, err := w.deps.Store.EmailQueueStats(ctx)
	if err != nil {
		return pulse.EmailStats{}, fmt.Errorf("email queue stats: %w", err)
	}
	metrics.SetQueueDepth("email", stats.Pending)
	return stats, nil
}
