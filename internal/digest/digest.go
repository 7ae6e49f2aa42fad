// Package digest builds the weekly summary email from alert history.
package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/email"
	"github.com/JakeFAU/marketpulse/internal/metrics"
	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Store is what the digest reads and writes.
type Store interface {
	AlertsSince(ctx context.Context, since time.Time) ([]pulse.Alert, error)
	ListRecipients(ctx context.Context, businessID string) ([]pulse.Recipient, error)
	EnqueueEmail(ctx context.Context, entry pulse.EmailQueueEntry) error
}

// Config controls the summary.
type Config struct {
	Window       time.Duration
	RecentLimit  int
	MaxAttempts  int
	DashboardURL string
}

// Result counts what one run produced.
type Result struct {
	Businesses int      `json:"businesses"`
	Alerts     int      `json:"alerts"`
	Enqueued   int      `json:"enqueued"`
	Errors     int      `json:"errors"`
	Failures   []string `json:"failures,omitempty"`
}

// Digest enqueues weekly summaries.
type Digest struct {
	store  Store
	clock  pulse.Clock
	ids    pulse.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs a Digest.
func New(store Store, clock pulse.Clock, ids pulse.IDGenerator, cfg Config, logger *zap.Logger) *Digest {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Digest{store: store, clock: clock, ids: ids, cfg: cfg, logger: logger.Named("digest")}
}

var typeLabels = map[pulse.AlertType]string{
	pulse.AlertPriceChange:  "Price changes",
	pulse.AlertNewPromotion: "New promotions",
	pulse.AlertMenuChange:   "Menu changes",
}

// Run groups the window's alerts per business and enqueues one summary per
// recipient. A failing business is counted and the run continues.
func (d *Digest) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveBatch("digest", time.Since(start)) }()

	now := d.clock.Now()
	since := now.Add(-d.cfg.Window)
	alerts, err := d.store.AlertsSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("load alerts since %s: %w", since.Format(time.RFC3339), err)
	}

	byBusiness := make(map[string][]pulse.Alert)
	for _, a := range alerts {
		byBusiness[a.BusinessID] = append(byBusiness[a.BusinessID], a)
	}
	businesses := make([]string, 0, len(byBusiness))
	for id := range byBusiness {
		businesses = append(businesses, id)
	}
	sort.Strings(businesses)

	res := Result{Businesses: len(businesses), Alerts: len(alerts)}
	for _, businessID := range businesses {
		if ctx.Err() != nil {
			break
		}
		n, err := d.summarize(ctx, businessID, byBusiness[businessID], since, now)
		res.Enqueued += n
		if err != nil {
			res.Errors++
			res.Failures = append(res.Failures, businessID)
			d.logger.Error("weekly summary failed", zap.String("business_id", businessID), zap.Error(err))
		}
	}

	d.logger.Info("weekly summary complete",
		zap.Int("businesses", res.Businesses),
		zap.Int("alerts", res.Alerts),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

func (d *Digest) summarize(ctx context.Context, businessID string, alerts []pulse.Alert, since, now time.Time) (int, error) {
	recipients, err := d.store.ListRecipients(ctx, businessID)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}
	if len(recipients) == 0 {
		return 0, nil
	}
	data := Summarize(alerts, since, now, d.cfg.RecentLimit)
	data["dashboard_url"] = d.cfg.DashboardURL

	enqueued := 0
	for _, r := range recipients {
		id, err := d.ids.NewID()
		if err != nil {
			return enqueued, fmt.Errorf("generate email id: %w", err)
		}
		userID := r.UserID
		entry := pulse.EmailQueueEntry{
			ID:           id,
			UserID:       &userID,
			ToEmail:      r.Email,
			TemplateName: email.TemplateWeeklySummary,
			TemplateData: data,
			ScheduledFor: now,
			Status:       pulse.EmailStatusPending,
			MaxAttempts:  d.cfg.MaxAttempts,
			CreatedAt:    now,
		}
		if err := d.store.EnqueueEmail(ctx, entry); err != nil {
			return enqueued, fmt.Errorf("enqueue summary for %s: %w", r.Email, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// Summarize builds the weekly_summary template data for one business.
func Summarize(alerts []pulse.Alert, since, now time.Time, recentLimit int) map[string]any {
	counts := make(map[pulse.AlertType]int)
	for _, a := range alerts {
		counts[a.Type]++
	}
	rows := make([]map[string]any, 0, len(counts))
	for _, t := range pulse.AllAlertTypes() {
		if counts[t] == 0 {
			continue
		}
		rows = append(rows, map[string]any{"type": string(t), "label": typeLabels[t], "count": counts[t]})
	}

	sorted := append([]pulse.Alert(nil), alerts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if recentLimit > 0 && len(sorted) > recentLimit {
		sorted = sorted[:recentLimit]
	}
	recent := make([]string, 0, len(sorted))
	for _, a := range sorted {
		recent = append(recent, a.Message)
	}

	return map[string]any{
		"period_start": since.Format("Jan 2"),
		"period_end":   now.Format("Jan 2"),
		"total":        len(alerts),
		"counts":       rows,
		"recent":       recent,
	}
}
