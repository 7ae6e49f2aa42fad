package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

func insertEmail(ctx context.Context, db execer, e pulse.EmailQueueEntry) error {
	if e.ID == "" {
		return fmt.Errorf("email id is required")
	}
	data := e.TemplateData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode template data: %w", err)
	}
	if _, err := db.Exec(ctx, `
INSERT INTO email_queue (id, user_id, to_email, template_name, template_data, alert_type,
	scheduled_for, status, attempts, max_attempts, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9)`,
		e.ID, e.UserID, e.ToEmail, e.TemplateName, raw, nullable(string(e.AlertType)),
		e.ScheduledFor, e.MaxAttempts, e.CreatedAt); err != nil {
		return fmt.Errorf("insert email %s: %w", e.TemplateName, err)
	}
	return nil
}

// EnqueueEmail inserts a pending email.
func (s *Store) EnqueueEmail(ctx context.Context, entry pulse.EmailQueueEntry) error {
	return insertEmail(ctx, s.db, entry)
}

const claimEmailSQL = `
WITH due AS (
	SELECT id, scheduled_for
	FROM email_queue
	WHERE status = 'pending' AND scheduled_for <= $1
	ORDER BY scheduled_for, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE email_queue q
SET scheduled_for = $3, claim_token = $4
FROM due
WHERE q.id = due.id
RETURNING q.id, q.user_id, q.to_email, q.template_name, q.template_data, COALESCE(q.alert_type, ''),
	due.scheduled_for, q.status, q.attempts, q.max_attempts, COALESCE(q.last_error, ''), q.created_at`

// ClaimEmails leases up to limit due pending emails.
func (s *Store) ClaimEmails(
	ctx context.Context,
	now time.Time,
	limit int,
	lease time.Duration,
	token string,
) ([]pulse.EmailQueueEntry, error) {
	rows, err := s.db.Query(ctx, claimEmailSQL, now, limit, now.Add(lease), token)
	if err != nil {
		return nil, fmt.Errorf("claim emails: %w", err)
	}
	defer rows.Close()

	entries := make([]pulse.EmailQueueEntry, 0, limit)
	for rows.Next() {
		var (
			e         pulse.EmailQueueEntry
			raw       []byte
			alertType string
			status    string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ToEmail, &e.TemplateName, &raw, &alertType,
			&e.ScheduledFor, &status, &e.Attempts, &e.MaxAttempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.TemplateData); err != nil {
				return nil, fmt.Errorf("decode template data of %s: %w", e.ID, err)
			}
		}
		e.AlertType = pulse.AlertType(alertType)
		e.Status = pulse.EmailStatus(status)
		e.ClaimToken = token
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim emails: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// MarkEmailSent records delivery.
func (s *Store) MarkEmailSent(ctx context.Context, entry pulse.EmailQueueEntry, at time.Time) error {
	return s.execHeld(ctx, "mark email sent", `
UPDATE email_queue
SET status = 'sent', sent_at = $1, last_error = NULL, claim_token = NULL
WHERE id = $2 AND claim_token = $3`, at, entry.ID, entry.ClaimToken)
}

// MarkEmailSkipped closes an email the recipient opted out of.
func (s *Store) MarkEmailSkipped(ctx context.Context, entry pulse.EmailQueueEntry, reason string) error {
	return s.execHeld(ctx, "mark email skipped", `
UPDATE email_queue
SET status = 'skipped', last_error = $1, claim_token = NULL
WHERE id = $2 AND claim_token = $3`, reason, entry.ID, entry.ClaimToken)
}

// DeferEmail reschedules an email without counting an attempt.
func (s *Store) DeferEmail(ctx context.Context, entry pulse.EmailQueueEntry, until time.Time, reason string) error {
	return s.execHeld(ctx, "defer email", `
UPDATE email_queue
SET scheduled_for = $1, last_error = $2, claim_token = NULL
WHERE id = $3 AND claim_token = $4`, until, reason, entry.ID, entry.ClaimToken)
}

// RetryEmail counts a failed send and reschedules.
func (s *Store) RetryEmail(ctx context.Context, entry pulse.EmailQueueEntry, next time.Time, lastErr string) error {
	return s.execHeld(ctx, "retry email", `
UPDATE email_queue
SET attempts = attempts + 1, scheduled_for = $1, last_error = $2, claim_token = NULL
WHERE id = $3 AND claim_token = $4`, next, lastErr, entry.ID, entry.ClaimToken)
}

// FailEmail counts the final failed send.
func (s *Store) FailEmail(ctx context.Context, entry pulse.EmailQueueEntry, lastErr string) error {
	return s.execHeld(ctx, "fail email", `
UPDATE email_queue
SET attempts = attempts + 1, status = 'failed', last_error = $1, claim_token = NULL
WHERE id = $2 AND claim_token = $3`, lastErr, entry.ID, entry.ClaimToken)
}

// ReleaseEmails makes held emails due at the given time again.
func (s *Store) ReleaseEmails(ctx context.Context, entries []pulse.EmailQueueEntry, at time.Time) error {
	for token, ids := range groupByToken(len(entries), func(i int) (string, string) {
		return entries[i].ClaimToken, entries[i].ID
	}) {
		if _, err := s.db.Exec(ctx, `
UPDATE email_queue
SET scheduled_for = $1, claim_token = NULL
WHERE claim_token = $2 AND id = ANY($3)`, at, token, ids); err != nil {
			return fmt.Errorf("release emails: %w", err)
		}
	}
	return nil
}

// EmailQueueStats counts emails per status.
func (s *Store) EmailQueueStats(ctx context.Context) (pulse.EmailStats, error) {
	var stats pulse.EmailStats
	err := s.db.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'sent'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'skipped'),
	COUNT(*)
FROM email_queue`).Scan(&stats.Pending, &stats.Sent, &stats.Failed, &stats.Skipped, &stats.TotalQueued)
	if err != nil {
		return pulse.EmailStats{}, fmt.Errorf("email queue stats: %w", err)
	}
	return stats, nil
}

// GetPreferences reads a user's notification preferences.
func (s *Store) GetPreferences(ctx context.Context, userID string) (pulse.NotificationPreferences, error) {
	var (
		p         pulse.NotificationPreferences
		frequency string
		types     []string
	)
	err := s.db.QueryRow(ctx, `
SELECT user_id, email_enabled, email_frequency, alert_types,
	COALESCE(quiet_hours_start, ''), COALESCE(quiet_hours_end, ''), timezone
FROM notification_preferences
WHERE user_id = $1`, userID).Scan(&p.UserID, &p.EmailEnabled, &frequency, &types,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pulse.NotificationPreferences{}, pulse.ErrNotFound
		}
		return pulse.NotificationPreferences{}, fmt.Errorf("preferences of %s: %w", userID, err)
	}
	p.EmailFrequency = pulse.EmailFrequency(frequency)
	p.AlertTypes = make([]pulse.AlertType, 0, len(types))
	for _, t := range types {
		p.AlertTypes = append(p.AlertTypes, pulse.AlertType(t))
	}
	return p, nil
}
