package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertAlert(ctx context.Context, db execer, snapshotID string, a pulse.Alert) error {
	details, err := pulse.EncodeDetails(a.Details)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `
INSERT INTO alerts (id, business_id, competitor_id, snapshot_id, alert_type, message, details, dedupe_key, is_read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
ON CONFLICT (snapshot_id, alert_type, dedupe_key) DO NOTHING`,
		a.ID, a.BusinessID, a.CompetitorID, nullable(snapshotID), string(a.Type), a.Message, details,
		a.DedupeKey, a.CreatedAt); err != nil {
		return fmt.Errorf("insert %s alert: %w", a.Type, err)
	}
	return nil
}

const alertColumns = `id, business_id, competitor_id, snapshot_id, alert_type, message, details, is_read, created_at`

func collectAlerts(rows pgx.Rows) ([]pulse.Alert, error) {
	defer rows.Close()
	var out []pulse.Alert
	for rows.Next() {
		var (
			a          pulse.Alert
			snapshotID *string
			alertType  string
			raw        []byte
		)
		if err := rows.Scan(&a.ID, &a.BusinessID, &a.CompetitorID, &snapshotID, &alertType,
			&a.Message, &raw, &a.IsRead, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.SnapshotID = deref(snapshotID)
		a.Type = pulse.AlertType(alertType)
		details, err := pulse.DecodeDetails(a.Type, raw)
		if err != nil {
			return nil, err
		}
		a.Details = details
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}
	return out, nil
}

// RecentAlerts returns the newest alerts first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]pulse.Alert, error) {
	rows, err := s.db.Query(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// AlertsSince returns alerts created at or after since, oldest first.
func (s *Store) AlertsSince(ctx context.Context, since time.Time) ([]pulse.Alert, error) {
	rows, err := s.db.Query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE created_at >= $1 ORDER BY created_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("alerts since %s: %w", since.Format(time.RFC3339), err)
	}
	return collectAlerts(rows)
}

// ListRecipients returns the users attached to a business.
func (s *Store) ListRecipients(ctx context.Context, businessID string) ([]pulse.Recipient, error) {
	rows, err := s.db.Query(ctx, `SELECT id, email FROM users WHERE business_id = $1 ORDER BY email`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list recipients of %s: %w", businessID, err)
	}
	defer rows.Close()

	var out []pulse.Recipient
	for rows.Next() {
		var r pulse.Recipient
		if err := rows.Scan(&r.UserID, &r.Email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recipients of %s: %w", businessID, err)
	}
	return out, nil
}
