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

const competitorColumns = `id, business_id, name, url, crawl_frequency_minutes, last_crawled_at, is_active`

func scanCompetitor(row pgx.Row) (pulse.Competitor, error) {
	var c pulse.Competitor
	err := row.Scan(&c.ID, &c.BusinessID, &c.Name, &c.URL, &c.CrawlFrequencyMinutes, &c.LastCrawledAt, &c.IsActive)
	return c, err
}

// ListCompetitors returns every competitor ordered by ID.
func (s *Store) ListCompetitors(ctx context.Context) ([]pulse.Competitor, error) {
	rows, err := s.db.Query(ctx, `SELECT `+competitorColumns+` FROM competitors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	defer rows.Close()

	var out []pulse.Competitor
	for rows.Next() {
		c, err := scanCompetitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan competitor: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	return out, nil
}

// GetCompetitor fetches one competitor.
func (s *Store) GetCompetitor(ctx context.Context, id string) (pulse.Competitor, error) {
	c, err := scanCompetitor(s.db.QueryRow(ctx, `SELECT `+competitorColumns+` FROM competitors WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pulse.Competitor{}, pulse.ErrNotFound
		}
		return pulse.Competitor{}, fmt.Errorf("get competitor %s: %w", id, err)
	}
	return c, nil
}

// EnqueueCrawl inserts a pending job. The partial unique index on pending rows
// turns a concurrent duplicate into ErrAlreadyQueued.
func (s *Store) EnqueueCrawl(ctx context.Context, job pulse.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO crawl_queue (id, competitor_id, scheduled_for, attempts, max_attempts, status, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6)
ON CONFLICT (competitor_id) WHERE status = 'pending' DO NOTHING`,
		job.ID, job.CompetitorID, job.ScheduledFor, job.Attempts, job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue crawl for %s: %w", job.CompetitorID, err)
	}
	if tag.RowsAffected() == 0 {
		return pulse.ErrAlreadyQueued
	}
	return nil
}

const claimCrawlSQL = `
WITH due AS (
	SELECT id, scheduled_for
	FROM crawl_queue
	WHERE status = 'pending' AND scheduled_for <= $1
	ORDER BY scheduled_for, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE crawl_queue q
SET scheduled_for = $3, claim_token = $4, claimed_at = $1
FROM due
WHERE q.id = due.id
RETURNING q.id, q.competitor_id, due.scheduled_for, q.attempts, q.max_attempts, q.status,
	COALESCE(q.last_error, ''), q.created_at`

// ClaimCrawlJobs leases up to limit due jobs. Rows locked by a concurrent
// claimant are skipped rather than waited on.
func (s *Store) ClaimCrawlJobs(
	ctx context.Context,
	now time.Time,
	limit int,
	lease time.Duration,
	token string,
) ([]pulse.CrawlJob, error) {
	rows, err := s.db.Query(ctx, claimCrawlSQL, now, limit, now.Add(lease), token)
	if err != nil {
		return nil, fmt.Errorf("claim crawl jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]pulse.CrawlJob, 0, limit)
	for rows.Next() {
		var (
			job    pulse.CrawlJob
			status string
		)
		if err := rows.Scan(&job.ID, &job.CompetitorID, &job.ScheduledFor, &job.Attempts,
			&job.MaxAttempts, &status, &job.LastError, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan crawl job: %w", err)
		}
		claimedAt := now
		job.Status = pulse.JobStatus(status)
		job.ClaimToken = token
		job.ClaimedAt = &claimedAt
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim crawl jobs: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE order.
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledFor.Equal(jobs[j].ScheduledFor) {
			return jobs[i].ScheduledFor.Before(jobs[j].ScheduledFor)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (s *Store) execHeld(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return pulse.ErrClaimLost
	}
	return nil
}

// RetryCrawlJob counts the failed attempt and reschedules the job.
func (s *Store) RetryCrawlJob(ctx context.Context, job pulse.CrawlJob, next time.Time, lastErr string) error {
	return s.execHeld(ctx, "retry crawl job", `
UPDATE crawl_queue
SET attempts = attempts + 1, scheduled_for = $1, last_error = $2, claim_token = NULL, claimed_at = NULL
WHERE id = $3 AND claim_token = $4`, next, lastErr, job.ID, job.ClaimToken)
}

// DeadLetterCrawlJob counts the final attempt and keeps the row as failed.
func (s *Store) DeadLetterCrawlJob(ctx context.Context, job pulse.CrawlJob, lastErr string) error {
	return s.execHeld(ctx, "dead-letter crawl job", `
UPDATE crawl_queue
SET attempts = attempts + 1, status = 'failed', last_error = $1, claim_token = NULL, claimed_at = NULL
WHERE id = $2 AND claim_token = $3`, lastErr, job.ID, job.ClaimToken)
}

// DeleteCrawlJob removes a held job.
func (s *Store) DeleteCrawlJob(ctx context.Context, job pulse.CrawlJob) error {
	return s.execHeld(ctx, "delete crawl job",
		`DELETE FROM crawl_queue WHERE id = $1 AND claim_token = $2`, job.ID, job.ClaimToken)
}

// ReleaseCrawlJobs makes held jobs due at the given time again.
func (s *Store) ReleaseCrawlJobs(ctx context.Context, jobs []pulse.CrawlJob, at time.Time) error {
	for token, ids := range groupByToken(len(jobs), func(i int) (string, string) {
		return jobs[i].ClaimToken, jobs[i].ID
	}) {
		if _, err := s.db.Exec(ctx, `
UPDATE crawl_queue
SET scheduled_for = $1, claim_token = NULL, claimed_at = NULL
WHERE claim_token = $2 AND id = ANY($3)`, at, token, ids); err != nil {
			return fmt.Errorf("release crawl jobs: %w", err)
		}
	}
	return nil
}

func groupByToken(n int, at func(int) (token, id string)) map[string][]string {
	out := make(map[string][]string)
	for i := range n {
		token, id := at(i)
		if token == "" {
			continue
		}
		out[token] = append(out[token], id)
	}
	return out
}

// CrawlQueueStats summarizes the crawl queue.
func (s *Store) CrawlQueueStats(ctx context.Context) (pulse.QueueStats, error) {
	var stats pulse.QueueStats
	err := s.db.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE attempts >= max_attempts),
	COALESCE(AVG(attempts), 0)::float8,
	MIN(scheduled_for) FILTER (WHERE status = 'pending')
FROM crawl_queue`).Scan(&stats.Pending, &stats.MaxAttemptFailed, &stats.AverageAttempt, &stats.OldestJob)
	if err != nil {
		return pulse.QueueStats{}, fmt.Errorf("crawl queue stats: %w", err)
	}
	return stats, nil
}

const snapshotColumns = `id, competitor_id, extracted_data, snapshot_hash, COALESCE(blob_uri, ''), detected_at`

func scanSnapshot(row pgx.Row) (pulse.PriceSnapshot, error) {
	var (
		snap pulse.PriceSnapshot
		raw  []byte
	)
	if err := row.Scan(&snap.ID, &snap.CompetitorID, &raw, &snap.SnapshotHash, &snap.BlobURI, &snap.DetectedAt); err != nil {
		return pulse.PriceSnapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.ExtractedData); err != nil {
		return pulse.PriceSnapshot{}, fmt.Errorf("decode extracted data of %s: %w", snap.ID, err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of a competitor, or nil when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, competitorID string) (*pulse.PriceSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(ctx, `
SELECT `+snapshotColumns+`
FROM price_snapshots
WHERE competitor_id = $1
ORDER BY detected_at DESC, id DESC
LIMIT 1`, competitorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot of %s: %w", competitorID, err)
	}
	return &snap, nil
}

// RecentSnapshots returns the newest snapshots first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]pulse.PriceSnapshot, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+snapshotColumns+`
FROM price_snapshots
ORDER BY detected_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	defer rows.Close()

	var out []pulse.PriceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	return out, nil
}

// CommitCrawl writes a crawl's results in one transaction. The job row is
// deleted first so a lost claim aborts before anything else is written.
func (s *Store) CommitCrawl(ctx context.Context, commit pulse.CrawlCommit) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin crawl commit: %w", err)
	}
	if err := writeCrawl(ctx, tx, commit); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit crawl: %w", err)
	}
	return nil
}

func writeCrawl(ctx context.Context, tx pgx.Tx, commit pulse.CrawlCommit) error {
	if commit.JobID != "" {
		tag, err := tx.Exec(ctx, `DELETE FROM crawl_queue WHERE id = $1 AND claim_token = $2`,
			commit.JobID, commit.ClaimToken)
		if err != nil {
			return fmt.Errorf("delete crawl job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pulse.ErrClaimLost
		}
	}

	snap := commit.Snapshot
	data, err := json.Marshal(snap.ExtractedData)
	if err != nil {
		return fmt.Errorf("encode extracted data: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO price_snapshots (id, competitor_id, extracted_data, snapshot_hash, blob_uri, detected_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.CompetitorID, data, snap.SnapshotHash, nullable(snap.BlobURI), snap.DetectedAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for _, a := range commit.Alerts {
		if err := insertAlert(ctx, tx, snap.ID, a); err != nil {
			return err
		}
	}
	for _, e := range commit.Emails {
		if err := insertEmail(ctx, tx, e); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE competitors SET last_crawled_at = $1 WHERE id = $2`,
		commit.CrawledAt, commit.CompetitorID); err != nil {
		return fmt.Errorf("stamp competitor: %w", err)
	}
	return nil
}
