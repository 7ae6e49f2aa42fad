package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := New(mock)
	require.NoError(t, err)
	return store, mock
}

func TestEnqueueCrawl(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := pulse.CrawlJob{ID: "j1", CompetitorID: "c1", ScheduledFor: now, MaxAttempts: 3, CreatedAt: now}

	mock.ExpectExec("INSERT INTO crawl_queue").
		WithArgs("j1", "c1", now, 0, 3, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_queue").
		WithArgs("j1", "c1", now, 0, 3, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.EnqueueCrawl(context.Background(), job))
	require.ErrorIs(t, store.EnqueueCrawl(context.Background(), job), pulse.ErrAlreadyQueued)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimCrawlJobsSortsAndStampsToken(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	lease := 10 * time.Minute
	columns := []string{"id", "competitor_id", "scheduled_for", "attempts", "max_attempts", "status", "last_error", "created_at"}
	mock.ExpectQuery("WITH due AS").
		WithArgs(now, 5, now.Add(lease), "tok").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("j2", "c2", now.Add(-time.Minute), 0, 3, "pending", "", now).
			AddRow("j1", "c1", now.Add(-time.Hour), 1, 3, "pending", "timeout", now))

	jobs, err := store.ClaimCrawlJobs(context.Background(), now, 5, lease, "tok")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "j1", jobs[0].ID)
	require.Equal(t, "tok", jobs[0].ClaimToken)
	require.Equal(t, now, *jobs[0].ClaimedAt)
	require.Equal(t, pulse.JobStatusPending, jobs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryCrawlJobLostClaim(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := pulse.CrawlJob{ID: "j1", ClaimToken: "tok"}
	next := now.Add(2 * time.Minute)

	mock.ExpectExec("UPDATE crawl_queue").
		WithArgs(next, "boom", "j1", "tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.RetryCrawlJob(context.Background(), job, next, "boom"), pulse.ErrClaimLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterCrawlJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("status = 'failed'").
		WithArgs("gave up", "j1", "tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.DeadLetterCrawlJob(context.Background(), pulse.CrawlJob{ID: "j1", ClaimToken: "tok"}, "gave up"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlQueueStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	oldest := now.Add(-3 * time.Hour)
	mock.ExpectQuery("FROM crawl_queue").
		WillReturnRows(pgxmock.NewRows([]string{"pending", "failed", "avg", "oldest"}).
			AddRow(4, 1, 0.75, &oldest))

	stats, err := store.CrawlQueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats.Pending)
	require.Equal(t, 1, stats.MaxAttemptFailed)
	require.InDelta(t, 0.75, stats.AverageAttempt, 0.0001)
	require.Equal(t, oldest, *stats.OldestJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshot(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"id", "competitor_id", "extracted_data", "snapshot_hash", "blob_uri", "detected_at"}
	mock.ExpectQuery("FROM price_snapshots").
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("s1", "c1", []byte(`{"prices":[{"name":"Burger","price":"12.99"}]}`), "h1", "", now))
	mock.ExpectQuery("FROM price_snapshots").
		WithArgs("c2").
		WillReturnError(pgx.ErrNoRows)

	snap, err := store.LatestSnapshot(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "h1", snap.SnapshotHash)
	require.True(t, snap.ExtractedData.Prices[0].Price.Equal(decimal.RequireFromString("12.99")))

	none, err := store.LatestSnapshot(context.Background(), "c2")
	require.NoError(t, err)
	require.Nil(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitCrawlWritesInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	competitorID := "c1"
	commit := pulse.CrawlCommit{
		JobID:        "j1",
		ClaimToken:   "tok",
		CompetitorID: competitorID,
		CrawledAt:    now,
		Snapshot:     pulse.PriceSnapshot{ID: "s1", CompetitorID: competitorID, SnapshotHash: "h", DetectedAt: now},
		Alerts: []pulse.Alert{{
			ID: "a1", BusinessID: "b1", CompetitorID: &competitorID, Type: pulse.AlertMenuChange,
			Message: "menu", Details: pulse.MenuChangeDetails{Added: []string{"Bowl"}, Removed: []string{}},
			DedupeKey: "menu_change", CreatedAt: now,
		}},
		Emails: []pulse.EmailQueueEntry{{
			ID: "e1", ToEmail: "a@example.com", TemplateName: "alert", AlertType: pulse.AlertMenuChange,
			ScheduledFor: now, MaxAttempts: 3, CreatedAt: now,
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_queue").WithArgs("j1", "tok").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO price_snapshots").
		WithArgs("s1", competitorID, pgxmock.AnyArg(), "h", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("a1", "b1", pgxmock.AnyArg(), pgxmock.AnyArg(), "menu_change", "menu", pgxmock.AnyArg(), "menu_change", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO email_queue").
		WithArgs("e1", pgxmock.AnyArg(), "a@example.com", "alert", pgxmock.AnyArg(), pgxmock.AnyArg(), now, 3, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE competitors").WithArgs(now, competitorID).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CommitCrawl(context.Background(), commit))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitCrawlRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_queue").WithArgs("j1", "tok").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO price_snapshots").
		WithArgs("s1", "c1", pgxmock.AnyArg(), "", pgxmock.AnyArg(), now).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.CommitCrawl(context.Background(), pulse.CrawlCommit{
		JobID: "j1", ClaimToken: "tok", CompetitorID: "c1",
		Snapshot: pulse.PriceSnapshot{ID: "s1", CompetitorID: "c1", DetectedAt: now},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitCrawlLostClaim(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_queue").WithArgs("j1", "stale").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := store.CommitCrawl(context.Background(), pulse.CrawlCommit{JobID: "j1", ClaimToken: "stale"})
	require.ErrorIs(t, err, pulse.ErrClaimLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmailsDecodesTemplateData(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	userID := "u1"
	columns := []string{"id", "user_id", "to_email", "template_name", "template_data", "alert_type",
		"scheduled_for", "status", "attempts", "max_attempts", "last_error", "created_at"}
	mock.ExpectQuery("WITH due AS").
		WithArgs(now, 10, now.Add(time.Minute), "tok").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("e1", &userID, "a@example.com", "alert", []byte(`{"message":"hi"}`), "price_change",
				now, "pending", 0, 3, "", now))

	entries, err := store.ClaimEmails(context.Background(), now, 10, time.Minute, "tok")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hi", entries[0].TemplateData["message"])
	require.Equal(t, pulse.AlertPriceChange, entries[0].AlertType)
	require.Equal(t, "u1", *entries[0].UserID)
	require.Equal(t, "tok", entries[0].ClaimToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailQueueStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM email_queue").
		WillReturnRows(pgxmock.NewRows([]string{"p", "s", "f", "k", "t"}).AddRow(2, 5, 1, 3, 11))

	stats, err := store.EmailQueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, pulse.EmailStats{Pending: 2, Sent: 5, Failed: 1, Skipped: 3, TotalQueued: 11}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPreferences(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"user_id", "email_enabled", "email_frequency", "alert_types", "qs", "qe", "timezone"}
	mock.ExpectQuery("FROM notification_preferences").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", true, "daily", []string{"price_change"}, "22:00", "07:00", "America/Chicago"))
	mock.ExpectQuery("FROM notification_preferences").
		WithArgs("u2").
		WillReturnError(pgx.ErrNoRows)

	prefs, err := store.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, pulse.FrequencyDaily, prefs.EmailFrequency)
	require.Equal(t, []pulse.AlertType{pulse.AlertPriceChange}, prefs.AlertTypes)
	require.Equal(t, "America/Chicago", prefs.Timezone)

	_, err = store.GetPreferences(context.Background(), "u2")
	require.ErrorIs(t, err, pulse.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS competitors").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
