package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketpulse/internal/clock"
	"github.com/JakeFAU/marketpulse/internal/id"
	"github.com/JakeFAU/marketpulse/internal/pulse"
	"github.com/JakeFAU/marketpulse/internal/storage/memory"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	ts := now.Add(-d)
	return &ts
}

func newScheduler(store Store) *Scheduler {
	return New(store, clock.NewManual(now), id.New(), Config{MaxAttempts: 3}, zap.NewNop())
}

func TestEnqueueJobsCreatesOneRowPerNeverCrawledCompetitor(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutCompetitor(pulse.Competitor{ID: "c1", CrawlFrequencyMinutes: 720, IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "c2", CrawlFrequencyMinutes: 60, IsActive: true})

	res, err := newScheduler(store).EnqueueJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Enqueued: 2}, res)

	jobs := store.Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.False(t, j.ScheduledFor.After(now))
		require.Equal(t, 3, j.MaxAttempts)
		require.Equal(t, pulse.JobStatusPending, j.Status)
	}
}

func TestEnqueueJobsIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutCompetitor(pulse.Competitor{ID: "c1", CrawlFrequencyMinutes: 720, IsActive: true})
	s := newScheduler(store)

	first, err := s.EnqueueJobs(context.Background())
	require.NoError(t, err)
	second, err := s.EnqueueJobs(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, first.Enqueued)
	require.Equal(t, Result{Skipped: 1}, second)
	require.Len(t, store.Jobs(), 1)
}

func TestEnqueueJobsConcurrentRunsNeverDuplicate(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	for _, cid := range []string{"a", "b", "c", "d"} {
		store.PutCompetitor(pulse.Competitor{ID: cid, CrawlFrequencyMinutes: 30, IsActive: true})
	}
	s := newScheduler(store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enqueued int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.EnqueueJobs(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			enqueued += res.Enqueued
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, store.Jobs(), 4)
	require.Equal(t, 4, enqueued)
}

func TestEnqueueJobsRespectsDueAndActive(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutCompetitor(pulse.Competitor{ID: "due", CrawlFrequencyMinutes: 720, LastCrawledAt: ago(13 * time.Hour), IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "fresh", CrawlFrequencyMinutes: 720, LastCrawledAt: ago(10 * time.Hour), IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "off", CrawlFrequencyMinutes: 720, IsActive: false})

	res, err := newScheduler(store).EnqueueJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Enqueued: 1, Skipped: 1}, res)

	jobs := store.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, "due", jobs[0].CompetitorID)
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) EnqueueCrawl(ctx context.Context, job pulse.CrawlJob) error {
	if job.CompetitorID == "broken" {
		return errors.New("connection reset")
	}
	return f.Store.EnqueueCrawl(ctx, job)
}

func TestEnqueueJobsCountsErrorsAndContinues(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutCompetitor(pulse.Competitor{ID: "broken", CrawlFrequencyMinutes: 60, IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "ok", CrawlFrequencyMinutes: 60, IsActive: true})

	res, err := newScheduler(failingStore{store}).EnqueueJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)
	require.Equal(t, 1, res.Errors)
	require.Len(t, res.Failures, 1)
	require.Contains(t, res.Failures[0], "broken")
}

func TestCompetitorsDueOrdersByUrgency(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutCompetitor(pulse.Competitor{ID: "soon", CrawlFrequencyMinutes: 60, LastCrawledAt: ago(30 * time.Minute), IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "overdue", CrawlFrequencyMinutes: 60, LastCrawledAt: ago(5 * time.Hour), IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "never", CrawlFrequencyMinutes: 60, IsActive: true})
	store.PutCompetitor(pulse.Competitor{ID: "off", CrawlFrequencyMinutes: 60, IsActive: false})

	due, err := newScheduler(store).CompetitorsDue(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "never", due[0].ID)
	require.Equal(t, "overdue", due[1].ID)
	require.True(t, due[1].Overdue)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutJob(pulse.CrawlJob{ID: "j1", CompetitorID: "c1", ScheduledFor: now.Add(-time.Hour), Status: pulse.JobStatusPending, Attempts: 1, MaxAttempts: 3})
	store.PutJob(pulse.CrawlJob{ID: "j2", CompetitorID: "c2", ScheduledFor: now, Status: pulse.JobStatusFailed, Attempts: 3, MaxAttempts: 3})

	stats, err := newScheduler(store).QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.MaxAttemptFailed)
	require.InDelta(t, 2.0, stats.AverageAttempt, 0.001)
	require.Equal(t, now.Add(-time.Hour), *stats.OldestJob)
}
