package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Store implements pulse.Store in-memory for development and tests.
type Store struct {
	mu          sync.Mutex
	seq         int
	competitors map[string]pulse.Competitor
	jobs        map[string]pulse.CrawlJob
	snapshots   []pulse.PriceSnapshot
	alerts      []pulse.Alert
	alertKeys   map[string]struct{}
	emails      map[string]pulse.EmailQueueEntry
	recipients  map[string][]pulse.Recipient
	prefs       map[string]pulse.NotificationPreferences

	// CommitErr, when set, is returned by CommitCrawl without writing anything.
	CommitErr error
}

var _ pulse.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		competitors: make(map[string]pulse.Competitor),
		jobs:        make(map[string]pulse.CrawlJob),
		alertKeys:   make(map[string]struct{}),
		emails:      make(map[string]pulse.EmailQueueEntry),
		recipients:  make(map[string][]pulse.Recipient),
		prefs:       make(map[string]pulse.NotificationPreferences),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// PutCompetitor inserts or replaces a competitor.
func (s *Store) PutCompetitor(c pulse.Competitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitors[c.ID] = c
}

// AddRecipient registers a member of a business.
func (s *Store) AddRecipient(businessID string, r pulse.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[businessID] = append(s.recipients[businessID], r)
}

// PutPreferences stores a user's notification preferences.
func (s *Store) PutPreferences(p pulse.NotificationPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
}

// PutJob inserts or replaces a crawl job as-is.
func (s *Store) PutJob(job pulse.CrawlJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// Job returns a crawl job by ID.
func (s *Store) Job(id string) (pulse.CrawlJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Jobs returns every crawl job ordered by schedule.
func (s *Store) Jobs() []pulse.CrawlJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pulse.CrawlJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sortJobs(out)
	return out
}

// Snapshots returns every stored snapshot in insertion order.
func (s *Store) Snapshots() []pulse.PriceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pulse.PriceSnapshot(nil), s.snapshots...)
}

// Alerts returns every stored alert in insertion order.
func (s *Store) Alerts() []pulse.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pulse.Alert(nil), s.alerts...)
}

// Email returns an email row by ID.
func (s *Store) Email(id string) (pulse.EmailQueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	return e, ok
}

// Emails returns every email row ordered by schedule.
func (s *Store) Emails() []pulse.EmailQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pulse.EmailQueueEntry, 0, len(s.emails))
	for _, e := range s.emails {
		out = append(out, e)
	}
	sortEmails(out)
	return out
}

// ListCompetitors returns every competitor ordered by ID.
func (s *Store) ListCompetitors(_ context.Context) ([]pulse.Competitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pulse.Competitor, 0, len(s.competitors))
	for _, c := range s.competitors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCompetitor fetches a competitor by ID.
func (s *Store) GetCompetitor(_ context.Context, id string) (pulse.Competitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.competitors[id]
	if !ok {
		return pulse.Competitor{}, pulse.ErrNotFound
	}
	return c, nil
}

// EnqueueCrawl inserts a pending job unless the competitor already has one.
func (s *Store) EnqueueCrawl(_ context.Context, job pulse.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.CompetitorID == job.CompetitorID && existing.Status == pulse.JobStatusPending {
			return pulse.ErrAlreadyQueued
		}
	}
	if job.ID == "" {
		job.ID = s.nextID("job")
	}
	if job.Status == "" {
		job.Status = pulse.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// ClaimCrawlJobs leases up to limit due jobs, oldest first.
func (s *Store) ClaimCrawlJobs(
	_ context.Context,
	now time.Time,
	limit int,
	lease time.Duration,
	token string,
) ([]pulse.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]pulse.CrawlJob, 0)
	for _, j := range s.jobs {
		if j.Status == pulse.JobStatusPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimedAt := now
	for i, j := range due {
		stored := j
		stored.ClaimToken = token
		stored.ClaimedAt = &claimedAt
		stored.ScheduledFor = now.Add(lease)
		s.jobs[j.ID] = stored

		due[i].ClaimToken = token
		due[i].ClaimedAt = &claimedAt
	}
	return due, nil
}

func (s *Store) heldJob(job pulse.CrawlJob) (pulse.CrawlJob, error) {
	stored, ok := s.jobs[job.ID]
	if !ok || stored.ClaimToken != job.ClaimToken {
		return pulse.CrawlJob{}, pulse.ErrClaimLost
	}
	return stored, nil
}

// RetryCrawlJob records a failed attempt and reschedules the job.
func (s *Store) RetryCrawlJob(_ context.Context, job pulse.CrawlJob, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldJob(job)
	if err != nil {
		return err
	}
	stored.Attempts++
	stored.ScheduledFor = next
	stored.LastError = lastErr
	stored.ClaimToken = ""
	stored.ClaimedAt = nil
	s.jobs[job.ID] = stored
	return nil
}

// DeadLetterCrawlJob records the final attempt and keeps the row as failed.
func (s *Store) DeadLetterCrawlJob(_ context.Context, job pulse.CrawlJob, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldJob(job)
	if err != nil {
		return err
	}
	stored.Attempts++
	stored.Status = pulse.JobStatusFailed
	stored.LastError = lastErr
	stored.ClaimToken = ""
	stored.ClaimedAt = nil
	s.jobs[job.ID] = stored
	return nil
}

// DeleteCrawlJob removes a held job.
func (s *Store) DeleteCrawlJob(_ context.Context, job pulse.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.heldJob(job); err != nil {
		return err
	}
	delete(s.jobs, job.ID)
	return nil
}

// ReleaseCrawlJobs returns held jobs to the queue as due at the given time.
func (s *Store) ReleaseCrawlJobs(_ context.Context, jobs []pulse.CrawlJob, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		stored, err := s.heldJob(job)
		if err != nil {
			continue
		}
		stored.ScheduledFor = at
		stored.ClaimToken = ""
		stored.ClaimedAt = nil
		s.jobs[job.ID] = stored
	}
	return nil
}

// CrawlQueueStats summarizes the crawl queue.
func (s *Store) CrawlQueueStats(_ context.Context) (pulse.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		stats    pulse.QueueStats
		attempts int
	)
	for _, j := range s.jobs {
		attempts += j.Attempts
		if j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts {
			stats.MaxAttemptFailed++
		}
		if j.Status != pulse.JobStatusPending {
			continue
		}
		stats.Pending++
		if stats.OldestJob == nil || j.ScheduledFor.Before(*stats.OldestJob) {
			ts := j.ScheduledFor
			stats.OldestJob = &ts
		}
	}
	if len(s.jobs) > 0 {
		stats.AverageAttempt = float64(attempts) / float64(len(s.jobs))
	}
	return stats, nil
}

// LatestSnapshot returns the newest snapshot of a competitor, or nil.
func (s *Store) LatestSnapshot(_ context.Context, competitorID string) (*pulse.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *pulse.PriceSnapshot
	for i := range s.snapshots {
		snap := s.snapshots[i]
		if snap.CompetitorID != competitorID {
			continue
		}
		if latest == nil || !snap.DetectedAt.Before(latest.DetectedAt) {
			cp := snap
			latest = &cp
		}
	}
	return latest, nil
}

// RecentSnapshots returns the newest snapshots first.
func (s *Store) RecentSnapshots(_ context.Context, limit int) ([]pulse.PriceSnapshot, error) {
	s.mu.Lock()
	out := append([]pulse.PriceSnapshot(nil), s.snapshots...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitCrawl applies every write of a successful crawl under one lock.
func (s *Store) CommitCrawl(_ context.Context, commit pulse.CrawlCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return s.CommitErr
	}
	if commit.JobID != "" {
		if _, err := s.heldJob(pulse.CrawlJob{ID: commit.JobID, ClaimToken: commit.ClaimToken}); err != nil {
			return err
		}
	}

	snap := commit.Snapshot
	if snap.ID == "" {
		snap.ID = s.nextID("snap")
	}
	s.snapshots = append(s.snapshots, snap)

	for _, a := range commit.Alerts {
		key := snap.ID + "|" + string(a.Type) + "|" + a.DedupeKey
		if _, dup := s.alertKeys[key]; dup {
			continue
		}
		s.alertKeys[key] = struct{}{}
		if a.ID == "" {
			a.ID = s.nextID("alert")
		}
		a.SnapshotID = snap.ID
		s.alerts = append(s.alerts, a)
	}
	for _, e := range commit.Emails {
		s.insertEmail(e)
	}

	if c, ok := s.competitors[commit.CompetitorID]; ok {
		crawled := commit.CrawledAt
		c.LastCrawledAt = &crawled
		s.competitors[c.ID] = c
	}
	if commit.JobID != "" {
		delete(s.jobs, commit.JobID)
	}
	return nil
}

// RecentAlerts returns the newest alerts first.
func (s *Store) RecentAlerts(_ context.Context, limit int) ([]pulse.Alert, error) {
	s.mu.Lock()
	out := append([]pulse.Alert(nil), s.alerts...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AlertsSince returns alerts created at or after since, oldest first.
func (s *Store) AlertsSince(_ context.Context, since time.Time) ([]pulse.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pulse.Alert, 0)
	for _, a := range s.alerts {
		if !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListRecipients returns the members of a business.
func (s *Store) ListRecipients(_ context.Context, businessID string) ([]pulse.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pulse.Recipient(nil), s.recipients[businessID]...), nil
}

// GetPreferences returns stored preferences or ErrNotFound.
func (s *Store) GetPreferences(_ context.Context, userID string) (pulse.NotificationPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return pulse.NotificationPreferences{}, pulse.ErrNotFound
	}
	return p, nil
}

// EnqueueEmail inserts a pending email.
func (s *Store) EnqueueEmail(_ context.Context, entry pulse.EmailQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertEmail(entry)
	return nil
}

func (s *Store) insertEmail(e pulse.EmailQueueEntry) {
	if e.ID == "" {
		e.ID = s.nextID("email")
	}
	if e.Status == "" {
		e.Status = pulse.EmailStatusPending
	}
	s.emails[e.ID] = e
}

// ClaimEmails leases up to limit due pending emails, oldest first.
func (s *Store) ClaimEmails(
	_ context.Context,
	now time.Time,
	limit int,
	lease time.Duration,
	token string,
) ([]pulse.EmailQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]pulse.EmailQueueEntry, 0)
	for _, e := range s.emails {
		if e.Status == pulse.EmailStatusPending && !e.ScheduledFor.After(now) {
			due = append(due, e)
		}
	}
	sortEmails(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i, e := range due {
		stored := e
		stored.ClaimToken = token
		stored.ScheduledFor = now.Add(lease)
		s.emails[e.ID] = stored
		due[i].ClaimToken = token
	}
	return due, nil
}

func (s *Store) heldEmail(entry pulse.EmailQueueEntry) (pulse.EmailQueueEntry, error) {
	stored, ok := s.emails[entry.ID]
	if !ok || stored.ClaimToken != entry.ClaimToken {
		return pulse.EmailQueueEntry{}, pulse.ErrClaimLost
	}
	stored.ClaimToken = ""
	return stored, nil
}

// MarkEmailSent records delivery.
func (s *Store) MarkEmailSent(_ context.Context, entry pulse.EmailQueueEntry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldEmail(entry)
	if err != nil {
		return err
	}
	stored.Status = pulse.EmailStatusSent
	stored.SentAt = &at
	stored.LastError = ""
	s.emails[entry.ID] = stored
	return nil
}

// MarkEmailSkipped closes an email the recipient opted out of.
func (s *Store) MarkEmailSkipped(_ context.Context, entry pulse.EmailQueueEntry, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldEmail(entry)
	if err != nil {
		return err
	}
	stored.Status = pulse.EmailStatusSkipped
	stored.LastError = reason
	s.emails[entry.ID] = stored
	return nil
}

// DeferEmail pushes an email to a later time without counting an attempt.
func (s *Store) DeferEmail(_ context.Context, entry pulse.EmailQueueEntry, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldEmail(entry)
	if err != nil {
		return err
	}
	stored.ScheduledFor = until
	stored.LastError = reason
	s.emails[entry.ID] = stored
	return nil
}

// RetryEmail records a failed send and reschedules.
func (s *Store) RetryEmail(_ context.Context, entry pulse.EmailQueueEntry, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldEmail(entry)
	if err != nil {
		return err
	}
	stored.Attempts++
	stored.ScheduledFor = next
	stored.LastError = lastErr
	s.emails[entry.ID] = stored
	return nil
}

// FailEmail records the final failed send.
func (s *Store) FailEmail(_ context.Context, entry pulse.EmailQueueEntry, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.heldEmail(entry)
	if err != nil {
		return err
	}
	stored.Attempts++
	stored.Status = pulse.EmailStatusFailed
	stored.LastError = lastErr
	s.emails[entry.ID] = stored
	return nil
}

// ReleaseEmails returns held emails to the queue as due at the given time.
func (s *Store) ReleaseEmails(_ context.Context, entries []pulse.EmailQueueEntry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		stored, err := s.heldEmail(e)
		if err != nil {
			continue
		}
		stored.ScheduledFor = at
		s.emails[e.ID] = stored
	}
	return nil
}

// EmailQueueStats counts emails per status.
func (s *Store) EmailQueueStats(_ context.Context) (pulse.EmailStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats pulse.EmailStats
	for _, e := range s.emails {
		switch e.Status {
		case pulse.EmailStatusPending:
			stats.Pending++
		case pulse.EmailStatusSent:
			stats.Sent++
		case pulse.EmailStatusFailed:
			stats.Failed++
		case pulse.EmailStatusSkipped:
			stats.Skipped++
		}
	}
	stats.TotalQueued = len(s.emails)
	return stats, nil
}

func sortJobs(jobs []pulse.CrawlJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledFor.Equal(jobs[j].ScheduledFor) {
			return jobs[i].ScheduledFor.Before(jobs[j].ScheduledFor)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func sortEmails(entries []pulse.EmailQueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ScheduledFor.Equal(entries[j].ScheduledFor) {
			return entries[i].ScheduledFor.Before(entries[j].ScheduledFor)
		}
		return entries[i].ID < entries[j].ID
	})
}
