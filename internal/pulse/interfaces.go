package pulse

import (
	"context"
	"io"
	"time"
)

// CompetitorStore reads competitors and records crawl completion.
type CompetitorStore interface {
	ListCompetitors(ctx context.Context) ([]Competitor, error)
	GetCompetitor(ctx context.Context, id string) (Competitor, error)
}

// CrawlQueue persists crawl jobs. Claims must be atomic across processes.
// Retry and DeadLetter increment attempts. Every mutation of a claimed job
// returns ErrClaimLost when the row no longer carries job.ClaimToken.
type CrawlQueue interface {
	// EnqueueCrawl inserts a pending job. It returns ErrAlreadyQueued when the
	// competitor already has a pending row.
	EnqueueCrawl(ctx context.Context, job CrawlJob) error
	ClaimCrawlJobs(ctx context.Context, now time.Time, limit int, lease time.Duration, token string) ([]CrawlJob, error)
	RetryCrawlJob(ctx context.Context, job CrawlJob, next time.Time, lastErr string) error
	DeadLetterCrawlJob(ctx context.Context, job CrawlJob, lastErr string) error
	DeleteCrawlJob(ctx context.Context, job CrawlJob) error
	ReleaseCrawlJobs(ctx context.Context, jobs []CrawlJob, at time.Time) error
	CrawlQueueStats(ctx context.Context) (QueueStats, error)
}

// SnapshotStore reads price snapshots and commits crawl results.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, competitorID string) (*PriceSnapshot, error)
	RecentSnapshots(ctx context.Context, limit int) ([]PriceSnapshot, error)
	// CommitCrawl writes the snapshot, alerts and emails, stamps the competitor
	// and removes the job in one unit.
	CommitCrawl(ctx context.Context, commit CrawlCommit) error
}

// AlertStore reads alert history.
type AlertStore interface {
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	AlertsSince(ctx context.Context, since time.Time) ([]Alert, error)
}

// RecipientStore resolves who receives mail for a business.
type RecipientStore interface {
	ListRecipients(ctx context.Context, businessID string) ([]Recipient, error)
}

// EmailQueue persists outbound notifications. RetryEmail and FailEmail
// increment attempts; DeferEmail leaves them untouched.
type EmailQueue interface {
	EnqueueEmail(ctx context.Context, entry EmailQueueEntry) error
	ClaimEmails(ctx context.Context, now time.Time, limit int, lease time.Duration, token string) ([]EmailQueueEntry, error)
	MarkEmailSent(ctx context.Context, entry EmailQueueEntry, at time.Time) error
	MarkEmailSkipped(ctx context.Context, entry EmailQueueEntry, reason string) error
	DeferEmail(ctx context.Context, entry EmailQueueEntry, until time.Time, reason string) error
	RetryEmail(ctx context.Context, entry EmailQueueEntry, next time.Time, lastErr string) error
	FailEmail(ctx context.Context, entry EmailQueueEntry, lastErr string) error
	ReleaseEmails(ctx context.Context, entries []EmailQueueEntry, at time.Time) error
	EmailQueueStats(ctx context.Context) (EmailStats, error)
}

// PreferenceStore reads notification preferences. A missing record returns ErrNotFound.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (NotificationPreferences, error)
}

// Store is the union the application wires against.
type Store interface {
	CompetitorStore
	CrawlQueue
	SnapshotStore
	AlertStore
	RecipientStore
	EmailQueue
	PreferenceStore
	Close()
}

// FetchResult is what the content fetcher hands to the worker.
type FetchResult struct {
	URL          string
	StatusCode   int
	Body         []byte
	ContentType  string
	UsedHeadless bool
	Duration     time.Duration
	Data         ExtractedData
}

// Fetcher retrieves and extracts a competitor page.
type Fetcher interface {
	Fetch(ctx context.Context, competitor Competitor) (FetchResult, error)
}

// BlobStore archives raw page bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes alert events to subscribers (mobile push, webhooks).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs and claim tokens.
type IDGenerator interface {
	NewID() (string, error)
}
