// Package pulse defines the core types shared by the scheduler, the workers and the stores.
package pulse

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyQueued = errors.New("competitor already has a pending crawl job")
	ErrClaimLost     = errors.New("claim no longer held")
)

// Competitor is a monitored page owned by a business.
type Competitor struct {
	ID                    string     `json:"id"`
	BusinessID            string     `json:"business_id"`
	Name                  string     `json:"name"`
	URL                   string     `json:"url"`
	CrawlFrequencyMinutes int        `json:"crawl_frequency_minutes"`
	LastCrawledAt         *time.Time `json:"last_crawled_at,omitempty"`
	IsActive              bool       `json:"is_active"`
}

// NextDueAt returns the instant the competitor becomes due. A competitor that was
// never crawled is due from the zero time.
func (c Competitor) NextDueAt() time.Time {
	if c.LastCrawledAt == nil {
		return time.Time{}
	}
	return c.LastCrawledAt.Add(time.Duration(c.CrawlFrequencyMinutes) * time.Minute)
}

// IsDue reports whether now is at or past the competitor's next crawl.
func (c Competitor) IsDue(now time.Time) bool {
	return !now.Before(c.NextDueAt())
}

// JobStatus is the persisted state of a crawl queue row.
type JobStatus string

// Crawl job states. Successful jobs are deleted rather than marked.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusFailed  JobStatus = "failed"
)

// CrawlJob is one row of the crawl queue.
type CrawlJob struct {
	ID           string     `json:"id"`
	CompetitorID string     `json:"competitor_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Status       JobStatus  `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	ClaimToken   string     `json:"-"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// QueueStats summarizes crawl queue health.
type QueueStats struct {
	Pending          int        `json:"pending"`
	MaxAttemptFailed int        `json:"max_attempt_failed"`
	AverageAttempt   float64    `json:"average_attempt"`
	OldestJob        *time.Time `json:"oldest_job,omitempty"`
}

// PriceItem is a named item with a price on a competitor page.
type PriceItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency,omitempty"`
}

// FormatPrice renders amount with two decimals and the currency symbol for
// USD, EUR and GBP. Other currencies are appended as a code.
func FormatPrice(amount decimal.Decimal, currency string) string {
	s := amount.StringFixed(2)
	switch strings.ToUpper(currency) {
	case "", "USD":
		return "$" + s
	case "EUR":
		return "€" + s
	case "GBP":
		return "£" + s
	default:
		return s + " " + strings.ToUpper(currency)
	}
}

// Promotion is an advertised deal.
type Promotion struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// MenuItem is an entry of a competitor's menu or catalog.
type MenuItem struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// ExtractedData is the structured content pulled from a competitor page.
type ExtractedData struct {
	Prices     []PriceItem `json:"prices"`
	Promotions []Promotion `json:"promotions"`
	MenuItems  []MenuItem  `json:"menu_items"`
}

// Empty reports whether nothing was extracted.
func (d ExtractedData) Empty() bool {
	return len(d.Prices) == 0 && len(d.Promotions) == 0 && len(d.MenuItems) == 0
}

// PriceSnapshot is an immutable capture of a competitor page.
type PriceSnapshot struct {
	ID            string        `json:"id"`
	CompetitorID  string        `json:"competitor_id"`
	ExtractedData ExtractedData `json:"extracted_data"`
	SnapshotHash  string        `json:"snapshot_hash"`
	BlobURI       string        `json:"blob_uri,omitempty"`
	DetectedAt    time.Time     `json:"detected_at"`
}

// EmailStatus is the persisted state of an email queue row.
type EmailStatus string

// Email queue states.
const (
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
	EmailStatusSkipped EmailStatus = "skipped"
)

// EmailQueueEntry is one outbound notification waiting for delivery.
type EmailQueueEntry struct {
	ID           string         `json:"id"`
	UserID       *string        `json:"user_id,omitempty"`
	ToEmail      string         `json:"to_email"`
	TemplateName string         `json:"template_name"`
	TemplateData map[string]any `json:"template_data,omitempty"`
	AlertType    AlertType      `json:"alert_type,omitempty"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Status       EmailStatus    `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	LastError    string         `json:"last_error,omitempty"`
	ClaimToken   string         `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
}

// EmailStats summarizes the email queue.
type EmailStats struct {
	Pending     int `json:"pending"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	TotalQueued int `json:"total_queued"`
}

// EmailFrequency controls how quickly alert mail is released.
type EmailFrequency string

// Supported delivery frequencies.
const (
	FrequencyInstant EmailFrequency = "instant"
	FrequencyHourly  EmailFrequency = "hourly"
	FrequencyDaily   EmailFrequency = "daily"
	FrequencyWeekly  EmailFrequency = "weekly"
)

// NotificationPreferences is a user's delivery policy.
type NotificationPreferences struct {
	UserID          string         `json:"user_id"`
	EmailEnabled    bool           `json:"email_enabled"`
	EmailFrequency  EmailFrequency `json:"email_frequency"`
	AlertTypes      []AlertType    `json:"alert_types"`
	QuietHoursStart string         `json:"quiet_hours_start,omitempty"` // "22:00"
	QuietHoursEnd   string         `json:"quiet_hours_end,omitempty"`   // "07:00"
	Timezone        string         `json:"timezone,omitempty"`
}

// DefaultPreferences is applied to users without a stored record.
func DefaultPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:         userID,
		EmailEnabled:   true,
		EmailFrequency: FrequencyInstant,
		AlertTypes:     AllAlertTypes(),
		Timezone:       "UTC",
	}
}

// Allows reports whether alerts of type t are enabled.
func (p NotificationPreferences) Allows(t AlertType) bool {
	for _, enabled := range p.AlertTypes {
		if enabled == t {
			return true
		}
	}
	return false
}

// Recipient is a user that receives a business's alert mail.
type Recipient struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// CrawlCommit bundles every write of a successful crawl so stores can apply it atomically.
type CrawlCommit struct {
	JobID        string
	ClaimToken   string
	CompetitorID string
	CrawledAt    time.Time
	Snapshot     PriceSnapshot
	Alerts       []Alert
	Emails       []EmailQueueEntry
}
