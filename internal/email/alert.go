package email

import (
	"fmt"
	"time"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Template names known to the renderer.
const (
	TemplateAlert         = "alert"
	TemplateWeeklySummary = "weekly_summary"
	TemplatePasswordReset = "password_reset"
	TemplateWelcome       = "welcome"
)

// NewAlertEmail builds the queue row that notifies one recipient of one alert.
func NewAlertEmail(
	id string,
	r pulse.Recipient,
	competitor pulse.Competitor,
	a pulse.Alert,
	at time.Time,
	maxAttempts int,
	dashboardURL string,
) pulse.EmailQueueEntry {
	userID := r.UserID
	return pulse.EmailQueueEntry{
		ID:           id,
		UserID:       &userID,
		ToEmail:      r.Email,
		TemplateName: TemplateAlert,
		TemplateData: map[string]any{
			"alert_id":       a.ID,
			"alert_type":     string(a.Type),
			"competitor":     competitor.Name,
			"competitor_url": competitor.URL,
			"message":        a.Message,
			"lines":          DetailLines(a.Details),
			"dashboard_url":  dashboardURL,
		},
		AlertType:    a.Type,
		ScheduledFor: at,
		Status:       pulse.EmailStatusPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    at,
	}
}

// DetailLines flattens alert details into human readable bullet lines.
func DetailLines(d pulse.AlertDetails) []string {
	switch v := d.(type) {
	case pulse.PriceChangeDetails:
		lines := make([]string, 0, len(v.Updated))
		for _, u := range v.Updated {
			dir := "up"
			if u.Reduced {
				dir = "down"
			}
			lines = append(lines, fmt.Sprintf("%s: %s -> %s (%s)",
				u.Item, pulse.FormatPrice(u.OldPrice, u.Currency), pulse.FormatPrice(u.NewPrice, u.Currency), dir))
		}
		return lines
	case pulse.PromotionDetails:
		if v.Promotion.Description == "" {
			return []string{v.Promotion.Title}
		}
		return []string{v.Promotion.Title + ": " + v.Promotion.Description}
	case pulse.MenuChangeDetails:
		lines := make([]string, 0, len(v.Added)+len(v.Removed))
		for _, name := range v.Added {
			lines = append(lines, "Added: "+name)
		}
		for _, name := range v.Removed {
			lines = append(lines, "Removed: "+name)
		}
		return lines
	default:
		return []string{}
	}
}
