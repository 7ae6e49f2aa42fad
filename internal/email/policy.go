package email

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/marketpulse/internal/pulse"
)

// Action is what the worker does with a claimed email.
type Action int

// Delivery actions.
const (
	ActionSend Action = iota
	ActionSkip
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionSend:
		return "send"
	case ActionSkip:
		return "skip"
	case ActionDefer:
		return "defer"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of checking an email against the recipient's preferences.
type Decision struct {
	Action Action
	Until  time.Time
	Reason string
}

// Policy applies notification preferences. DigestHour is the local hour at
// which daily and weekly mail is released.
type Policy struct {
	DigestHour int
}

// Decide returns whether entry may be sent at now. Mail without a user and
// account mail (welcome, password reset) is always sent. Every other user
// mail honors email_enabled and quiet hours; alert mail also honors the
// alert type filter and the delivery frequency.
func (p Policy) Decide(prefs pulse.NotificationPreferences, entry pulse.EmailQueueEntry, now time.Time) Decision {
	if entry.UserID == nil || transactional(entry.TemplateName) {
		return Decision{Action: ActionSend}
	}
	if !prefs.EmailEnabled {
		return Decision{Action: ActionSkip, Reason: "email notifications disabled"}
	}
	if entry.AlertType != "" && !prefs.Allows(entry.AlertType) {
		return Decision{Action: ActionSkip, Reason: fmt.Sprintf("%s alerts disabled", entry.AlertType)}
	}

	loc := location(prefs.Timezone)
	local := now.In(loc)

	if entry.AlertType != "" {
		if release := p.releaseAt(prefs.EmailFrequency, entry.CreatedAt.In(loc)); local.Before(release) {
			return Decision{
				Action: ActionDefer,
				Until:  release.UTC(),
				Reason: fmt.Sprintf("held for %s delivery", prefs.EmailFrequency),
			}
		}
	}

	if end, quiet := quietUntil(prefs.QuietHoursStart, prefs.QuietHoursEnd, local); quiet {
		return Decision{Action: ActionDefer, Until: end.UTC(), Reason: "quiet hours"}
	}
	return Decision{Action: ActionSend}
}

func transactional(template string) bool {
	switch template {
	case TemplatePasswordReset, TemplateWelcome:
		return true
	default:
		return false
	}
}

// releaseAt returns the first delivery boundary after created for the given
// frequency. Instant mail returns the zero time.
func (p Policy) releaseAt(freq pulse.EmailFrequency, created time.Time) time.Time {
	y, m, d := created.Date()
	loc := created.Location()
	hour := p.DigestHour
	if hour < 0 || hour > 23 {
		hour = 0
	}

	switch freq {
	case pulse.FrequencyHourly:
		return time.Date(y, m, d, created.Hour()+1, 0, 0, 0, loc)
	case pulse.FrequencyDaily:
		at := time.Date(y, m, d, hour, 0, 0, 0, loc)
		if !at.After(created) {
			at = at.AddDate(0, 0, 1)
		}
		return at
	case pulse.FrequencyWeekly:
		days := (int(time.Monday) - int(created.Weekday()) + 7) % 7
		at := time.Date(y, m, d+days, hour, 0, 0, 0, loc)
		if !at.After(created) {
			at = at.AddDate(0, 0, 7)
		}
		return at
	default:
		return time.Time{}
	}
}

// quietUntil reports whether local falls in [start, end) and, if so, when the
// window closes. Windows may wrap midnight. Unparseable or empty bounds disable
// quiet hours.
func quietUntil(start, end string, local time.Time) (time.Time, bool) {
	startMin, ok := parseClock(start)
	if !ok {
		return time.Time{}, false
	}
	endMin, ok := parseClock(end)
	if !ok || startMin == endMin {
		return time.Time{}, false
	}

	y, m, d := local.Date()
	cur := local.Hour()*60 + local.Minute()
	closeAt := func(dayOffset int) time.Time {
		return time.Date(y, m, d+dayOffset, endMin/60, endMin%60, 0, 0, local.Location())
	}

	if startMin < endMin {
		if cur >= startMin && cur < endMin {
			return closeAt(0), true
		}
		return time.Time{}, false
	}
	switch {
	case cur >= startMin:
		return closeAt(1), true
	case cur < endMin:
		return closeAt(0), true
	default:
		return time.Time{}, false
	}
}

func parseClock(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	// Accept "22:00" and "22:00:00".
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*60 + t.Minute(), true
		}
	}
	return 0, false
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
