package distribution

import (
	"context"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

// WindowEvaluator gates recipients by their weekly delivery windows.
// The zero value is ready to use and is safe for concurrent use.
type WindowEvaluator struct{}

// Allows reports whether r accepts notifications at now.
// When check is false every recipient is allowed.
func (WindowEvaluator) Allows(check bool, r domain.Recipient, now time.Time) bool {
	if !check {
		return true
	}

	loc, _ := recipientLocation(r.TimeZone)
	return inWindow(r.WindowsFor(now.In(loc).Weekday()), now.In(loc))
}

// Filter returns the recipients allowed at now, in input order.
func (e WindowEvaluator) Filter(ctx context.Context, check bool, recipients []domain.Recipient, now time.Time) []domain.Recipient {
	if !check {
		return recipients
	}

	allowed := make([]domain.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := recipientLocation(r.TimeZone); !ok {
			ctxlog.FromContext(ctx).Warn("invalid recipient time zone, using UTC",
				"subscriber_id", r.SubscriberID,
				"time_zone", r.TimeZone,
			)
		}
		if e.Allows(check, r, now) {
			allowed = append(allowed, r)
		}
	}
	return allowed
}

// inWindow checks local against windows starting on its own day.
// Both bounds are inclusive.
func inWindow(windows []domain.DeliveryWindow, local time.Time) bool {
	year, month, day := local.Date()
	for _, w := range windows {
		start := time.Date(year, month, day, w.AtHour, w.AtMinute, 0, 0, local.Location())
		end := start.Add(time.Duration(w.DurationMinutes) * time.Minute)
		if !local.Before(start) && !local.After(end) {
			return true
		}
	}
	return false
}

// recipientLocation loads tz, falling back to UTC. The second result is false
// when tz was set but could not be loaded.
func recipientLocation(tz string) (*time.Location, bool) {
	if tz == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}
