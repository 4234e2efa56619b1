package domain

import (
	"errors"
	"time"
)

// RecipientKind tags the variant of a Recipient.
type RecipientKind string

// Recipient kinds.
const (
	RecipientKindUser   RecipientKind = "user"
	RecipientKindDevice RecipientKind = "device"
	// RecipientKindDirect is a recipient supplied inline by the producer.
	RecipientKindDirect RecipientKind = "direct"
)

// DeliveryWindow is a weekly time range in which a recipient accepts notifications.
// DayOfWeek follows time.Weekday (0 is Sunday).
type DeliveryWindow struct {
	DayOfWeek       int `json:"dayOfWeek" validate:"min=0,max=6"`
	AtHour          int `json:"atHour" validate:"min=0,max=23"`
	AtMinute        int `json:"atMinute" validate:"min=0,max=59"`
	DurationMinutes int `json:"durationMinutes" validate:"gt=0"`
}

// ErrInvalidWindow is returned by DeliveryWindow.Validate.
var ErrInvalidWindow = errors.New("invalid delivery window")

// Validate checks the window ranges.
func (w DeliveryWindow) Validate() error {
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 ||
		w.AtHour < 0 || w.AtHour > 23 ||
		w.AtMinute < 0 || w.AtMinute > 59 ||
		w.DurationMinutes <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Recipient is a resolved, channel-addressable subscriber.
type Recipient struct {
	Kind            RecipientKind    `json:"kind" validate:"omitempty,oneof=user device direct"`
	SubscriberID    string           `json:"subscriberId,omitempty"`
	Email           string           `json:"email,omitempty" validate:"omitempty,email"`
	Phone           string           `json:"phone,omitempty"`
	PushToken       string           `json:"pushToken,omitempty"`
	TimeZone        string           `json:"timeZone,omitempty" validate:"omitempty,timezone"`
	DeliveryWindows []DeliveryWindow `json:"deliveryWindows,omitempty" validate:"dive"`
}

// ResolveChannel returns the address of the recipient for a delivery method.
// The second result is false when the recipient kind does not support the method.
func (r Recipient) ResolveChannel(method DeliveryMethod) (string, bool) {
	var value string
	switch r.Kind {
	case RecipientKindUser:
		switch method {
		case DeliveryMethodEmail:
			value = r.Email
		case DeliveryMethodSMS, DeliveryMethodCall:
			value = r.Phone
		}
	case RecipientKindDevice:
		if method == DeliveryMethodPush {
			value = r.PushToken
		}
	case RecipientKindDirect, "":
		switch method {
		case DeliveryMethodEmail:
			value = r.Email
		case DeliveryMethodSMS, DeliveryMethodCall:
			value = r.Phone
		case DeliveryMethodPush:
			value = r.PushToken
		}
	}
	return value, value != ""
}

// WindowsFor returns the delivery windows starting on the given weekday.
func (r Recipient) WindowsFor(day time.Weekday) []DeliveryWindow {
	var windows []DeliveryWindow
	for _, w := range r.DeliveryWindows {
		if w.DayOfWeek == int(day) {
			windows = append(windows, w)
		}
	}
	return windows
}
