package domain

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DeliveryMethod is a notification channel a rule can deliver through.
type DeliveryMethod string

// Delivery methods.
const (
	DeliveryMethodEmail DeliveryMethod = "EMAIL"
	DeliveryMethodSMS   DeliveryMethod = "SMS"
	DeliveryMethodCall  DeliveryMethod = "CALL"
	DeliveryMethodPush  DeliveryMethod = "PUSH"
)

var upperCaser = cases.Upper(language.Und)

// IsValid checks if the delivery method is known.
func (m DeliveryMethod) IsValid() bool {
	switch m {
	case DeliveryMethodEmail, DeliveryMethodSMS, DeliveryMethodCall, DeliveryMethodPush:
		return true
	}
	return false
}

// ParseDeliveryMethod normalises a channel name ("email", " Sms ") to a DeliveryMethod.
func ParseDeliveryMethod(s string) (DeliveryMethod, error) {
	m := DeliveryMethod(upperCaser.String(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown delivery method: %q", s)
	}
	return m, nil
}

// DistributionEvent is a trigger type producers publish messages for.
// Queue and EventType are unique together.
type DistributionEvent struct {
	ID             string   `json:"id"`
	Queue          string   `json:"queue"`
	EventType      string   `json:"eventType"`
	MetadataLabels []string `json:"metadataLabels"`
}

// Template holds the per-channel template fields of a rule.
type Template struct {
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// DistributionRule selects channels and templates for an event.
// A rule with nil Metadata is the event's default rule.
type DistributionRule struct {
	ID                  string                      `json:"id"`
	EventID             string                      `json:"eventId"`
	Metadata            map[string]any              `json:"metadata"`
	DeliveryMethods     []DeliveryMethod            `json:"deliveryMethods"`
	Templates           map[DeliveryMethod]Template `json:"templates"`
	CheckDeliveryWindow bool                        `json:"checkDeliveryWindow"`
	BypassSubscriptions bool                        `json:"bypassSubscriptions"`
}

// IsDefault reports whether the rule is the fallback rule of its event.
func (r *DistributionRule) IsDefault() bool {
	return r.Metadata == nil
}
