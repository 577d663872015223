package types

import "time"

// Subscription registers a webhook endpoint for a set of event types.
// The secret is write-only on the wire: returned exactly once at
// creation and never serialized afterwards.
type Subscription struct {
	ID          string   `json:"id"`
	Tenant      string   `json:"tenant"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"-"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"isActive"`

	// Delivery counters, monotonic over the subscription's lifetime.
	TotalDeliveries  int64 `json:"totalDeliveries"`
	Succeeded        int64 `json:"succeededDeliveries"`
	Failed           int64 `json:"failedDeliveries"`

	CreatedAt       time.Time  `json:"createdAt"`
	LastTriggeredAt *time.Time `json:"lastTriggered,omitempty"`
}

// Matches reports whether the subscription's event set admits t.
// Entries may be exact types or wildcard patterns ("processing.*", "*").
func (s *Subscription) Matches(t EventType, match func(pattern string, name string) bool) bool {
	for _, pat := range s.Events {
		if pat == string(t) || match(pat, string(t)) {
			return true
		}
	}
	return false
}

// DeliveryOutcome is the terminal classification of one dispatch attempt.
type DeliveryOutcome string

const (
	// Delivered means the endpoint answered with a 2xx status.
	Delivered DeliveryOutcome = "delivered"
	// TransientFail covers non-2xx responses, timeouts, and transport
	// errors; the attempt is retried until the schedule is exhausted.
	TransientFail DeliveryOutcome = "transient_fail"
	// PermanentFail is reserved; no status maps to it in this version.
	PermanentFail DeliveryOutcome = "permanent_fail"
)

// Delivery is one attempt to POST an event to one subscription.
// Deliveries are transient: only counters and logs survive them.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          Event           `json:"event"`
	Attempt        int             `json:"attempt"`
	ScheduledAt    time.Time       `json:"scheduledAt"`
	Outcome        DeliveryOutcome `json:"outcome,omitempty"`
	// StatusCode is the HTTP status of the last response, 0 when the
	// request never completed.
	StatusCode int `json:"statusCode,omitempty"`
}
