package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a topic on the in-process bus. Webhook subscriptions
// filter on these, optionally with wildcard patterns ("processing.*").
type EventType string

// Event type constants.
const (
	EventProcessingStarted   EventType = "processing.started"
	EventProcessingProgress  EventType = "processing.progress"
	EventProcessingCompleted EventType = "processing.completed"
	EventProcessingFailed    EventType = "processing.failed"
	EventInspectionCreated   EventType = "inspection.created"
	EventInspectionUpdated   EventType = "inspection.updated"
	EventFindingAdded        EventType = "finding.added"
	EventUserRegistered      EventType = "user.registered"
	// EventTest is sent by the subscription-test operation.
	EventTest EventType = "test"
)

// EventTypes is the closed set of publishable types, used to validate
// subscription filters.
var EventTypes = []EventType{
	EventProcessingStarted,
	EventProcessingProgress,
	EventProcessingCompleted,
	EventProcessingFailed,
	EventInspectionCreated,
	EventInspectionUpdated,
	EventFindingAdded,
	EventUserRegistered,
	EventTest,
}

// Terminal returns true for types that mark the end of processing.
func (e EventType) Terminal() bool {
	return e == EventProcessingCompleted || e == EventProcessingFailed
}

// Event is the envelope published on the bus and POSTed verbatim to
// webhook endpoints. Field order matches the delivery body:
// {event, timestamp, data, id}.
type Event struct {
	Type      EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	ID        string    `json:"id"`
}

// NewEvent stamps a fresh envelope with a uuid and the current time.
func NewEvent(t EventType, data any) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
		ID:        uuid.NewString(),
	}
}

// ProcessingStartedData accompanies processing.started, fired exactly
// once per job on first activation.
type ProcessingStartedData struct {
	FileID  string       `json:"fileId"`
	Kind    DocumentKind `json:"kind"`
	Attempt int          `json:"attempt"`
}

// ProcessingProgressData accompanies heartbeat progress events.
type ProcessingProgressData struct {
	FileID   string `json:"fileId"`
	Progress int    `json:"progress"`
	Stage    string `json:"currentStep"`
	// EstimatedTimeRemaining is a coarse projection in seconds.
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemaining"`
}

// ProcessingCompletedData accompanies processing.completed.
type ProcessingCompletedData struct {
	FileID       string            `json:"fileId"`
	InspectionID string            `json:"inspectionId"`
	Summary      InspectionSummary `json:"summary"`
	// ProcessingTime is the wall-clock duration of the final attempt
	// in seconds.
	ProcessingTime float64 `json:"processingTime"`
}

// ProcessingFailedData accompanies processing.failed, fired exactly
// once per job on terminal failure (including dead).
type ProcessingFailedData struct {
	FileID   string `json:"fileId"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
	Final    bool   `json:"final"`
}

// InspectionCreatedData accompanies inspection.created.
type InspectionCreatedData struct {
	InspectionID string `json:"inspectionId"`
	FileID       string `json:"fileId"`
	Tenant       string `json:"tenant"`
}

// FindingAddedData accompanies finding.added, one per extracted finding.
type FindingAddedData struct {
	InspectionID string  `json:"inspectionId"`
	Finding      Finding `json:"finding"`
}

// TestEventData accompanies the test event sent by the
// subscription-test operation.
type TestEventData struct {
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message"`
}
