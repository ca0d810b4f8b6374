package domain

import (
	"encoding/json"
	"time"
)

// Inbound event types consumed from upstream interfaces.
const (
	EventTypeOrderRejected      = "OrderRejected"
	EventTypeOrderCancelled     = "OrderCancelled"
	EventTypeCollectionRejected = "CollectionRejected"
	EventTypeDistributionFailed = "DistributionFailed"
	EventTypeValidationError    = "ValidationError"
)

// Outbound milestone event types produced by this collector.
const (
	EventTypeExceptionCaptured       = "ExceptionCaptured"
	EventTypeExceptionRetryCompleted = "ExceptionRetryCompleted"
	EventTypeExceptionResolved       = "ExceptionResolved"
	EventTypeCriticalExceptionAlert  = "CriticalExceptionAlert"
)

// Envelope is the common wrapper shared by inbound and outbound events.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  string          `json:"event_version"`
	OccurredOn    time.Time       `json:"occurred_on"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// FailurePayload is the common shape of inbound failure payloads. Fields
// beyond TransactionID vary by interface; unknown fields are ignored.
type FailurePayload struct {
	TransactionID string `json:"transaction_id"`
	ExternalID    string `json:"external_id,omitempty"`
	Operation     string `json:"operation,omitempty"`
	Reason        string `json:"reason,omitempty"`
	CustomerID    string `json:"customer_id,omitempty"`
	LocationCode  string `json:"location_code,omitempty"`

	// ValidationError events carry per-field errors instead of a reason.
	FieldErrors []FieldError `json:"field_errors,omitempty"`
}

// FieldError is one field-level violation inside a ValidationError event.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ExceptionCapturedPayload is published when an exception is captured or
// materially updated.
type ExceptionCapturedPayload struct {
	ExceptionID     string        `json:"exception_id"`
	TransactionID   string        `json:"transaction_id"`
	InterfaceType   InterfaceType `json:"interface_type"`
	Severity        Severity      `json:"severity"`
	Category        Category      `json:"category"`
	ExceptionReason string        `json:"exception_reason"`
	CustomerID      string        `json:"customer_id,omitempty"`
	Retryable       bool          `json:"retryable"`
}

// RetryCompletedPayload is published when an attempt reaches SUCCESS or FAILED.
type RetryCompletedPayload struct {
	ExceptionID   string      `json:"exception_id"`
	TransactionID string      `json:"transaction_id"`
	AttemptNumber int         `json:"attempt_number"`
	RetryStatus   RetryStatus `json:"retry_status"`
	ResultMessage string      `json:"result_message,omitempty"`
	ResponseCode  int         `json:"response_code,omitempty"`
	InitiatedBy   string      `json:"initiated_by"`
	CompletedAt   time.Time   `json:"completed_at"`
}

// ExceptionResolvedPayload is published when an exception reaches RESOLVED.
type ExceptionResolvedPayload struct {
	ExceptionID        string           `json:"exception_id"`
	TransactionID      string           `json:"transaction_id"`
	ResolutionMethod   ResolutionMethod `json:"resolution_method"`
	ResolvedBy         string           `json:"resolved_by"`
	ResolvedAt         time.Time        `json:"resolved_at"`
	TotalRetryAttempts int              `json:"total_retry_attempts"`
	ResolutionNotes    string           `json:"resolution_notes,omitempty"`
}

// CriticalAlertPayload escalates critical-severity or high-retry exceptions.
type CriticalAlertPayload struct {
	ExceptionID             string        `json:"exception_id"`
	TransactionID           string        `json:"transaction_id"`
	InterfaceType           InterfaceType `json:"interface_type"`
	Severity                Severity      `json:"severity"`
	ExceptionReason         string        `json:"exception_reason"`
	RetryCount              int           `json:"retry_count"`
	EscalationReason        string        `json:"escalation_reason"`
	RequiresImmediateAction bool          `json:"requires_immediate_action"`
}
