package domain

import "time"

// InterfaceType identifies the upstream interface that produced a failure.
type InterfaceType string

const (
	InterfaceTypeOrder        InterfaceType = "ORDER"
	InterfaceTypeCollection   InterfaceType = "COLLECTION"
	InterfaceTypeDistribution InterfaceType = "DISTRIBUTION"
	InterfaceTypeValidation   InterfaceType = "VALIDATION"
)

// Severity classifies how urgent an exception is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Category classifies the root-cause family of an exception.
type Category string

const (
	CategoryValidation      Category = "VALIDATION"
	CategoryBusinessRule    Category = "BUSINESS_RULE"
	CategorySystemError     Category = "SYSTEM_ERROR"
	CategoryNetworkError    Category = "NETWORK_ERROR"
	CategoryAuthentication  Category = "AUTHENTICATION"
	CategoryAuthorization   Category = "AUTHORIZATION"
	CategoryExternalService Category = "EXTERNAL_SERVICE"
)

// Status is the lifecycle state of an exception.
type Status string

const (
	StatusNew            Status = "NEW"
	StatusAcknowledged   Status = "ACKNOWLEDGED"
	StatusRetryPending   Status = "RETRY_PENDING"
	StatusRetryFailed    Status = "RETRY_FAILED"
	StatusRetrySucceeded Status = "RETRY_SUCCEEDED"
	StatusResolved       Status = "RESOLVED"
	StatusClosed         Status = "CLOSED"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are legal from s.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition. Terminal states allow nothing.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusNew:
		return next == StatusAcknowledged || next == StatusRetryPending ||
			next == StatusResolved || next == StatusClosed
	case StatusAcknowledged:
		return next == StatusRetryPending || next == StatusResolved || next == StatusClosed
	case StatusRetryPending:
		// Leaving RETRY_PENDING happens on attempt completion or cancel.
		return next == StatusRetryFailed || next == StatusRetrySucceeded ||
			next == StatusResolved || next == StatusAcknowledged || next == StatusNew
	case StatusRetryFailed:
		return next == StatusAcknowledged || next == StatusRetryPending ||
			next == StatusResolved || next == StatusClosed
	case StatusRetrySucceeded:
		return next == StatusResolved || next == StatusClosed
	}
	return false
}

// CanAcknowledge reports whether an acknowledge operation is legal from s.
func (s Status) CanAcknowledge() bool {
	return s == StatusNew || s == StatusRetryFailed
}

// ResolutionMethod records how an exception was resolved.
type ResolutionMethod string

const (
	ResolutionManual         ResolutionMethod = "MANUAL"
	ResolutionAutomatedRetry ResolutionMethod = "AUTOMATED_RETRY"
	ResolutionCustomerAction ResolutionMethod = "CUSTOMER_ACTION"
	ResolutionDataCorrection ResolutionMethod = "DATA_CORRECTION"
)

// InterfaceException is one captured failure occurrence, keyed by the
// caller-supplied transaction ID.
type InterfaceException struct {
	ID              string        `json:"id" db:"id"`
	TransactionID   string        `json:"transaction_id" db:"transaction_id"`
	InterfaceType   InterfaceType `json:"interface_type" db:"interface_type"`
	Operation       string        `json:"operation" db:"operation"`
	ExternalID      string        `json:"external_id" db:"external_id"`
	ExceptionReason string        `json:"exception_reason" db:"exception_reason"`
	Severity        Severity      `json:"severity" db:"severity"`
	Category        Category      `json:"category" db:"category"`
	Status          Status        `json:"status" db:"status"`
	Retryable       bool          `json:"retryable" db:"retryable"`
	RetryCount      int           `json:"retry_count" db:"retry_count"`
	MaxRetries      int           `json:"max_retries" db:"max_retries"`
	CustomerID      string        `json:"customer_id,omitempty" db:"customer_id"`
	LocationCode    string        `json:"location_code,omitempty" db:"location_code"`

	// Timestamp is the occurrence time reported by the source system;
	// ProcessedAt is when this collector captured (or last updated) it.
	Timestamp   time.Time  `json:"timestamp" db:"occurred_at"`
	ProcessedAt time.Time  `json:"processed_at" db:"processed_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`

	AcknowledgedAt        *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy        string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgmentReason  string     `json:"acknowledgment_reason,omitempty" db:"acknowledgment_reason"`
	AcknowledgmentNotes   string     `json:"acknowledgment_notes,omitempty" db:"acknowledgment_notes"`
	AssignedTo            string     `json:"assigned_to,omitempty" db:"assigned_to"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy            string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionMethod      ResolutionMethod `json:"resolution_method,omitempty" db:"resolution_method"`
	ResolutionNotes       string     `json:"resolution_notes,omitempty" db:"resolution_notes"`
}

// RetriesExhausted reports whether the retry ceiling has been reached.
func (e *InterfaceException) RetriesExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// Acknowledge applies the acknowledge transition in place.
func (e *InterfaceException) Acknowledge(by, reason, notes, assignedTo string, at time.Time) {
	e.Status = StatusAcknowledged
	e.AcknowledgedAt = &at
	e.AcknowledgedBy = by
	e.AcknowledgmentReason = reason
	e.AcknowledgmentNotes = notes
	e.AssignedTo = assignedTo
}

// Resolve applies the resolve transition in place.
func (e *InterfaceException) Resolve(by string, method ResolutionMethod, notes string, at time.Time) {
	e.Status = StatusResolved
	e.ResolvedAt = &at
	e.ResolvedBy = by
	e.ResolutionMethod = method
	e.ResolutionNotes = notes
}
