package domain

import "time"

// RetryStatus is the state of a single retry attempt.
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "PENDING"
	RetryStatusSuccess   RetryStatus = "SUCCESS"
	RetryStatusFailed    RetryStatus = "FAILED"
	RetryStatusCancelled RetryStatus = "CANCELLED"
)

// IsTerminal reports whether the attempt can no longer change.
func (s RetryStatus) IsTerminal() bool {
	return s == RetryStatusSuccess || s == RetryStatusFailed || s == RetryStatusCancelled
}

// RetryPriority orders retry execution downstream.
type RetryPriority string

const (
	RetryPriorityLow    RetryPriority = "LOW"
	RetryPriorityNormal RetryPriority = "NORMAL"
	RetryPriorityHigh   RetryPriority = "HIGH"
	RetryPriorityUrgent RetryPriority = "URGENT"
)

// RetryAttempt is one execution of a retry against an exception.
// AttemptNumber is 1-based and strictly increasing per exception.
type RetryAttempt struct {
	ID            string      `json:"id" db:"id"`
	ExceptionID   string      `json:"exception_id" db:"exception_id"`
	TransactionID string      `json:"transaction_id" db:"transaction_id"`
	AttemptNumber int         `json:"attempt_number" db:"attempt_number"`
	Status        RetryStatus `json:"status" db:"status"`
	InitiatedBy   string      `json:"initiated_by" db:"initiated_by"`
	InitiatedAt   time.Time   `json:"initiated_at" db:"initiated_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`

	// PriorStatus is the exception status at admission time; cancellation
	// reverts the exception to it.
	PriorStatus Status `json:"prior_status" db:"prior_status"`

	// Result fields are nil/zero until the attempt reaches a terminal status.
	ResultSuccess      *bool  `json:"result_success,omitempty" db:"result_success"`
	ResultMessage      string `json:"result_message,omitempty" db:"result_message"`
	ResultResponseCode int    `json:"result_response_code,omitempty" db:"result_response_code"`
	ResultErrorDetails string `json:"result_error_details,omitempty" db:"result_error_details"`
}

// MarkSuccess records a successful completion.
func (a *RetryAttempt) MarkSuccess(message string, responseCode int, at time.Time) {
	ok := true
	a.Status = RetryStatusSuccess
	a.CompletedAt = &at
	a.ResultSuccess = &ok
	a.ResultMessage = message
	a.ResultResponseCode = responseCode
}

// MarkFailed records a failed completion.
func (a *RetryAttempt) MarkFailed(message string, responseCode int, errorDetails string, at time.Time) {
	ok := false
	a.Status = RetryStatusFailed
	a.CompletedAt = &at
	a.ResultSuccess = &ok
	a.ResultMessage = message
	a.ResultResponseCode = responseCode
	a.ResultErrorDetails = errorDetails
}

// MarkCancelled records an explicit cancellation. Cancelled attempts do
// not count toward the retry ceiling.
func (a *RetryAttempt) MarkCancelled(reason string, at time.Time) {
	a.Status = RetryStatusCancelled
	a.CompletedAt = &at
	a.ResultMessage = reason
}
