package storage

import (
	"context"
	"errors"

	"github.com/biopro/exception-collector/internal/core/domain"
)

var (
	// ErrNotFound is returned when no exception exists for a transaction ID.
	ErrNotFound = errors.New("exception not found")

	// ErrRetryPending is returned by Append when the exception already has
	// an attempt in PENDING status. The store enforces this atomically.
	ErrRetryPending = errors.New("retry attempt already pending")

	// ErrAttemptFinal is returned by Update when the stored attempt has
	// already reached a terminal status.
	ErrAttemptFinal = errors.New("retry attempt already completed")
)

// ExceptionRepository handles exception record storage.
type ExceptionRepository interface {
	// FindByTransactionID retrieves an exception by its transaction ID.
	// Returns ErrNotFound when absent.
	FindByTransactionID(ctx context.Context, transactionID string) (*domain.InterfaceException, error)

	// Upsert inserts the exception, or on transaction-ID conflict updates
	// the mutable fields (reason, severity, category, processed_at) of the
	// existing record. The stored record is returned; Created reports
	// whether a new row was written. Status and retry bookkeeping are
	// never touched by Upsert.
	Upsert(ctx context.Context, ex *domain.InterfaceException) (stored *domain.InterfaceException, created bool, err error)

	// Save persists lifecycle mutations (status, ack/resolve fields,
	// retry count) of an existing exception.
	Save(ctx context.Context, ex *domain.InterfaceException) error

	// CountByStatus returns the number of exceptions in the given status.
	CountByStatus(ctx context.Context, status domain.Status) (int, error)
}

// RetryAttemptRepository handles retry attempt storage.
type RetryAttemptRepository interface {
	// Append creates a new attempt with attempt_number assigned as
	// max(existing)+1 for the exception, atomically. Returns
	// ErrRetryPending when a PENDING attempt already exists.
	Append(ctx context.Context, attempt *domain.RetryAttempt) (*domain.RetryAttempt, error)

	// FindLatest retrieves the attempt with the highest attempt number,
	// or nil when the exception has no attempts.
	FindLatest(ctx context.Context, exceptionID string) (*domain.RetryAttempt, error)

	// ListByException retrieves all attempts ordered by attempt number.
	ListByException(ctx context.Context, exceptionID string) ([]*domain.RetryAttempt, error)

	// Update persists a completed or cancelled attempt. Attempts already
	// in a terminal status must not be modified.
	Update(ctx context.Context, attempt *domain.RetryAttempt) error
}
