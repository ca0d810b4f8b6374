// Package retry orchestrates retry attempts against captured exceptions:
// admission, attempt numbering, execution, completion, and cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/events"
	"github.com/biopro/exception-collector/internal/infra/storage"
	"github.com/biopro/exception-collector/internal/metrics"
	"github.com/biopro/exception-collector/internal/validation"
)

const estimatedRetryDuration = 5 * time.Minute

// admissionLockTTL bounds how long a crashed instance can hold admission.
const admissionLockTTL = 10 * time.Minute

// ExecutionResult is the outcome reported by the executor for one attempt.
type ExecutionResult struct {
	Success      bool
	Message      string
	ResponseCode int
	ErrorDetails string
}

// Executor re-submits the original operation toward the source interface.
type Executor interface {
	Execute(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) (*ExecutionResult, error)
}

// AdmissionLock serializes retry admission per transaction across collector
// instances. The store's pending-attempt constraint is the hard guarantee;
// the lock just avoids wasted conflicting work.
type AdmissionLock interface {
	AcquireRetryLock(ctx context.Context, transactionID string, ttl time.Duration) (bool, error)
	ReleaseRetryLock(ctx context.Context, transactionID string) error
}

// Request asks to retry one exception.
type Request struct {
	TransactionID string               `json:"transaction_id"`
	Reason        string               `json:"reason"`
	Priority      domain.RetryPriority `json:"priority,omitempty"`
}

// BulkRequest asks to retry a batch of exceptions with a shared reason.
type BulkRequest struct {
	TransactionIDs []string             `json:"transaction_ids"`
	Reason         string               `json:"reason"`
	Priority       domain.RetryPriority `json:"priority,omitempty"`
}

// Result is the outcome of one retry admission.
type Result struct {
	Success             bool                        `json:"success"`
	TransactionID       string                      `json:"transaction_id"`
	Exception           *domain.InterfaceException `json:"exception,omitempty"`
	Attempt             *domain.RetryAttempt        `json:"attempt,omitempty"`
	EstimatedCompletion *time.Time                  `json:"estimated_completion,omitempty"`
	Errors              []validation.Error          `json:"errors,omitempty"`
}

// BulkResult aggregates independent per-item outcomes. Batch-level
// rejections populate Errors and leave Results empty.
type BulkResult struct {
	SuccessCount int                `json:"success_count"`
	FailureCount int                `json:"failure_count"`
	Results      []*Result          `json:"results,omitempty"`
	Errors       []validation.Error `json:"errors,omitempty"`
}

// CancelRequest asks to cancel the pending retry of one exception.
type CancelRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func rejected(transactionID string, errs []validation.Error) *Result {
	return &Result{Success: false, TransactionID: transactionID, Errors: errs}
}

// Orchestrator runs the retry state machine.
type Orchestrator struct {
	exceptions storage.ExceptionRepository
	attempts   storage.RetryAttemptRepository
	validator  *validation.Service
	publisher  events.Publisher
	executor   Executor
	lock       AdmissionLock

	// resolveOnSuccess moves exceptions straight to RESOLVED when an
	// attempt succeeds instead of the intermediate RETRY_SUCCEEDED.
	resolveOnSuccess bool

	now    func() time.Time
	launch func(func())
}

// NewOrchestrator creates a retry orchestrator. executor and lock may be
// nil: without an executor attempts stay pending until completed via
// CompleteAttempt, without a lock admission relies on the store constraint
// alone.
func NewOrchestrator(
	exceptions storage.ExceptionRepository,
	attempts storage.RetryAttemptRepository,
	validator *validation.Service,
	publisher events.Publisher,
	executor Executor,
	lock AdmissionLock,
	resolveOnSuccess bool,
) *Orchestrator {
	return &Orchestrator{
		exceptions:       exceptions,
		attempts:         attempts,
		validator:        validator,
		publisher:        publisher,
		executor:         executor,
		lock:             lock,
		resolveOnSuccess: resolveOnSuccess,
		now:              time.Now,
		launch:           func(f func()) { go f() },
	}
}

// Retry admits one retry attempt. At most one attempt per exception may be
// pending; the attempt number is assigned by the store as max+1.
func (o *Orchestrator) Retry(ctx context.Context, caller validation.Caller, req Request) (*Result, error) {
	if errs := o.validator.Authorize(caller, "retry"); len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	var errs []validation.Error
	errs = append(errs, o.validator.CheckTransactionID(req.TransactionID)...)
	errs = append(errs, o.validator.CheckReason(req.Reason, "reason")...)
	if len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	ex, err := o.exceptions.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rejected(req.TransactionID, []validation.Error{validation.NotFoundError(req.TransactionID)}), nil
		}
		return nil, fmt.Errorf("failed to load exception %s: %w", req.TransactionID, err)
	}

	latest, err := o.attempts.FindLatest(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts for %s: %w", req.TransactionID, err)
	}
	if errs := o.validator.CheckRetryRules(ex, latest); len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	if o.lock != nil {
		acquired, err := o.lock.AcquireRetryLock(ctx, req.TransactionID, admissionLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire admission lock for %s: %w", req.TransactionID, err)
		}
		if !acquired {
			return rejected(req.TransactionID, []validation.Error{pendingError(req.TransactionID)}), nil
		}
		defer func() {
			if err := o.lock.ReleaseRetryLock(ctx, req.TransactionID); err != nil {
				slog.Warn("Failed to release admission lock", "transaction_id", req.TransactionID, "error", err)
			}
		}()
	}

	now := o.now().UTC()
	attempt, err := o.attempts.Append(ctx, &domain.RetryAttempt{
		ExceptionID:   ex.ID,
		TransactionID: ex.TransactionID,
		Status:        domain.RetryStatusPending,
		InitiatedBy:   caller.User,
		InitiatedAt:   now,
		PriorStatus:   ex.Status,
	})
	if err != nil {
		if errors.Is(err, storage.ErrRetryPending) {
			// Lost the admission race against a concurrent request.
			return rejected(req.TransactionID, []validation.Error{pendingError(req.TransactionID)}), nil
		}
		return nil, fmt.Errorf("failed to record attempt for %s: %w", req.TransactionID, err)
	}

	ex.Status = domain.StatusRetryPending
	ex.LastRetryAt = &now
	if err := o.exceptions.Save(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to save retry state for %s: %w", req.TransactionID, err)
	}

	slog.Info("Admitted retry attempt",
		"transaction_id", ex.TransactionID,
		"attempt_number", attempt.AttemptNumber,
		"initiated_by", caller.User,
		"priority", req.Priority,
	)

	if o.executor != nil {
		snapshot := *ex
		o.launch(func() { o.execute(&snapshot, attempt) })
	}

	eta := now.Add(estimatedRetryDuration)
	return &Result{
		Success:             true,
		TransactionID:       ex.TransactionID,
		Exception:           ex,
		Attempt:             attempt,
		EstimatedCompletion: &eta,
	}, nil
}

// BulkRetry admits retries for a batch of exceptions. The batch is
// validated as a whole first; after admission each item succeeds or fails
// independently.
func (o *Orchestrator) BulkRetry(ctx context.Context, caller validation.Caller, req BulkRequest) (*BulkResult, error) {
	var errs []validation.Error
	errs = append(errs, o.validator.CheckBulkTransactionIDs(req.TransactionIDs)...)
	errs = append(errs, o.validator.AuthorizeBulk(caller, "bulk_retry", len(req.TransactionIDs))...)
	errs = append(errs, o.validator.CheckReason(req.Reason, "reason")...)
	if len(errs) > 0 {
		return &BulkResult{FailureCount: len(req.TransactionIDs), Errors: errs}, nil
	}

	result := &BulkResult{Results: make([]*Result, 0, len(req.TransactionIDs))}
	for _, id := range req.TransactionIDs {
		itemResult, err := o.Retry(ctx, caller, Request{
			TransactionID: id,
			Reason:        req.Reason,
			Priority:      req.Priority,
		})
		if err != nil {
			// Infrastructure failure on one item does not abort the batch.
			slog.Error("Bulk retry item failed", "transaction_id", id, "error", err)
			itemResult = rejected(id, []validation.Error{{
				Code:    validation.CodeNotFound,
				Message: fmt.Sprintf("Retry failed for transaction: %s", id),
			}})
		}
		if itemResult.Success {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
		result.Results = append(result.Results, itemResult)
	}
	return result, nil
}

// CancelRetry cancels the pending attempt of an exception and reverts the
// exception to its pre-retry status. Cancelled attempts do not count
// toward the retry ceiling.
func (o *Orchestrator) CancelRetry(ctx context.Context, caller validation.Caller, req CancelRequest) (*Result, error) {
	if errs := o.validator.Authorize(caller, "cancel_retry"); len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	var errs []validation.Error
	errs = append(errs, o.validator.CheckTransactionID(req.TransactionID)...)
	errs = append(errs, o.validator.CheckReason(req.Reason, "reason")...)
	if len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	ex, err := o.exceptions.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rejected(req.TransactionID, []validation.Error{validation.NotFoundError(req.TransactionID)}), nil
		}
		return nil, fmt.Errorf("failed to load exception %s: %w", req.TransactionID, err)
	}

	latest, err := o.attempts.FindLatest(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts for %s: %w", req.TransactionID, err)
	}
	if errs := o.validator.CheckCancelRules(ex, latest); len(errs) > 0 {
		return rejected(req.TransactionID, errs), nil
	}

	latest.MarkCancelled(req.Reason, o.now().UTC())
	if err := o.attempts.Update(ctx, latest); err != nil {
		if errors.Is(err, storage.ErrAttemptFinal) {
			// The attempt completed while the cancel was in flight.
			return rejected(req.TransactionID, []validation.Error{{
				Code:    validation.CodeNoRetryPending,
				Message: fmt.Sprintf("No pending retry to cancel for transaction: %s", req.TransactionID),
			}}), nil
		}
		return nil, fmt.Errorf("failed to cancel attempt for %s: %w", req.TransactionID, err)
	}

	// Revert to the status recorded at admission.
	ex.Status = latest.PriorStatus
	if err := o.exceptions.Save(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to save cancel state for %s: %w", req.TransactionID, err)
	}

	slog.Info("Cancelled retry attempt",
		"transaction_id", ex.TransactionID,
		"attempt_number", latest.AttemptNumber,
		"cancelled_by", caller.User,
	)
	return &Result{Success: true, TransactionID: ex.TransactionID, Exception: ex, Attempt: latest}, nil
}

// execute runs one attempt through the executor and records its outcome.
// Runs detached from the admitting request's context.
func (o *Orchestrator) execute(ex *domain.InterfaceException, attempt *domain.RetryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), estimatedRetryDuration)
	defer cancel()

	execResult, err := o.executor.Execute(ctx, ex, attempt)
	if err != nil {
		execResult = &ExecutionResult{
			Success:      false,
			Message:      "Retry execution failed",
			ErrorDetails: err.Error(),
		}
	}
	if err := o.CompleteAttempt(ctx, attempt, execResult); err != nil {
		slog.Error("Failed to complete retry attempt",
			"transaction_id", attempt.TransactionID,
			"attempt_number", attempt.AttemptNumber,
			"error", err,
		)
	}
}

// CompleteAttempt records the terminal outcome of a pending attempt,
// advances the exception lifecycle, and publishes the completion milestone.
func (o *Orchestrator) CompleteAttempt(ctx context.Context, attempt *domain.RetryAttempt, execResult *ExecutionResult) error {
	now := o.now().UTC()
	if execResult.Success {
		attempt.MarkSuccess(execResult.Message, execResult.ResponseCode, now)
	} else {
		attempt.MarkFailed(execResult.Message, execResult.ResponseCode, execResult.ErrorDetails, now)
	}

	if err := o.attempts.Update(ctx, attempt); err != nil {
		if errors.Is(err, storage.ErrAttemptFinal) {
			// Cancelled while executing; the cancel path already reverted
			// the exception.
			slog.Info("Attempt already finalized, dropping completion",
				"transaction_id", attempt.TransactionID,
				"attempt_number", attempt.AttemptNumber,
			)
			return nil
		}
		return fmt.Errorf("failed to record attempt outcome: %w", err)
	}

	ex, err := o.exceptions.FindByTransactionID(ctx, attempt.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to load exception %s: %w", attempt.TransactionID, err)
	}

	ex.RetryCount++
	ex.LastRetryAt = &now
	outcome := "failed"
	if execResult.Success {
		outcome = "success"
		if o.resolveOnSuccess {
			ex.Resolve("system", domain.ResolutionAutomatedRetry,
				fmt.Sprintf("Resolved by retry attempt %d", attempt.AttemptNumber), now)
		} else {
			ex.Status = domain.StatusRetrySucceeded
		}
	} else {
		ex.Status = domain.StatusRetryFailed
	}

	if err := o.exceptions.Save(ctx, ex); err != nil {
		return fmt.Errorf("failed to save completion state for %s: %w", attempt.TransactionID, err)
	}

	metrics.RetryAttempts.WithLabelValues(string(ex.InterfaceType), outcome).Inc()
	metrics.RetryDuration.WithLabelValues(string(ex.InterfaceType), outcome).
		Observe(now.Sub(attempt.InitiatedAt).Seconds())

	o.publishCompleted(ctx, ex, attempt)
	if execResult.Success && o.resolveOnSuccess {
		o.publishResolved(ctx, ex)
	}

	slog.Info("Completed retry attempt",
		"transaction_id", ex.TransactionID,
		"attempt_number", attempt.AttemptNumber,
		"outcome", outcome,
		"retry_count", ex.RetryCount,
	)
	return nil
}

// ListAttempts returns the retry history of an exception, oldest first.
func (o *Orchestrator) ListAttempts(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, *validation.Error, error) {
	if errs := o.validator.CheckTransactionID(transactionID); len(errs) > 0 {
		return nil, &errs[0], nil
	}
	ex, err := o.exceptions.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			verr := validation.NotFoundError(transactionID)
			return nil, &verr, nil
		}
		return nil, nil, fmt.Errorf("failed to load exception %s: %w", transactionID, err)
	}
	attempts, err := o.attempts.ListByException(ctx, ex.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load attempts for %s: %w", transactionID, err)
	}
	return attempts, nil, nil
}

func (o *Orchestrator) publishCompleted(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) {
	envelope, err := events.NewEnvelope(domain.EventTypeExceptionRetryCompleted, ex.TransactionID, domain.RetryCompletedPayload{
		ExceptionID:   ex.ID,
		TransactionID: ex.TransactionID,
		AttemptNumber: attempt.AttemptNumber,
		RetryStatus:   attempt.Status,
		ResultMessage: attempt.ResultMessage,
		ResponseCode:  attempt.ResultResponseCode,
		InitiatedBy:   attempt.InitiatedBy,
		CompletedAt:   *attempt.CompletedAt,
	})
	if err != nil {
		slog.Error("Failed to build completion event", "transaction_id", ex.TransactionID, "error", err)
		return
	}
	if err := o.publisher.Publish(ctx, envelope); err != nil {
		slog.Error("Failed to publish completion event", "transaction_id", ex.TransactionID, "error", err)
	}
}

func (o *Orchestrator) publishResolved(ctx context.Context, ex *domain.InterfaceException) {
	envelope, err := events.NewEnvelope(domain.EventTypeExceptionResolved, ex.TransactionID, domain.ExceptionResolvedPayload{
		ExceptionID:        ex.ID,
		TransactionID:      ex.TransactionID,
		ResolutionMethod:   ex.ResolutionMethod,
		ResolvedBy:         ex.ResolvedBy,
		ResolvedAt:         *ex.ResolvedAt,
		TotalRetryAttempts: ex.RetryCount,
		ResolutionNotes:    ex.ResolutionNotes,
	})
	if err != nil {
		slog.Error("Failed to build resolved event", "transaction_id", ex.TransactionID, "error", err)
		return
	}
	if err := o.publisher.Publish(ctx, envelope); err != nil {
		slog.Error("Failed to publish resolved event", "transaction_id", ex.TransactionID, "error", err)
	}
}

func pendingError(transactionID string) validation.Error {
	return validation.Error{
		Code:    validation.CodeRetryPending,
		Message: fmt.Sprintf("A retry is already pending for transaction: %s", transactionID),
	}
}
