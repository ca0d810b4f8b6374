// Package lifecycle implements the acknowledge and resolve operations of
// the exception state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/events"
	"github.com/biopro/exception-collector/internal/infra/storage"
	"github.com/biopro/exception-collector/internal/validation"
)

// Result is the outcome of one lifecycle operation. Validation failures
// populate Errors and leave the stored record untouched; infrastructure
// failures surface as ordinary errors instead.
type Result struct {
	Success   bool                        `json:"success"`
	Exception *domain.InterfaceException  `json:"exception,omitempty"`
	Errors    []validation.Error          `json:"errors,omitempty"`
}

func rejected(errs []validation.Error) *Result {
	return &Result{Success: false, Errors: errs}
}

// AcknowledgeRequest asks to move an exception to ACKNOWLEDGED.
type AcknowledgeRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	Notes         string `json:"notes,omitempty"`
	AssignedTo    string `json:"assigned_to,omitempty"`
}

// ResolveRequest asks to move an exception to RESOLVED.
type ResolveRequest struct {
	TransactionID    string                  `json:"transaction_id"`
	ResolutionMethod domain.ResolutionMethod `json:"resolution_method"`
	Notes            string                  `json:"notes,omitempty"`
}

// Service runs lifecycle mutations against the exception store.
type Service struct {
	exceptions storage.ExceptionRepository
	attempts   storage.RetryAttemptRepository
	validator  *validation.Service
	publisher  events.Publisher
	now        func() time.Time
}

// NewService creates a lifecycle service.
func NewService(
	exceptions storage.ExceptionRepository,
	attempts storage.RetryAttemptRepository,
	validator *validation.Service,
	publisher events.Publisher,
) *Service {
	return &Service{
		exceptions: exceptions,
		attempts:   attempts,
		validator:  validator,
		publisher:  publisher,
		now:        time.Now,
	}
}

// Acknowledge marks an exception as seen by an operator. Legal only from
// NEW and RETRY_FAILED; all violations are reported, none applied.
func (s *Service) Acknowledge(ctx context.Context, caller validation.Caller, req AcknowledgeRequest) (*Result, error) {
	if errs := s.validator.Authorize(caller, "acknowledge"); len(errs) > 0 {
		return rejected(errs), nil
	}

	var errs []validation.Error
	errs = append(errs, s.validator.CheckTransactionID(req.TransactionID)...)
	errs = append(errs, s.validator.CheckReason(req.Reason, "reason")...)
	errs = append(errs, s.validator.CheckNotes(req.Notes, "notes")...)
	if len(errs) > 0 {
		return rejected(errs), nil
	}

	ex, err := s.exceptions.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rejected([]validation.Error{validation.NotFoundError(req.TransactionID)}), nil
		}
		return nil, fmt.Errorf("failed to load exception %s: %w", req.TransactionID, err)
	}

	if errs := s.validator.CheckAcknowledgeRules(ex); len(errs) > 0 {
		return rejected(errs), nil
	}

	ex.Acknowledge(caller.User, req.Reason, req.Notes, req.AssignedTo, s.now().UTC())
	if err := s.exceptions.Save(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to save acknowledgment for %s: %w", req.TransactionID, err)
	}

	slog.Info("Acknowledged exception",
		"transaction_id", ex.TransactionID,
		"acknowledged_by", caller.User,
		"assigned_to", req.AssignedTo,
	)
	return &Result{Success: true, Exception: ex}, nil
}

// Resolve moves an exception to the RESOLVED terminal state and publishes
// the resolution milestone.
func (s *Service) Resolve(ctx context.Context, caller validation.Caller, req ResolveRequest) (*Result, error) {
	if errs := s.validator.Authorize(caller, "resolve"); len(errs) > 0 {
		return rejected(errs), nil
	}

	var errs []validation.Error
	errs = append(errs, s.validator.CheckTransactionID(req.TransactionID)...)
	errs = append(errs, s.validator.CheckNotes(req.Notes, "resolutionNotes")...)
	if len(errs) > 0 {
		return rejected(errs), nil
	}

	method := req.ResolutionMethod
	if method == "" {
		method = domain.ResolutionManual
	}

	ex, err := s.exceptions.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return rejected([]validation.Error{validation.NotFoundError(req.TransactionID)}), nil
		}
		return nil, fmt.Errorf("failed to load exception %s: %w", req.TransactionID, err)
	}

	if errs := s.validator.CheckResolveRules(ex); len(errs) > 0 {
		return rejected(errs), nil
	}

	ex.Resolve(caller.User, method, req.Notes, s.now().UTC())
	if err := s.exceptions.Save(ctx, ex); err != nil {
		return nil, fmt.Errorf("failed to save resolution for %s: %w", req.TransactionID, err)
	}

	s.publishResolved(ctx, ex)

	slog.Info("Resolved exception",
		"transaction_id", ex.TransactionID,
		"resolved_by", caller.User,
		"resolution_method", method,
	)
	return &Result{Success: true, Exception: ex}, nil
}

func (s *Service) publishResolved(ctx context.Context, ex *domain.InterfaceException) {
	total := ex.RetryCount
	if attempts, err := s.attempts.ListByException(ctx, ex.ID); err == nil {
		total = len(attempts)
	}

	envelope, err := events.NewEnvelope(domain.EventTypeExceptionResolved, ex.TransactionID, domain.ExceptionResolvedPayload{
		ExceptionID:        ex.ID,
		TransactionID:      ex.TransactionID,
		ResolutionMethod:   ex.ResolutionMethod,
		ResolvedBy:         ex.ResolvedBy,
		ResolvedAt:         *ex.ResolvedAt,
		TotalRetryAttempts: total,
		ResolutionNotes:    ex.ResolutionNotes,
	})
	if err != nil {
		slog.Error("Failed to build resolved event", "transaction_id", ex.TransactionID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, envelope); err != nil {
		slog.Error("Failed to publish resolved event", "transaction_id", ex.TransactionID, "error", err)
	}
}
