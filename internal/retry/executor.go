package retry

import (
	"context"
	"fmt"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/events"
)

// EventTypeRetryRequested is the re-submission request sent back toward
// the source interface.
const EventTypeRetryRequested = "RetryRequested"

// retryRequestPayload is the re-submission request body.
type retryRequestPayload struct {
	ExceptionID   string               `json:"exception_id"`
	TransactionID string               `json:"transaction_id"`
	InterfaceType domain.InterfaceType `json:"interface_type"`
	Operation     string               `json:"operation"`
	ExternalID    string               `json:"external_id,omitempty"`
	AttemptNumber int                  `json:"attempt_number"`
	InitiatedBy   string               `json:"initiated_by"`
}

// SubmitExecutor hands the original operation back to its source interface
// over the outbound transport. Submission acceptance completes the attempt;
// a later failure from the source arrives as a fresh inbound event and is
// captured as an update to the same exception.
type SubmitExecutor struct {
	publisher events.Publisher
}

// NewSubmitExecutor creates an executor publishing re-submission requests.
func NewSubmitExecutor(publisher events.Publisher) *SubmitExecutor {
	return &SubmitExecutor{publisher: publisher}
}

func (e *SubmitExecutor) Execute(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) (*ExecutionResult, error) {
	envelope, err := events.NewEnvelope(EventTypeRetryRequested, ex.TransactionID, retryRequestPayload{
		ExceptionID:   ex.ID,
		TransactionID: ex.TransactionID,
		InterfaceType: ex.InterfaceType,
		Operation:     ex.Operation,
		ExternalID:    ex.ExternalID,
		AttemptNumber: attempt.AttemptNumber,
		InitiatedBy:   attempt.InitiatedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build retry request: %w", err)
	}

	if err := e.publisher.Publish(ctx, envelope); err != nil {
		return &ExecutionResult{
			Success:      false,
			Message:      "Failed to submit retry to source interface",
			ErrorDetails: err.Error(),
		}, nil
	}

	return &ExecutionResult{
		Success:      true,
		Message:      fmt.Sprintf("Retry submitted to %s interface", ex.InterfaceType),
		ResponseCode: 202,
	}, nil
}
