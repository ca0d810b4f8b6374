// Package collector implements the inbound capture pipeline: decoding
// failure events from upstream interfaces, classifying them, and recording
// them as interface exceptions.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/events"
	"github.com/biopro/exception-collector/internal/infra/storage"
	"github.com/biopro/exception-collector/internal/metrics"
)

// Policy holds the capture-side retry defaults.
type Policy struct {
	// DefaultMaxRetries is stamped on newly captured retryable exceptions.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// CriticalRetryThreshold escalates an exception to the alert stream
	// once its retry count exceeds this value.
	CriticalRetryThreshold int `yaml:"critical_retry_threshold"`
}

// DefaultPolicy mirrors the platform-wide retry defaults.
func DefaultPolicy() Policy {
	return Policy{DefaultMaxRetries: 5, CriticalRetryThreshold: 3}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.DefaultMaxRetries <= 0 {
		p.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if p.CriticalRetryThreshold <= 0 {
		p.CriticalRetryThreshold = d.CriticalRetryThreshold
	}
	return p
}

// Processor consumes inbound failure events and turns them into stored
// exceptions plus outbound milestone events.
type Processor struct {
	exceptions storage.ExceptionRepository
	publisher  events.Publisher
	policy     Policy
	now        func() time.Time
}

// NewProcessor creates a capture processor.
func NewProcessor(exceptions storage.ExceptionRepository, publisher events.Publisher, policy Policy) *Processor {
	return &Processor{
		exceptions: exceptions,
		publisher:  publisher,
		policy:     policy.withDefaults(),
		now:        time.Now,
	}
}

// HandleMessage decodes one raw inbound message and runs the capture
// pipeline. Errors wrapping domain.ErrMalformedEvent tell the consumer to
// acknowledge and drop the message; other errors leave it for redelivery.
func (p *Processor) HandleMessage(ctx context.Context, stream string, data []byte) error {
	var envelope domain.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: undecodable envelope on %s: %v", domain.ErrMalformedEvent, stream, err)
	}
	return p.Capture(ctx, &envelope)
}

// Capture records the failure carried by the envelope. Duplicate
// transaction IDs update the existing record instead of creating a second
// exception for the same occurrence.
func (p *Processor) Capture(ctx context.Context, envelope *domain.Envelope) error {
	interfaceType, ok := interfaceTypeFor(envelope.EventType)
	if !ok {
		return fmt.Errorf("%w: unsupported event type %q", domain.ErrMalformedEvent, envelope.EventType)
	}
	if len(envelope.Payload) == 0 || string(envelope.Payload) == "null" {
		return fmt.Errorf("%w: %s event %s has no payload", domain.ErrMalformedEvent, envelope.EventType, envelope.EventID)
	}

	var payload domain.FailurePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("%w: undecodable %s payload: %v", domain.ErrMalformedEvent, envelope.EventType, err)
	}
	if strings.TrimSpace(payload.TransactionID) == "" {
		return fmt.Errorf("%w: %s event %s missing transaction ID", domain.ErrMalformedEvent, envelope.EventType, envelope.EventID)
	}

	ex := p.buildException(envelope, &payload, interfaceType)

	stored, created, err := p.exceptions.Upsert(ctx, ex)
	if err != nil {
		return fmt.Errorf("failed to store exception for transaction %s: %w", ex.TransactionID, err)
	}

	if created {
		metrics.ExceptionsCaptured.WithLabelValues(string(stored.InterfaceType), string(stored.Severity)).Inc()
		slog.Info("Captured exception",
			"transaction_id", stored.TransactionID,
			"interface_type", stored.InterfaceType,
			"severity", stored.Severity,
			"category", stored.Category,
			"retryable", stored.Retryable,
		)
	} else {
		metrics.ExceptionsUpdated.WithLabelValues(string(stored.InterfaceType)).Inc()
		slog.Info("Updated existing exception from duplicate event",
			"transaction_id", stored.TransactionID,
			"interface_type", stored.InterfaceType,
		)
	}

	p.publishCaptured(ctx, stored, envelope.CorrelationID)
	p.maybePublishAlert(ctx, stored, envelope.CorrelationID)
	return nil
}

func (p *Processor) buildException(envelope *domain.Envelope, payload *domain.FailurePayload, interfaceType domain.InterfaceType) *domain.InterfaceException {
	reason := payload.Reason
	if envelope.EventType == domain.EventTypeValidationError {
		reason = aggregateFieldErrors(payload.FieldErrors)
	}

	operation := payload.Operation
	if operation == "" {
		operation = defaultOperationFor(envelope.EventType)
	}

	occurredAt := envelope.OccurredOn
	if occurredAt.IsZero() {
		occurredAt = p.now().UTC()
	}

	ex := &domain.InterfaceException{
		TransactionID:   payload.TransactionID,
		InterfaceType:   interfaceType,
		Operation:       operation,
		ExternalID:      payload.ExternalID,
		ExceptionReason: reason,
		Status:          domain.StatusNew,
		CustomerID:      payload.CustomerID,
		LocationCode:    payload.LocationCode,
		MaxRetries:      p.policy.DefaultMaxRetries,
		Timestamp:       occurredAt,
		ProcessedAt:     p.now().UTC(),
	}

	if envelope.EventType == domain.EventTypeValidationError {
		// Validation failures are data problems: retryable after correction.
		ex.Category = domain.CategoryValidation
		ex.Severity = domain.SeverityMedium
		ex.Retryable = true
	} else {
		ex.Category = categorize(interfaceType, reason)
		ex.Severity = assignSeverity(interfaceType, reason)
		ex.Retryable = determineRetryability(reason)
	}
	return ex
}

func (p *Processor) publishCaptured(ctx context.Context, ex *domain.InterfaceException, correlationID string) {
	envelope, err := events.NewEnvelope(domain.EventTypeExceptionCaptured, correlationID, domain.ExceptionCapturedPayload{
		ExceptionID:     ex.ID,
		TransactionID:   ex.TransactionID,
		InterfaceType:   ex.InterfaceType,
		Severity:        ex.Severity,
		Category:        ex.Category,
		ExceptionReason: ex.ExceptionReason,
		CustomerID:      ex.CustomerID,
		Retryable:       ex.Retryable,
	})
	if err != nil {
		slog.Error("Failed to build captured event", "transaction_id", ex.TransactionID, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, envelope); err != nil {
		// Capture already committed; the milestone event is best effort here.
		slog.Error("Failed to publish captured event", "transaction_id", ex.TransactionID, "error", err)
	}
}

func (p *Processor) maybePublishAlert(ctx context.Context, ex *domain.InterfaceException, correlationID string) {
	var escalationReason string
	switch {
	case ex.Severity == domain.SeverityCritical:
		escalationReason = "CRITICAL_SEVERITY"
	case ex.RetryCount > p.policy.CriticalRetryThreshold:
		escalationReason = "MULTIPLE_RETRIES_FAILED"
	default:
		return
	}

	envelope, err := events.NewEnvelope(domain.EventTypeCriticalExceptionAlert, correlationID, domain.CriticalAlertPayload{
		ExceptionID:             ex.ID,
		TransactionID:           ex.TransactionID,
		InterfaceType:           ex.InterfaceType,
		Severity:                ex.Severity,
		ExceptionReason:         ex.ExceptionReason,
		RetryCount:              ex.RetryCount,
		EscalationReason:        escalationReason,
		RequiresImmediateAction: ex.Severity == domain.SeverityCritical,
	})
	if err != nil {
		slog.Error("Failed to build alert event", "transaction_id", ex.TransactionID, "error", err)
		return
	}
	if err := p.publisher.Publish(ctx, envelope); err != nil {
		slog.Error("Failed to publish alert event", "transaction_id", ex.TransactionID, "error", err)
	}
}

func interfaceTypeFor(eventType string) (domain.InterfaceType, bool) {
	switch eventType {
	case domain.EventTypeOrderRejected, domain.EventTypeOrderCancelled:
		return domain.InterfaceTypeOrder, true
	case domain.EventTypeCollectionRejected:
		return domain.InterfaceTypeCollection, true
	case domain.EventTypeDistributionFailed:
		return domain.InterfaceTypeDistribution, true
	case domain.EventTypeValidationError:
		return domain.InterfaceTypeValidation, true
	}
	return "", false
}

func defaultOperationFor(eventType string) string {
	switch eventType {
	case domain.EventTypeOrderRejected:
		return "CREATE_ORDER"
	case domain.EventTypeOrderCancelled:
		return "CANCEL_ORDER"
	case domain.EventTypeCollectionRejected:
		return "COLLECT_SAMPLE"
	case domain.EventTypeDistributionFailed:
		return "DISTRIBUTE_PRODUCT"
	case domain.EventTypeValidationError:
		return "VALIDATE_DATA"
	}
	return "UNKNOWN"
}

// aggregateFieldErrors flattens per-field violations into one reason string.
func aggregateFieldErrors(fieldErrors []domain.FieldError) string {
	if len(fieldErrors) == 0 {
		return "Validation failed"
	}
	parts := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		parts = append(parts, fmt.Sprintf("Field '%s': %s", fe.Field, fe.Message))
	}
	return strings.Join(parts, "; ")
}

func categorize(interfaceType domain.InterfaceType, reason string) domain.Category {
	r := strings.ToLower(reason)

	switch interfaceType {
	case domain.InterfaceTypeOrder:
		switch {
		case contains(r, "already exists", "duplicate"):
			return domain.CategoryBusinessRule
		case contains(r, "validation", "invalid", "required"):
			return domain.CategoryValidation
		case contains(r, "timeout", "connection"):
			return domain.CategoryNetworkError
		case contains(r, "unauthorized", "forbidden"):
			return domain.CategoryAuthorization
		case contains(r, "authentication", "credentials"):
			return domain.CategoryAuthentication
		case contains(r, "system", "internal"):
			return domain.CategorySystemError
		}
	case domain.InterfaceTypeCollection:
		switch {
		case contains(r, "validation", "invalid", "required"):
			return domain.CategoryValidation
		case contains(r, "donor", "collection", "sample"):
			return domain.CategoryBusinessRule
		case contains(r, "timeout", "connection"):
			return domain.CategoryNetworkError
		case contains(r, "system", "internal"):
			return domain.CategorySystemError
		}
	case domain.InterfaceTypeDistribution:
		switch {
		case contains(r, "validation", "invalid", "required"):
			return domain.CategoryValidation
		case contains(r, "destination", "location", "inventory"):
			return domain.CategoryBusinessRule
		case contains(r, "timeout", "connection"):
			return domain.CategoryNetworkError
		case contains(r, "external", "service"):
			return domain.CategoryExternalService
		case contains(r, "system", "internal"):
			return domain.CategorySystemError
		}
	}
	return domain.CategoryBusinessRule
}

func assignSeverity(interfaceType domain.InterfaceType, reason string) domain.Severity {
	r := strings.ToLower(reason)

	if contains(r, "system error", "internal error", "database", "critical") {
		return domain.SeverityCritical
	}
	if contains(r, "timeout", "connection failed", "service unavailable", "authentication failed") {
		return domain.SeverityHigh
	}

	switch interfaceType {
	case domain.InterfaceTypeOrder:
		if contains(r, "customer") {
			return domain.SeverityHigh
		}
	case domain.InterfaceTypeCollection:
		if contains(r, "donor", "sample") {
			return domain.SeverityHigh
		}
	case domain.InterfaceTypeDistribution:
		if contains(r, "destination", "delivery") {
			return domain.SeverityHigh
		}
	}

	if contains(r, "validation", "invalid", "already exists", "not found") {
		return domain.SeverityMedium
	}
	if contains(r, "warning", "info") {
		return domain.SeverityLow
	}
	return domain.SeverityMedium
}

func determineRetryability(reason string) bool {
	r := strings.ToLower(reason)

	if contains(r, "already exists", "duplicate", "invalid format", "malformed",
		"authentication failed", "unauthorized") {
		return false
	}
	if contains(r, "timeout", "connection", "service unavailable", "temporary") {
		return true
	}
	return true
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
