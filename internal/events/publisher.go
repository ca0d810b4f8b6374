// Package events builds and publishes the outbound milestone events.
// Delivery is at-least-once per milestone; the transport retries, not us.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/biopro/exception-collector/internal/core/domain"
)

const (
	serviceSource = "exception-collector-service"
	eventVersion  = "1.0"
)

// Publisher delivers one milestone event to the outbound transport.
type Publisher interface {
	// Publish sends a single milestone event.
	Publish(ctx context.Context, event *domain.Envelope) error

	// Close closes the publisher connection.
	Close() error
}

// NewEnvelope wraps a payload in the common outbound envelope.
func NewEnvelope(eventType, correlationID string, payload any) (*domain.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &domain.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredOn:    time.Now().UTC(),
		Source:        serviceSource,
		CorrelationID: correlationID,
		Payload:       raw,
	}, nil
}

// LogPublisher writes events to the structured log. Used when no outbound
// transport is configured.
type LogPublisher struct{}

func (p *LogPublisher) Publish(ctx context.Context, event *domain.Envelope) error {
	slog.Info("Publishing milestone event",
		"event_type", event.EventType,
		"event_id", event.EventID,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
