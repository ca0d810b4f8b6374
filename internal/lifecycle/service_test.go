package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/infra/storage/memory"
	"github.com/biopro/exception-collector/internal/validation"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*domain.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, event *domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type fixture struct {
	service    *Service
	exceptions *memory.ExceptionRepo
	publisher  *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		exceptions: memory.NewExceptionRepo(store),
		publisher:  &capturePublisher{},
	}
	f.service = NewService(
		f.exceptions,
		memory.NewAttemptRepo(store),
		validation.NewService(validation.Limits{}),
		f.publisher,
	)
	return f
}

func (f *fixture) seed(t *testing.T, status domain.Status) *domain.InterfaceException {
	t.Helper()
	ex := &domain.InterfaceException{
		TransactionID:   "TXN-1",
		InterfaceType:   domain.InterfaceTypeOrder,
		ExceptionReason: "Order already exists",
		Severity:        domain.SeverityMedium,
		Category:        domain.CategoryBusinessRule,
		Status:          status,
		Retryable:       true,
		MaxRetries:      5,
		Timestamp:       time.Now(),
		ProcessedAt:     time.Now(),
	}
	stored, _, err := f.exceptions.Upsert(context.Background(), ex)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return stored
}

func opsCaller() validation.Caller {
	return validation.Caller{User: "ops-user", Roles: []string{validation.RoleOperations}}
}

func TestAcknowledgeFromNew(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusNew)

	result, err := f.service.Acknowledge(context.Background(), opsCaller(), AcknowledgeRequest{
		TransactionID: "TXN-1",
		Reason:        "investigating",
		Notes:         "checking upstream service",
		AssignedTo:    "jamie",
	})
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Errors)
	}

	ex, _ := f.exceptions.FindByTransactionID(context.Background(), "TXN-1")
	if ex.Status != domain.StatusAcknowledged {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusAcknowledged)
	}
	if ex.AcknowledgedBy != "ops-user" || ex.AssignedTo != "jamie" {
		t.Errorf("acknowledgment fields: %+v", ex)
	}
}

func TestAcknowledgeResolvedExceptionRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusResolved)

	result, err := f.service.Acknowledge(context.Background(), opsCaller(), AcknowledgeRequest{
		TransactionID: "TXN-1",
		Reason:        "too late",
	})
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if result.Success {
		t.Fatal("acknowledge on RESOLVED must be rejected")
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeInvalidStatus {
		t.Fatalf("got %v, want %s", result.Errors, validation.CodeInvalidStatus)
	}
	if !strings.Contains(result.Errors[0].Message, "status: RESOLVED") {
		t.Errorf("message must name the blocking status: %q", result.Errors[0].Message)
	}

	// Record untouched
	ex, _ := f.exceptions.FindByTransactionID(context.Background(), "TXN-1")
	if ex.Status != domain.StatusResolved || ex.AcknowledgedBy != "" {
		t.Errorf("rejected acknowledge must not mutate the record: %+v", ex)
	}
}

func TestAcknowledgeRequiresReason(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusNew)

	result, err := f.service.Acknowledge(context.Background(), opsCaller(), AcknowledgeRequest{
		TransactionID: "TXN-1",
	})
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeMissingField {
		t.Errorf("got %+v, want %s", result, validation.CodeMissingField)
	}
}

func TestAcknowledgeUnknownCallerRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusNew)

	result, err := f.service.Acknowledge(context.Background(), validation.Caller{}, AcknowledgeRequest{
		TransactionID: "TXN-1",
		Reason:        "r",
	})
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if result.Success || result.Errors[0].Code != validation.CodeUnknownCaller {
		t.Errorf("got %+v, want %s", result, validation.CodeUnknownCaller)
	}
}

func TestResolvePublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusAcknowledged)

	result, err := f.service.Resolve(context.Background(), opsCaller(), ResolveRequest{
		TransactionID:    "TXN-1",
		ResolutionMethod: domain.ResolutionCustomerAction,
		Notes:            "customer corrected the order",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Errors)
	}

	ex, _ := f.exceptions.FindByTransactionID(context.Background(), "TXN-1")
	if ex.Status != domain.StatusResolved {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusResolved)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("got %d events, want 1", len(f.publisher.events))
	}
	event := f.publisher.events[0]
	if event.EventType != domain.EventTypeExceptionResolved {
		t.Errorf("event type: got %s", event.EventType)
	}
	var payload domain.ExceptionResolvedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.TransactionID != "TXN-1" || payload.ResolutionMethod != domain.ResolutionCustomerAction {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestResolveDefaultsToManual(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusNew)

	result, err := f.service.Resolve(context.Background(), opsCaller(), ResolveRequest{TransactionID: "TXN-1"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Errors)
	}
	if result.Exception.ResolutionMethod != domain.ResolutionManual {
		t.Errorf("resolution method: got %s, want %s", result.Exception.ResolutionMethod, domain.ResolutionManual)
	}
}

func TestResolveAlreadyResolvedRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.StatusResolved)

	result, err := f.service.Resolve(context.Background(), opsCaller(), ResolveRequest{TransactionID: "TXN-1"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeAlreadyResolved {
		t.Errorf("got %+v, want %s", result, validation.CodeAlreadyResolved)
	}
}

func TestResolveUnknownTransaction(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Resolve(context.Background(), opsCaller(), ResolveRequest{TransactionID: "TXN-missing"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Success || result.Errors[0].Code != validation.CodeNotFound {
		t.Errorf("got %+v, want %s", result, validation.CodeNotFound)
	}
}
