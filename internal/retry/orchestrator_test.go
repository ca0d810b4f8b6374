package retry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/events"
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

func (p *capturePublisher) byType(eventType string) []*domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.Envelope
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type stubLock struct {
	denied   bool
	acquired int
	released int
}

func (l *stubLock) AcquireRetryLock(ctx context.Context, transactionID string, ttl time.Duration) (bool, error) {
	if l.denied {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *stubLock) ReleaseRetryLock(ctx context.Context, transactionID string) error {
	l.released++
	return nil
}

type fixture struct {
	orchestrator *Orchestrator
	exceptions   *memory.ExceptionRepo
	attempts     *memory.AttemptRepo
	publisher    *capturePublisher
}

func newFixture(t *testing.T, executor Executor, lock AdmissionLock, resolveOnSuccess bool) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		exceptions: memory.NewExceptionRepo(store),
		attempts:   memory.NewAttemptRepo(store),
		publisher:  &capturePublisher{},
	}
	f.orchestrator = NewOrchestrator(
		f.exceptions, f.attempts,
		validation.NewService(validation.Limits{}),
		f.publisher, executor, lock, resolveOnSuccess,
	)
	// Run async execution inline for deterministic tests
	f.orchestrator.launch = func(fn func()) { fn() }
	return f
}

func (f *fixture) seed(t *testing.T, ex *domain.InterfaceException) *domain.InterfaceException {
	t.Helper()
	stored, _, err := f.exceptions.Upsert(context.Background(), ex)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return stored
}

func retryableException(transactionID string) *domain.InterfaceException {
	return &domain.InterfaceException{
		TransactionID:   transactionID,
		InterfaceType:   domain.InterfaceTypeOrder,
		ExceptionReason: "Connection timeout",
		Severity:        domain.SeverityHigh,
		Category:        domain.CategoryNetworkError,
		Status:          domain.StatusNew,
		Retryable:       true,
		MaxRetries:      5,
		Timestamp:       time.Now(),
		ProcessedAt:     time.Now(),
	}
}

func caller() validation.Caller {
	return validation.Caller{User: "ops-user", Roles: []string{validation.RoleOperations}}
}

func admin() validation.Caller {
	return validation.Caller{User: "admin-user", Roles: []string{validation.RoleAdmin}}
}

func TestRetryAdmission(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))

	result, err := f.orchestrator.Retry(context.Background(), caller(), Request{
		TransactionID: "TXN-1",
		Reason:        "upstream recovered",
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors %v", result.Errors)
	}
	if result.Attempt.AttemptNumber != 1 {
		t.Errorf("attempt number: got %d, want 1", result.Attempt.AttemptNumber)
	}
	if result.EstimatedCompletion == nil {
		t.Error("estimated completion missing")
	}

	ex, err := f.exceptions.FindByTransactionID(context.Background(), "TXN-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ex.Status != domain.StatusRetryPending {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusRetryPending)
	}
	if ex.LastRetryAt == nil {
		t.Error("last_retry_at not recorded")
	}
}

func TestRetryAtCeiling(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	ex := retryableException("TXN-1")
	ex.Status = domain.StatusRetryFailed
	ex.RetryCount = 5
	f.seed(t, ex)

	result, err := f.orchestrator.Retry(context.Background(), caller(), Request{
		TransactionID: "TXN-1",
		Reason:        "one more try",
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result.Success {
		t.Fatal("retry at ceiling must be rejected")
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeRetryLimitReached {
		t.Errorf("got %v, want single %s", result.Errors, validation.CodeRetryLimitReached)
	}

	// Nothing admitted
	latest, err := f.attempts.FindLatest(context.Background(), "TXN-1")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest != nil {
		t.Errorf("no attempt must be recorded, got %+v", latest)
	}
}

func TestRetryWhilePending(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	if result, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"}); err != nil || !result.Success {
		t.Fatalf("first retry failed: %v %v", err, result)
	}

	result, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "again"})
	if err != nil {
		t.Fatalf("second retry failed: %v", err)
	}
	if result.Success {
		t.Fatal("second retry while pending must be rejected")
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == validation.CodeRetryPending {
			found = true
		}
	}
	if !found {
		t.Errorf("got %v, want %s", result.Errors, validation.CodeRetryPending)
	}
}

func TestRetryUnknownTransaction(t *testing.T) {
	f := newFixture(t, nil, nil, false)

	result, err := f.orchestrator.Retry(context.Background(), caller(), Request{
		TransactionID: "TXN-missing",
		Reason:        "r",
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeNotFound {
		t.Errorf("got %+v, want %s", result, validation.CodeNotFound)
	}
}

func TestRetryLockDenied(t *testing.T) {
	f := newFixture(t, nil, &stubLock{denied: true}, false)
	f.seed(t, retryableException("TXN-1"))

	result, err := f.orchestrator.Retry(context.Background(), caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeRetryPending {
		t.Errorf("lock denial must reject as pending, got %+v", result)
	}
}

func TestRetryLockReleased(t *testing.T) {
	lock := &stubLock{}
	f := newFixture(t, nil, lock, false)
	f.seed(t, retryableException("TXN-1"))

	if _, err := f.orchestrator.Retry(context.Background(), caller(), Request{TransactionID: "TXN-1", Reason: "r"}); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if lock.acquired != 1 || lock.released != 1 {
		t.Errorf("lock acquired %d released %d, want 1/1", lock.acquired, lock.released)
	}
}

func TestAttemptNumbersAreSequential(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	stored := f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
		if err != nil {
			t.Fatalf("retry %d failed: %v", i, err)
		}
		if !result.Success {
			t.Fatalf("retry %d rejected: %v", i, result.Errors)
		}
		if result.Attempt.AttemptNumber != i {
			t.Errorf("attempt number: got %d, want %d", result.Attempt.AttemptNumber, i)
		}
		if err := f.orchestrator.CompleteAttempt(ctx, result.Attempt, &ExecutionResult{
			Success: false, Message: "still failing", ResponseCode: 500,
		}); err != nil {
			t.Fatalf("complete %d failed: %v", i, err)
		}
	}

	attempts, verr, err := f.orchestrator.ListAttempts(ctx, "TXN-1")
	if err != nil || verr != nil {
		t.Fatalf("ListAttempts failed: %v %v", err, verr)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d has number %d", i, a.AttemptNumber)
		}
		if a.ExceptionID != stored.ID {
			t.Errorf("attempt bound to %s, want %s", a.ExceptionID, stored.ID)
		}
	}
}

func TestCompleteFailedAttempt(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	result, _ := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err := f.orchestrator.CompleteAttempt(ctx, result.Attempt, &ExecutionResult{
		Success: false, Message: "upstream 502", ResponseCode: 502, ErrorDetails: "bad gateway",
	}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusRetryFailed {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusRetryFailed)
	}
	if ex.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", ex.RetryCount)
	}

	completed := f.publisher.byType(domain.EventTypeExceptionRetryCompleted)
	if len(completed) != 1 {
		t.Fatalf("got %d completion events, want 1", len(completed))
	}
}

func TestCompleteSuccessfulAttempt(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	result, _ := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err := f.orchestrator.CompleteAttempt(ctx, result.Attempt, &ExecutionResult{
		Success: true, Message: "accepted", ResponseCode: 200,
	}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusRetrySucceeded {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusRetrySucceeded)
	}
	if len(f.publisher.byType(domain.EventTypeExceptionResolved)) != 0 {
		t.Error("no resolution event expected without resolve_on_success")
	}
}

func TestCompleteSuccessResolvesWhenConfigured(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	result, _ := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err := f.orchestrator.CompleteAttempt(ctx, result.Attempt, &ExecutionResult{
		Success: true, Message: "accepted", ResponseCode: 200,
	}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusResolved {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusResolved)
	}
	if ex.ResolutionMethod != domain.ResolutionAutomatedRetry {
		t.Errorf("resolution method: got %s", ex.ResolutionMethod)
	}
	if len(f.publisher.byType(domain.EventTypeExceptionResolved)) != 1 {
		t.Error("resolution event expected")
	}
}

func TestExecutorDrivenCompletion(t *testing.T) {
	f := newFixture(t, executorFunc(func(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) (*ExecutionResult, error) {
		return &ExecutionResult{Success: true, Message: "submitted", ResponseCode: 202}, nil
	}), nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	result, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err != nil || !result.Success {
		t.Fatalf("Retry failed: %v %v", err, result)
	}

	// launch is inline, so execution has already completed
	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusRetrySucceeded {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusRetrySucceeded)
	}
}

type executorFunc func(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) (*ExecutionResult, error)

func (f executorFunc) Execute(ctx context.Context, ex *domain.InterfaceException, attempt *domain.RetryAttempt) (*ExecutionResult, error) {
	return f(ctx, ex, attempt)
}

func TestCancelRetry(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	if _, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"}); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	result, err := f.orchestrator.CancelRetry(ctx, caller(), CancelRequest{TransactionID: "TXN-1", Reason: "operator abort"})
	if err != nil {
		t.Fatalf("CancelRetry failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("cancel rejected: %v", result.Errors)
	}
	if result.Attempt.Status != domain.RetryStatusCancelled {
		t.Errorf("attempt status: got %s, want %s", result.Attempt.Status, domain.RetryStatusCancelled)
	}

	// Reverts to pre-retry status, cancelled attempt does not count
	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusNew {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusNew)
	}
	if ex.RetryCount != 0 {
		t.Errorf("cancelled attempt must not count, retry count %d", ex.RetryCount)
	}
}

func TestCancelWithoutPending(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))

	result, err := f.orchestrator.CancelRetry(context.Background(), caller(), CancelRequest{TransactionID: "TXN-1", Reason: "r"})
	if err != nil {
		t.Fatalf("CancelRetry failed: %v", err)
	}
	if result.Success || len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeNoRetryPending {
		t.Errorf("got %+v, want %s", result, validation.CodeNoRetryPending)
	}
}

func TestCancelRevertsToAcknowledged(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	ex := retryableException("TXN-1")
	ex.Status = domain.StatusAcknowledged
	now := time.Now()
	ex.AcknowledgedAt = &now
	ex.AcknowledgedBy = "ops-user"
	f.seed(t, ex)
	ctx := context.Background()

	if _, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"}); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, err := f.orchestrator.CancelRetry(ctx, caller(), CancelRequest{TransactionID: "TXN-1", Reason: "abort"}); err != nil {
		t.Fatalf("CancelRetry failed: %v", err)
	}

	got, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if got.Status != domain.StatusAcknowledged {
		t.Errorf("status: got %s, want %s", got.Status, domain.StatusAcknowledged)
	}
}

func TestCancelAfterReacknowledgeRevertsToAcknowledged(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	// First attempt fails
	first, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if err != nil || !first.Success {
		t.Fatalf("first retry failed: %v %v", err, first)
	}
	if err := f.orchestrator.CompleteAttempt(ctx, first.Attempt, &ExecutionResult{
		Success: false, Message: "upstream 502", ResponseCode: 502,
	}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	// Operator acknowledges the failure before trying again
	ex, err := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	ex.Acknowledge("ops-user", "investigating upstream", "", "", time.Now().UTC())
	if err := f.exceptions.Save(ctx, ex); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second, err := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "retrying after review"})
	if err != nil || !second.Success {
		t.Fatalf("second retry failed: %v %v", err, second)
	}
	if _, err := f.orchestrator.CancelRetry(ctx, caller(), CancelRequest{TransactionID: "TXN-1", Reason: "abort"}); err != nil {
		t.Fatalf("CancelRetry failed: %v", err)
	}

	// The cancel reverts to the acknowledged state the retry started from,
	// not to the older RETRY_FAILED
	got, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if got.Status != domain.StatusAcknowledged {
		t.Errorf("status: got %s, want %s", got.Status, domain.StatusAcknowledged)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", got.RetryCount)
	}
}

func TestRetryFromRetrySucceededRejected(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	ex := retryableException("TXN-1")
	ex.Status = domain.StatusRetrySucceeded
	ex.RetryCount = 1
	f.seed(t, ex)

	result, err := f.orchestrator.Retry(context.Background(), caller(), Request{
		TransactionID: "TXN-1",
		Reason:        "r",
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if result.Success {
		t.Fatal("retry after a successful attempt must be rejected")
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeInvalidStatus {
		t.Errorf("got %v, want single %s", result.Errors, validation.CodeInvalidStatus)
	}

	latest, err := f.attempts.FindLatest(context.Background(), "TXN-1")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest != nil {
		t.Errorf("no attempt must be recorded, got %+v", latest)
	}
}

func TestBulkRetryDuplicateIDs(t *testing.T) {
	f := newFixture(t, nil, nil, false)

	result, err := f.orchestrator.BulkRetry(context.Background(), caller(), BulkRequest{
		TransactionIDs: []string{"TXN-1", "TXN-2", "TXN-1"},
		Reason:         "r",
	})
	if err != nil {
		t.Fatalf("BulkRetry failed: %v", err)
	}
	if len(result.Results) != 0 {
		t.Error("batch-level rejection must not run any item")
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeDuplicateIDs {
		t.Errorf("got %v, want single %s", result.Errors, validation.CodeDuplicateIDs)
	}
}

func TestBulkRetryRoleCap(t *testing.T) {
	f := newFixture(t, nil, nil, false)

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("TXN-%d", i)
	}
	result, err := f.orchestrator.BulkRetry(context.Background(), caller(), BulkRequest{
		TransactionIDs: ids,
		Reason:         "r",
	})
	if err != nil {
		t.Fatalf("BulkRetry failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != validation.CodeBulkLimitExceeded {
		t.Errorf("11 ids for operations role: got %v, want %s", result.Errors, validation.CodeBulkLimitExceeded)
	}
}

func TestBulkRetryIndependentItems(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	exhausted := retryableException("TXN-2")
	exhausted.Status = domain.StatusRetryFailed
	exhausted.RetryCount = 5
	f.seed(t, exhausted)

	result, err := f.orchestrator.BulkRetry(context.Background(), admin(), BulkRequest{
		TransactionIDs: []string{"TXN-1", "TXN-2", "TXN-3"},
		Reason:         "r",
	})
	if err != nil {
		t.Fatalf("BulkRetry failed: %v", err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 2 {
		t.Errorf("counts: got %d/%d, want 1/2", result.SuccessCount, result.FailureCount)
	}
	if len(result.Results) != 3 {
		t.Fatalf("got %d item results, want 3", len(result.Results))
	}
	if !result.Results[0].Success {
		t.Errorf("TXN-1 must succeed: %v", result.Results[0].Errors)
	}
	if result.Results[1].Success || result.Results[1].Errors[0].Code != validation.CodeRetryLimitReached {
		t.Errorf("TXN-2 must fail at ceiling: %+v", result.Results[1])
	}
	if result.Results[2].Success || result.Results[2].Errors[0].Code != validation.CodeNotFound {
		t.Errorf("TXN-3 must fail as unknown: %+v", result.Results[2])
	}
}

func TestCompleteAfterCancelIsDropped(t *testing.T) {
	f := newFixture(t, nil, nil, false)
	f.seed(t, retryableException("TXN-1"))
	ctx := context.Background()

	result, _ := f.orchestrator.Retry(ctx, caller(), Request{TransactionID: "TXN-1", Reason: "r"})
	if _, err := f.orchestrator.CancelRetry(ctx, caller(), CancelRequest{TransactionID: "TXN-1", Reason: "abort"}); err != nil {
		t.Fatalf("CancelRetry failed: %v", err)
	}

	// Late completion for the cancelled attempt must not advance lifecycle
	if err := f.orchestrator.CompleteAttempt(ctx, result.Attempt, &ExecutionResult{Success: true, Message: "late"}); err != nil {
		t.Fatalf("CompleteAttempt failed: %v", err)
	}

	ex, _ := f.exceptions.FindByTransactionID(ctx, "TXN-1")
	if ex.Status != domain.StatusNew {
		t.Errorf("status: got %s, want %s", ex.Status, domain.StatusNew)
	}
	if ex.RetryCount != 0 {
		t.Errorf("retry count: got %d, want 0", ex.RetryCount)
	}
}

var _ events.Publisher = (*capturePublisher)(nil)
