package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/infra/storage"
)

// MemoryStorage backs the repository ports with in-process maps. Used in
// tests and when no database is configured.
type MemoryStorage struct {
	mu         sync.Mutex
	exceptions map[string]*domain.InterfaceException // keyed by transaction ID
	attempts   map[string][]*domain.RetryAttempt     // keyed by exception ID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		exceptions: make(map[string]*domain.InterfaceException),
		attempts:   make(map[string][]*domain.RetryAttempt),
	}
}

func copyException(ex *domain.InterfaceException) *domain.InterfaceException {
	cp := *ex
	return &cp
}

func copyAttempt(a *domain.RetryAttempt) *domain.RetryAttempt {
	cp := *a
	return &cp
}

// -----------------------------------------------------------------------------
// Exception Repository
// -----------------------------------------------------------------------------

type ExceptionRepo struct {
	store *MemoryStorage
}

func NewExceptionRepo(store *MemoryStorage) *ExceptionRepo {
	return &ExceptionRepo{store: store}
}

func (r *ExceptionRepo) FindByTransactionID(ctx context.Context, transactionID string) (*domain.InterfaceException, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	ex, ok := r.store.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyException(ex), nil
}

func (r *ExceptionRepo) Upsert(ctx context.Context, ex *domain.InterfaceException) (*domain.InterfaceException, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	existing, ok := r.store.exceptions[ex.TransactionID]
	if !ok {
		cp := copyException(ex)
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		r.store.exceptions[cp.TransactionID] = cp
		return copyException(cp), true, nil
	}

	// Overwrite-on-duplicate: mutable fields only.
	existing.ExceptionReason = ex.ExceptionReason
	existing.Severity = ex.Severity
	existing.Category = ex.Category
	existing.ProcessedAt = ex.ProcessedAt
	return copyException(existing), false, nil
}

func (r *ExceptionRepo) Save(ctx context.Context, ex *domain.InterfaceException) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.exceptions[ex.TransactionID]; !ok {
		return storage.ErrNotFound
	}
	r.store.exceptions[ex.TransactionID] = copyException(ex)
	return nil
}

func (r *ExceptionRepo) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for _, ex := range r.store.exceptions {
		if ex.Status == status {
			count++
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Retry Attempt Repository
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Append(ctx context.Context, attempt *domain.RetryAttempt) (*domain.RetryAttempt, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	attempts := r.store.attempts[attempt.ExceptionID]
	max := 0
	for _, a := range attempts {
		if a.Status == domain.RetryStatusPending {
			return nil, storage.ErrRetryPending
		}
		if a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}

	cp := copyAttempt(attempt)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.AttemptNumber = max + 1
	r.store.attempts[attempt.ExceptionID] = append(attempts, cp)
	return copyAttempt(cp), nil
}

func (r *AttemptRepo) FindLatest(ctx context.Context, exceptionID string) (*domain.RetryAttempt, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var latest *domain.RetryAttempt
	for _, a := range r.store.attempts[exceptionID] {
		if latest == nil || a.AttemptNumber > latest.AttemptNumber {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyAttempt(latest), nil
}

func (r *AttemptRepo) ListByException(ctx context.Context, exceptionID string) ([]*domain.RetryAttempt, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	attempts := r.store.attempts[exceptionID]
	out := make([]*domain.RetryAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, copyAttempt(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (r *AttemptRepo) Update(ctx context.Context, attempt *domain.RetryAttempt) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	attempts := r.store.attempts[attempt.ExceptionID]
	for i, a := range attempts {
		if a.ID == attempt.ID {
			if a.Status.IsTerminal() {
				return storage.ErrAttemptFinal
			}
			attempts[i] = copyAttempt(attempt)
			return nil
		}
	}
	return storage.ErrNotFound
}
