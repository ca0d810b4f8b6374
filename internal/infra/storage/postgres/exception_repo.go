package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/infra/storage"
)

// ExceptionRepo implements storage.ExceptionRepository using PostgreSQL.
type ExceptionRepo struct {
	db *DB
}

// NewExceptionRepo creates a new PostgreSQL exception repository.
func NewExceptionRepo(db *DB) *ExceptionRepo {
	return &ExceptionRepo{db: db}
}

type exceptionRow struct {
	ID                   string         `db:"id"`
	TransactionID        string         `db:"transaction_id"`
	InterfaceType        string         `db:"interface_type"`
	Operation            string         `db:"operation"`
	ExternalID           sql.NullString `db:"external_id"`
	ExceptionReason      string         `db:"exception_reason"`
	Severity             string         `db:"severity"`
	Category             string         `db:"category"`
	Status               string         `db:"status"`
	Retryable            bool           `db:"retryable"`
	RetryCount           int            `db:"retry_count"`
	MaxRetries           int            `db:"max_retries"`
	CustomerID           sql.NullString `db:"customer_id"`
	LocationCode         sql.NullString `db:"location_code"`
	OccurredAt           time.Time      `db:"occurred_at"`
	ProcessedAt          time.Time      `db:"processed_at"`
	LastRetryAt          *time.Time     `db:"last_retry_at"`
	AcknowledgedAt       *time.Time     `db:"acknowledged_at"`
	AcknowledgedBy       sql.NullString `db:"acknowledged_by"`
	AcknowledgmentReason sql.NullString `db:"acknowledgment_reason"`
	AcknowledgmentNotes  sql.NullString `db:"acknowledgment_notes"`
	AssignedTo           sql.NullString `db:"assigned_to"`
	ResolvedAt           *time.Time     `db:"resolved_at"`
	ResolvedBy           sql.NullString `db:"resolved_by"`
	ResolutionMethod     sql.NullString `db:"resolution_method"`
	ResolutionNotes      sql.NullString `db:"resolution_notes"`
}

func (r exceptionRow) toDomain() *domain.InterfaceException {
	return &domain.InterfaceException{
		ID:                   r.ID,
		TransactionID:        r.TransactionID,
		InterfaceType:        domain.InterfaceType(r.InterfaceType),
		Operation:            r.Operation,
		ExternalID:           r.ExternalID.String,
		ExceptionReason:      r.ExceptionReason,
		Severity:             domain.Severity(r.Severity),
		Category:             domain.Category(r.Category),
		Status:               domain.Status(r.Status),
		Retryable:            r.Retryable,
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		CustomerID:           r.CustomerID.String,
		LocationCode:         r.LocationCode.String,
		Timestamp:            r.OccurredAt,
		ProcessedAt:          r.ProcessedAt,
		LastRetryAt:          r.LastRetryAt,
		AcknowledgedAt:       r.AcknowledgedAt,
		AcknowledgedBy:       r.AcknowledgedBy.String,
		AcknowledgmentReason: r.AcknowledgmentReason.String,
		AcknowledgmentNotes:  r.AcknowledgmentNotes.String,
		AssignedTo:           r.AssignedTo.String,
		ResolvedAt:           r.ResolvedAt,
		ResolvedBy:           r.ResolvedBy.String,
		ResolutionMethod:     domain.ResolutionMethod(r.ResolutionMethod.String),
		ResolutionNotes:      r.ResolutionNotes.String,
	}
}

const exceptionColumns = `
	id, transaction_id, interface_type, operation, external_id,
	exception_reason, severity, category, status, retryable,
	retry_count, max_retries, customer_id, location_code,
	occurred_at, processed_at, last_retry_at,
	acknowledged_at, acknowledged_by, acknowledgment_reason, acknowledgment_notes, assigned_to,
	resolved_at, resolved_by, resolution_method, resolution_notes
`

// FindByTransactionID retrieves an exception by its transaction ID.
func (r *ExceptionRepo) FindByTransactionID(ctx context.Context, transactionID string) (*domain.InterfaceException, error) {
	query := `SELECT ` + exceptionColumns + ` FROM interface_exceptions WHERE transaction_id = $1`

	var row exceptionRow
	err := r.db.GetContext(ctx, &row, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exception: %w", err)
	}
	return row.toDomain(), nil
}

// Upsert inserts the exception or, on transaction-ID conflict, overwrites
// the mutable fields of the existing record. Status, retry bookkeeping and
// operator fields are left untouched on conflict.
func (r *ExceptionRepo) Upsert(ctx context.Context, ex *domain.InterfaceException) (*domain.InterfaceException, bool, error) {
	id := ex.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO interface_exceptions (
			id, transaction_id, interface_type, operation, external_id,
			exception_reason, severity, category, status, retryable,
			retry_count, max_retries, customer_id, location_code,
			occurred_at, processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (transaction_id) DO UPDATE SET
			exception_reason = EXCLUDED.exception_reason,
			severity         = EXCLUDED.severity,
			category         = EXCLUDED.category,
			processed_at     = EXCLUDED.processed_at
		RETURNING ` + exceptionColumns + `, (xmax = 0) AS inserted`

	var row struct {
		exceptionRow
		Inserted bool `db:"inserted"`
	}
	err := r.db.GetContext(ctx, &row, query,
		id,
		ex.TransactionID,
		string(ex.InterfaceType),
		ex.Operation,
		nullable(ex.ExternalID),
		ex.ExceptionReason,
		string(ex.Severity),
		string(ex.Category),
		string(ex.Status),
		ex.Retryable,
		ex.RetryCount,
		ex.MaxRetries,
		nullable(ex.CustomerID),
		nullable(ex.LocationCode),
		ex.Timestamp,
		ex.ProcessedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert exception: %w", err)
	}
	return row.toDomain(), row.Inserted, nil
}

// Save persists lifecycle mutations of an existing exception.
func (r *ExceptionRepo) Save(ctx context.Context, ex *domain.InterfaceException) error {
	query := `
		UPDATE interface_exceptions SET
			status = $2,
			retryable = $3,
			retry_count = $4,
			last_retry_at = $5,
			acknowledged_at = $6,
			acknowledged_by = $7,
			acknowledgment_reason = $8,
			acknowledgment_notes = $9,
			assigned_to = $10,
			resolved_at = $11,
			resolved_by = $12,
			resolution_method = $13,
			resolution_notes = $14
		WHERE transaction_id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		ex.TransactionID,
		string(ex.Status),
		ex.Retryable,
		ex.RetryCount,
		ex.LastRetryAt,
		ex.AcknowledgedAt,
		nullable(ex.AcknowledgedBy),
		nullable(ex.AcknowledgmentReason),
		nullable(ex.AcknowledgmentNotes),
		nullable(ex.AssignedTo),
		ex.ResolvedAt,
		nullable(ex.ResolvedBy),
		nullable(string(ex.ResolutionMethod)),
		nullable(ex.ResolutionNotes),
	)
	if err != nil {
		return fmt.Errorf("failed to save exception: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save exception: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of exceptions in the given status.
func (r *ExceptionRepo) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM interface_exceptions WHERE status = $1`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count exceptions: %w", err)
	}
	return count, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
