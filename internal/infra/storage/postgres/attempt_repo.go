package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/biopro/exception-collector/internal/core/domain"
	"github.com/biopro/exception-collector/internal/infra/storage"
)

const uniqueViolation = "23505"

// AttemptRepo implements storage.RetryAttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL retry attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type attemptRow struct {
	ID                 string         `db:"id"`
	ExceptionID        string         `db:"exception_id"`
	TransactionID      string         `db:"transaction_id"`
	AttemptNumber      int            `db:"attempt_number"`
	Status             string         `db:"status"`
	PriorStatus        string         `db:"prior_status"`
	InitiatedBy        string         `db:"initiated_by"`
	InitiatedAt        time.Time      `db:"initiated_at"`
	CompletedAt        *time.Time     `db:"completed_at"`
	ResultSuccess      *bool          `db:"result_success"`
	ResultMessage      sql.NullString `db:"result_message"`
	ResultResponseCode sql.NullInt64  `db:"result_response_code"`
	ResultErrorDetails sql.NullString `db:"result_error_details"`
}

func (r attemptRow) toDomain() *domain.RetryAttempt {
	return &domain.RetryAttempt{
		ID:                 r.ID,
		ExceptionID:        r.ExceptionID,
		TransactionID:      r.TransactionID,
		AttemptNumber:      r.AttemptNumber,
		Status:             domain.RetryStatus(r.Status),
		PriorStatus:        domain.Status(r.PriorStatus),
		InitiatedBy:        r.InitiatedBy,
		InitiatedAt:        r.InitiatedAt,
		CompletedAt:        r.CompletedAt,
		ResultSuccess:      r.ResultSuccess,
		ResultMessage:      r.ResultMessage.String,
		ResultResponseCode: int(r.ResultResponseCode.Int64),
		ResultErrorDetails: r.ResultErrorDetails.String,
	}
}

const attemptColumns = `
	id, exception_id, transaction_id, attempt_number, status, prior_status,
	initiated_by, initiated_at, completed_at,
	result_success, result_message, result_response_code, result_error_details
`

// Append creates a new attempt, assigning attempt_number = max+1 inside the
// insert so numbering stays dense under concurrency. The partial unique
// index on (exception_id) WHERE status = 'PENDING' makes the single-pending
// invariant atomic; its violation maps to storage.ErrRetryPending. A
// concurrent clash on (exception_id, attempt_number) is retried.
func (r *AttemptRepo) Append(ctx context.Context, attempt *domain.RetryAttempt) (*domain.RetryAttempt, error) {
	query := `
		INSERT INTO retry_attempts (
			id, exception_id, transaction_id, attempt_number, status,
			prior_status, initiated_by, initiated_at
		)
		SELECT $1, $2, $3,
			COALESCE(MAX(attempt_number), 0) + 1,
			$4, $5, $6, $7
		FROM retry_attempts WHERE exception_id = $2
		RETURNING ` + attemptColumns

	for tries := 0; ; tries++ {
		id := attempt.ID
		if id == "" {
			id = uuid.NewString()
		}

		var row attemptRow
		err := r.db.GetContext(ctx, &row, query,
			id,
			attempt.ExceptionID,
			attempt.TransactionID,
			string(attempt.Status),
			string(attempt.PriorStatus),
			attempt.InitiatedBy,
			attempt.InitiatedAt,
		)
		if err == nil {
			return row.toDomain(), nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "retry_attempts_one_pending_idx" {
				return nil, storage.ErrRetryPending
			}
			// attempt_number collision with a concurrent insert
			if tries < 3 {
				continue
			}
		}
		return nil, fmt.Errorf("failed to append retry attempt: %w", err)
	}
}

// FindLatest retrieves the attempt with the highest attempt number.
func (r *AttemptRepo) FindLatest(ctx context.Context, exceptionID string) (*domain.RetryAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM retry_attempts
		WHERE exception_id = $1
		ORDER BY attempt_number DESC
		LIMIT 1
	`
	var row attemptRow
	err := r.db.GetContext(ctx, &row, query, exceptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return row.toDomain(), nil
}

// ListByException retrieves all attempts ordered by attempt number.
func (r *AttemptRepo) ListByException(ctx context.Context, exceptionID string) ([]*domain.RetryAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM retry_attempts
		WHERE exception_id = $1
		ORDER BY attempt_number ASC
	`
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, exceptionID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	attempts := make([]*domain.RetryAttempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.toDomain())
	}
	return attempts, nil
}

// Update persists a completed or cancelled attempt. The WHERE clause
// refuses to touch attempts already in a terminal status.
func (r *AttemptRepo) Update(ctx context.Context, attempt *domain.RetryAttempt) error {
	query := `
		UPDATE retry_attempts SET
			status = $2,
			completed_at = $3,
			result_success = $4,
			result_message = $5,
			result_response_code = $6,
			result_error_details = $7
		WHERE id = $1 AND status = 'PENDING'
	`
	var code sql.NullInt64
	if attempt.ResultResponseCode != 0 {
		code = sql.NullInt64{Int64: int64(attempt.ResultResponseCode), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		string(attempt.Status),
		attempt.CompletedAt,
		attempt.ResultSuccess,
		nullable(attempt.ResultMessage),
		code,
		nullable(attempt.ResultErrorDetails),
	)
	if err != nil {
		return fmt.Errorf("failed to update retry attempt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update retry attempt: %w", err)
	}
	if rows == 0 {
		return storage.ErrAttemptFinal
	}
	return nil
}
