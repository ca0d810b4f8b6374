// Package validation implements the structural, business-rule and
// authorization checks that gate every mutation operation. Checks are pure:
// they inspect inputs and loaded records and return coded violations, never
// touching state.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/biopro/exception-collector/internal/core/domain"
)

// Error code families. VALIDATION_* violations are recoverable by
// resubmitting corrected input, BUSINESS_* signal a domain constraint,
// SECURITY_* an authorization failure.
const (
	CodeInvalidFormat     = "VALIDATION_001"
	CodeMissingField      = "VALIDATION_002"
	CodeDuplicateIDs      = "VALIDATION_003"
	CodeFieldTooLong      = "VALIDATION_004"
	CodeListTooLarge      = "VALIDATION_005"
	CodeDateRangeTooWide  = "VALIDATION_006"
	CodeTooManyFilters    = "VALIDATION_007"
	CodeNotFound          = "BUSINESS_001"
	CodeNotRetryable      = "BUSINESS_002"
	CodeRetryLimitReached = "BUSINESS_003"
	CodeInvalidStatus     = "BUSINESS_004"
	CodeRetryPending      = "BUSINESS_005"
	CodeAlreadyResolved   = "BUSINESS_006"
	CodeNoRetryPending    = "BUSINESS_007"
	CodeInsufficientRole  = "SECURITY_001"
	CodeUnknownCaller     = "SECURITY_002"
	CodeBulkLimitExceeded = "SECURITY_003"
)

// Error is one coded violation returned to the caller.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Path       string         `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Roles understood by the authorization layer.
const (
	RoleViewer     = "VIEWER"
	RoleOperations = "OPERATIONS"
	RoleAdmin      = "ADMIN"
)

// Caller identifies the user on whose behalf an operation runs.
type Caller struct {
	User  string
	Roles []string
}

// HasRole reports whether the caller holds the given role.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c Caller) privileged() bool {
	return c.HasRole(RoleAdmin)
}

// Limits holds the structural caps. Zero values fall back to defaults.
type Limits struct {
	MaxReasonLength  int           `yaml:"max_reason_length"`
	MaxNotesLength   int           `yaml:"max_notes_length"`
	MaxBulkSize      int           `yaml:"max_bulk_size"`
	MaxBulkSizeBasic int           `yaml:"max_bulk_size_basic"`
	MaxDateRange     time.Duration `yaml:"max_date_range"`
	MaxFilterValues  int           `yaml:"max_filter_values"`
}

// DefaultLimits mirror the platform-wide caps.
func DefaultLimits() Limits {
	return Limits{
		MaxReasonLength:  500,
		MaxNotesLength:   1000,
		MaxBulkSize:      100,
		MaxBulkSizeBasic: 10,
		MaxDateRange:     90 * 24 * time.Hour,
		MaxFilterValues:  20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxReasonLength == 0 {
		l.MaxReasonLength = d.MaxReasonLength
	}
	if l.MaxNotesLength == 0 {
		l.MaxNotesLength = d.MaxNotesLength
	}
	if l.MaxBulkSize == 0 {
		l.MaxBulkSize = d.MaxBulkSize
	}
	if l.MaxBulkSizeBasic == 0 {
		l.MaxBulkSizeBasic = d.MaxBulkSizeBasic
	}
	if l.MaxDateRange == 0 {
		l.MaxDateRange = d.MaxDateRange
	}
	if l.MaxFilterValues == 0 {
		l.MaxFilterValues = d.MaxFilterValues
	}
	return l
}

var transactionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Service runs the three validation layers.
type Service struct {
	limits Limits
}

// NewService creates a validation service with the given limits.
func NewService(limits Limits) *Service {
	return &Service{limits: limits.withDefaults()}
}

// Limits returns the effective caps.
func (s *Service) Limits() Limits {
	return s.limits
}

// -----------------------------------------------------------------------------
// Structural layer
// -----------------------------------------------------------------------------

// CheckTransactionID validates presence and format of a transaction ID.
func (s *Service) CheckTransactionID(transactionID string) []Error {
	if strings.TrimSpace(transactionID) == "" {
		return []Error{{
			Code:    CodeMissingField,
			Message: "Transaction ID is required",
			Path:    "transactionId",
		}}
	}
	if !transactionIDPattern.MatchString(transactionID) {
		return []Error{{
			Code:    CodeInvalidFormat,
			Message: "Transaction ID must be 1-50 characters of letters, digits, hyphen or underscore",
			Path:    "transactionId",
		}}
	}
	return nil
}

// CheckReason validates a required reason field against the length cap.
func (s *Service) CheckReason(reason, path string) []Error {
	if strings.TrimSpace(reason) == "" {
		return []Error{{
			Code:    CodeMissingField,
			Message: "Reason is required",
			Path:    path,
		}}
	}
	if len(reason) > s.limits.MaxReasonLength {
		return []Error{{
			Code:    CodeFieldTooLong,
			Message: fmt.Sprintf("Reason exceeds maximum length of %d characters", s.limits.MaxReasonLength),
			Path:    path,
		}}
	}
	return nil
}

// CheckNotes validates an optional notes field against the length cap.
func (s *Service) CheckNotes(notes, path string) []Error {
	if len(notes) > s.limits.MaxNotesLength {
		return []Error{{
			Code:    CodeFieldTooLong,
			Message: fmt.Sprintf("Notes exceed maximum length of %d characters", s.limits.MaxNotesLength),
			Path:    path,
		}}
	}
	return nil
}

// CheckDateRange validates a reporting/filter range against the maximum span.
func (s *Service) CheckDateRange(from, to time.Time) []Error {
	if to.Before(from) {
		return []Error{{
			Code:    CodeInvalidFormat,
			Message: "Date range end precedes start",
			Path:    "dateRange",
		}}
	}
	if to.Sub(from) > s.limits.MaxDateRange {
		return []Error{{
			Code:    CodeDateRangeTooWide,
			Message: fmt.Sprintf("Date range exceeds maximum span of %s", s.limits.MaxDateRange),
			Path:    "dateRange",
		}}
	}
	return nil
}

// CheckFilterValues validates a multi-select filter against the value cap.
func (s *Service) CheckFilterValues(path string, values []string) []Error {
	if len(values) > s.limits.MaxFilterValues {
		return []Error{{
			Code:    CodeTooManyFilters,
			Message: fmt.Sprintf("Filter %q exceeds maximum of %d values", path, s.limits.MaxFilterValues),
			Path:    path,
		}}
	}
	return nil
}

// CheckBulkTransactionIDs validates a bulk id list: absolute size cap and
// duplicate detection. Duplicates reject the whole batch with a single
// error listing the offending ids.
func (s *Service) CheckBulkTransactionIDs(transactionIDs []string) []Error {
	var errs []Error
	if len(transactionIDs) == 0 {
		errs = append(errs, Error{
			Code:    CodeMissingField,
			Message: "Transaction ID list is required",
			Path:    "transactionIds",
		})
		return errs
	}
	if len(transactionIDs) > s.limits.MaxBulkSize {
		errs = append(errs, Error{
			Code:    CodeListTooLarge,
			Message: fmt.Sprintf("Bulk request exceeds maximum size of %d", s.limits.MaxBulkSize),
			Path:    "transactionIds",
		})
	}

	seen := make(map[string]int, len(transactionIDs))
	var dups []string
	for _, id := range transactionIDs {
		seen[id]++
		if seen[id] == 2 {
			dups = append(dups, id)
		}
	}
	if len(dups) > 0 {
		errs = append(errs, Error{
			Code:    CodeDuplicateIDs,
			Message: fmt.Sprintf("Duplicate transaction IDs in bulk request: %s", strings.Join(dups, ", ")),
			Path:    "transactionIds",
		})
	}
	return errs
}

// -----------------------------------------------------------------------------
// Authorization layer
// -----------------------------------------------------------------------------

// Authorize checks that the caller may perform the named operation.
func (s *Service) Authorize(caller Caller, operation string) []Error {
	if caller.User == "" {
		return []Error{{
			Code:    CodeUnknownCaller,
			Message: "Caller identity is required",
		}}
	}
	if !caller.HasRole(RoleOperations) && !caller.HasRole(RoleAdmin) {
		return []Error{{
			Code:    CodeInsufficientRole,
			Message: fmt.Sprintf("Insufficient permissions for operation %q", operation),
		}}
	}
	return nil
}

// AuthorizeBulk checks the role-dependent bulk size cap. Non-privileged
// callers face a lower cap than admins.
func (s *Service) AuthorizeBulk(caller Caller, operation string, size int) []Error {
	if errs := s.Authorize(caller, operation); len(errs) > 0 {
		return errs
	}
	limit := s.limits.MaxBulkSizeBasic
	if caller.privileged() {
		limit = s.limits.MaxBulkSize
	}
	if size > limit {
		return []Error{{
			Code: CodeBulkLimitExceeded,
			Message: fmt.Sprintf("Bulk request size %d exceeds maximum allowed limit of %d for this role",
				size, limit),
			Path: "transactionIds",
		}}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Business-rule layer
// -----------------------------------------------------------------------------

// NotFoundError builds the BUSINESS_001 violation for a missing exception.
func NotFoundError(transactionID string) Error {
	return Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("Exception not found for transaction: %s", transactionID),
	}
}

// CheckRetryRules validates the domain constraints for admitting a retry.
// Status admissibility follows the lifecycle transition table: retry is
// allowed only from states that may enter RETRY_PENDING. latest may be nil
// when the exception has no attempts yet.
func (s *Service) CheckRetryRules(ex *domain.InterfaceException, latest *domain.RetryAttempt) []Error {
	var errs []Error

	if !ex.Retryable {
		errs = append(errs, Error{
			Code:    CodeNotRetryable,
			Message: fmt.Sprintf("Exception is not retryable for transaction: %s", ex.TransactionID),
		})
	}
	pending := latest != nil && latest.Status == domain.RetryStatusPending
	switch {
	case pending || ex.Status == domain.StatusRetryPending:
		errs = append(errs, Error{
			Code:    CodeRetryPending,
			Message: fmt.Sprintf("A retry is already pending for transaction: %s", ex.TransactionID),
		})
	case !ex.Status.CanTransitionTo(domain.StatusRetryPending):
		errs = append(errs, Error{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("Retry not allowed in status: %s", ex.Status),
		})
	}
	if ex.RetriesExhausted() {
		errs = append(errs, Error{
			Code: CodeRetryLimitReached,
			Message: fmt.Sprintf("Maximum retry count of %d exceeded for transaction: %s",
				ex.MaxRetries, ex.TransactionID),
		})
	}
	return errs
}

// CheckAcknowledgeRules validates the domain constraints for acknowledging.
func (s *Service) CheckAcknowledgeRules(ex *domain.InterfaceException) []Error {
	if ex.Status.IsTerminal() {
		return []Error{{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("Cannot acknowledge exception in status: %s", ex.Status),
		}}
	}
	if !ex.Status.CanAcknowledge() {
		return []Error{{
			Code:    CodeInvalidStatus,
			Message: fmt.Sprintf("Acknowledge not allowed in status: %s", ex.Status),
		}}
	}
	return nil
}

// CheckResolveRules validates the domain constraints for resolving.
func (s *Service) CheckResolveRules(ex *domain.InterfaceException) []Error {
	if ex.Status.IsTerminal() {
		return []Error{{
			Code:    CodeAlreadyResolved,
			Message: fmt.Sprintf("Exception already terminal in status: %s", ex.Status),
		}}
	}
	return nil
}

// CheckCancelRules validates the domain constraints for cancelling a retry.
func (s *Service) CheckCancelRules(ex *domain.InterfaceException, latest *domain.RetryAttempt) []Error {
	if latest == nil || latest.Status != domain.RetryStatusPending {
		return []Error{{
			Code:    CodeNoRetryPending,
			Message: fmt.Sprintf("No pending retry to cancel for transaction: %s", ex.TransactionID),
		}}
	}
	return nil
}
