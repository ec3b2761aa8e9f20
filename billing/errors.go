/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with the helpers at the bottom of this file
  instead of matching strings.

ERROR CATEGORIES:
  1. Validation errors - Unknown ids, empty or foreign period lists
  2. Lifecycle errors - Illegal status edges, edits to paid invoices
  3. Concurrency errors - Optimistic compare-and-swap lost (retryable)
  4. Store errors - Wrapped and propagated untouched, never retried here

  Incomplete bill data is NOT an error: it surfaces as AllocationFlags.

SEE ALSO:
  - engine.go: Validates requests and wraps store failures
  - lifecycle.go: Transition and attachment errors
  - api/handlers.go: Maps these to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrPropertyNotFound      = errors.New("property not found")
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrBillNotFound          = errors.New("utility bill not found")
	ErrBillingPeriodNotFound = errors.New("billing period not found")
	ErrInvoiceNotFound       = errors.New("invoice not found")

	// ErrNoBillingPeriods is returned when an invoice is requested without periods.
	ErrNoBillingPeriods = errors.New("at least one billing period is required")

	// ErrPeriodOwnership is returned when a period belongs to another property or tenant.
	ErrPeriodOwnership = errors.New("billing period does not belong to property/tenant")

	// ErrDuplicatePeriod is returned when the same period id is listed twice.
	ErrDuplicatePeriod = errors.New("billing period listed more than once")

	// ErrInvalidPeriod is returned when a period is malformed (end not after start).
	ErrInvalidPeriod = errors.New("invalid period: end must be after start")

	// ErrInvalidTransition is returned for any status edge other than draft->sent->paid.
	ErrInvalidTransition = errors.New("invalid invoice status transition")

	// ErrInvoiceLocked is returned when attaching documents to a paid invoice.
	ErrInvoiceLocked = errors.New("invoice is paid and can no longer be modified")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateInvoiceNumber is returned by stores enforcing number uniqueness.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")

	// ErrAuditFailed wraps a failure of the audit sink after a state change.
	ErrAuditFailed = errors.New("audit log write failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError records the rejected edge.
type TransitionError struct {
	InvoiceID InvoiceID
	From      InvoiceStatus
	To        InvoiceStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invoice %s: cannot move from %s to %s", e.InvoiceID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidationError provides details about a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrNoBillingPeriods) ||
		errors.Is(err, ErrPeriodOwnership) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvoiceLocked)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPropertyNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrBillingPeriodNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
