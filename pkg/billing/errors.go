package billing

import (
	"errors"
	"fmt"
)

var (
	// Webhook authentication failures. Deliveries failing these are rejected
	// before any processing and must not be retried by the provider.
	ErrMissingSignature = errors.New("webhook signature header missing")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedPayload = errors.New("malformed webhook payload")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists for organization")

	// ErrEventAlreadyProcessed marks a delivery whose provider event id is
	// already recorded in the ledger. Treated as success by the processor.
	ErrEventAlreadyProcessed = errors.New("provider event already processed")

	// ErrVersionConflict is returned by the store when a compare-and-swap
	// write lost to a concurrent writer. Retried internally a bounded number
	// of times, then surfaced as a transient failure.
	ErrVersionConflict = errors.New("subscription was modified concurrently")

	// ErrProviderUnavailable wraps timeouts and 5xx responses from the
	// payment processor. Safe to retry.
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	// ErrProviderError wraps non-retryable payment processor failures.
	ErrProviderError = errors.New("billing provider request failed")

	// ErrPlanItemsMismatch indicates the provider subscription's line items
	// don't contain the catalog's base price for the stored tier, so seat
	// items cannot be located. Points at catalog/provider drift.
	ErrPlanItemsMismatch = errors.New("provider subscription items do not match tier catalog")

	ErrUnknownTier      = errors.New("unknown subscription tier")
	ErrInvalidCatalog   = errors.New("invalid tier catalog")
	ErrNoCheckoutURL    = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL      = errors.New("no portal URL returned from provider")
	ErrNoBillingProfile = errors.New("organization has no billing profile")
)

// ValidationError rejects a request and names the violated rule. The message
// is safe to surface to callers verbatim.
type ValidationError struct {
	Rule    string // machine-readable rule id, e.g. "seats.max"
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(rule, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports a computed state that must never be persisted.
// It signals a bug or external drift, not a user mistake.
type InvariantViolation struct {
	Invariant string
	Message   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Message)
}

func newInvariantViolation(invariant, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Invariant: invariant, Message: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsInvariantViolation(err error) bool {
	var e *InvariantViolation
	return errors.As(err, &e)
}

// IsAuthenticationError reports whether a webhook delivery was rejected
// before processing for a bad or missing signature or an unparseable body.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMalformedPayload)
}

// IsRetryable reports whether the operation may succeed if repeated:
// provider outages and lost optimistic-concurrency races.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrVersionConflict)
}
