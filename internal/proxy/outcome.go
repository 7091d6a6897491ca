package proxy

// Outcome classifies how a proxied request ended.
type Outcome string

// Request outcomes.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeBackendError    Outcome = "backend_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeRejectedByGuard Outcome = "rejected_by_guard"
	OutcomeTruncated       Outcome = "truncated"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeTooLarge        Outcome = "request_too_large"
	// OutcomeCanceled is a client that went away. It is never held against
	// the backend.
	OutcomeCanceled Outcome = "canceled"
)

// backendFault reports whether the outcome counts as a backend failure for
// the error breaker.
func (o Outcome) backendFault() bool {
	return o == OutcomeBackendError || o == OutcomeTimeout || o == OutcomeTruncated
}
