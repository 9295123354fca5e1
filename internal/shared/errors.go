package shared

import "fmt"

var (
	// Configuration errors
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Workflow errors, pre-token failures are terminal for a single account
	ErrUpstreamRejection   = fmt.Errorf("upstream rejected request")
	ErrVerificationTimeout = fmt.Errorf("verification email not received")
	ErrLinkNotFound        = fmt.Errorf("verification link not found")
	ErrFinalizationFailed  = fmt.Errorf("registration finalization failed")
	ErrNoToken             = fmt.Errorf("no token in finalize response")
	ErrCancelled           = fmt.Errorf("cancellation requested")

	// Enrichment failures only downgrade a record
	ErrEnrichmentFailed = fmt.Errorf("enrichment failed")

	// Batch control errors
	ErrAlreadyRunning = fmt.Errorf("a batch is already running")
	ErrNotRunning     = fmt.Errorf("no batch is running")

	// Persistence errors
	ErrQuotaExhausted  = fmt.Errorf("storage quota exhausted")
	ErrAccountNotFound = fmt.Errorf("account not found")
	ErrDuplicate       = fmt.Errorf("account already exists")

	// Service errors
	ErrServiceUnavailable = fmt.Errorf("service unavailable")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
