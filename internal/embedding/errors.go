package embedding

// criticalError marks failures that must stop the job instead of being
// absorbed into per-item retries.
type criticalError struct {
	msg string
}

func (e *criticalError) Error() string  { return e.msg }
func (e *criticalError) Critical() bool { return true }

var (
	// ErrQuotaExceeded is returned once the per-day embedding budget is used up.
	ErrQuotaExceeded error = &criticalError{
		msg: "CRITICAL: Daily embedding quota exceeded. Analysis cannot continue until the quota resets.",
	}

	// ErrMissingCredential is returned when the embedding provider needs an
	// API key and none is configured.
	ErrMissingCredential error = &criticalError{
		msg: "CRITICAL: Embedding provider API key is not configured.",
	}
)
