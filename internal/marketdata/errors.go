package marketdata

import (
	"errors"
	"fmt"
)

// Resource names used in logs, metrics and errors.
const (
	ResourceScenario = "scenario"
	ResourceWallet   = "wallet"
)

// TransientDataError reports a scenario or wallet fetch that did not succeed
// within the retry budget. It only reaches callers when fallback is disabled.
type TransientDataError struct {
	Resource string
	ID       string
	Attempts int
	Err      error
}

func (e *TransientDataError) Error() string {
	return fmt.Sprintf("%s %s unavailable after %d attempt(s): %v", e.Resource, e.ID, e.Attempts, e.Err)
}

func (e *TransientDataError) Unwrap() error {
	return e.Err
}

// fallbackReason is the metric label for why sample data was substituted.
func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "retries_exhausted"
	}
}
