package providers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure codes surfaced to operators.
const (
	CodeAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	CodeMissingProviders   = "MISSING_PROVIDERS"
)

var (
	// ErrAllProvidersFailed matches every *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New(CodeAllProvidersFailed)

	// ErrMissingProviders is returned when a manager would start with no provider at all.
	ErrMissingProviders = errors.New(CodeMissingProviders + ": no generation provider is configured")
)

// Attempt describes what happened to one provider during a GenerateContent call.
type Attempt struct {
	Provider ID
	Skipped  bool // breaker was open, adapter not invoked
	Latency  time.Duration
	Err      error
}

// AllProvidersFailedError is returned when every configured provider was skipped or failed.
type AllProvidersFailedError struct {
	Attempts []Attempt
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	last := "no provider attempted"
	if e.LastErr != nil {
		last = e.LastErr.Error()
	}
	tried := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		tried = append(tried, string(a.Provider))
	}
	return fmt.Sprintf("%s: tried [%s]; last error: %s", CodeAllProvidersFailed, strings.Join(tried, ", "), last)
}

// Is makes errors.Is(err, ErrAllProvidersFailed) true.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes the last provider error.
func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}
