package resilience

import "errors"

// RateLimitError is a provider 429. It is always retryable.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return e.Provider + ": rate limited"
	}
	return e.Message
}

func (RateLimitError) Transient() bool { return true }

func IsRateLimit(err error) bool {
	return errors.As(err, new(RateLimitError))
}

// IsTransient reports whether any error in the chain declares itself transient.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return err != nil && errors.As(err, &t) && t.Transient()
}
