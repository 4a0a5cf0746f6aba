package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/harunnryd/callorch/pkg/resilience"
)

// Capability names one of the three provider roles a call binds.
type Capability string

const (
	CapabilityLLM Capability = "llm"
	CapabilityTTS Capability = "tts"
	CapabilitySTT Capability = "stt"
)

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
)

// ProviderError is the single error shape every provider returns, whatever its wire API.
type ProviderError struct {
	Provider   string
	Capability Capability
	Kind       ErrorKind
	Status     int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s %s (status %d): %s", e.Capability, e.Provider, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Capability, e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Transient() bool { return e.Kind == KindTransient }

// HTTPError classifies a non-2xx response: 408, 429 and 5xx are transient, other statuses fatal.
func HTTPError(provider string, capability Capability, status int, body string) error {
	kind := KindFatal
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		kind = KindTransient
	}
	var inner error = errors.New(strings.TrimSpace(truncate(body, 512)))
	if status == http.StatusTooManyRequests {
		inner = resilience.RateLimitError{Provider: provider, Message: truncate(body, 512)}
	}
	return &ProviderError{Provider: provider, Capability: capability, Kind: kind, Status: status, Err: inner}
}

// TransportError classifies a failure before any response arrived. Network faults are
// transient; a cancelled caller context is returned unchanged so it is never retried.
func TransportError(provider string, capability Capability, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	kind := KindFatal
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
		kind = KindTransient
	}
	return &ProviderError{Provider: provider, Capability: capability, Kind: kind, Err: err}
}

// Fatal wraps err as a non-retryable provider failure.
func Fatal(provider string, capability Capability, err error) error {
	return &ProviderError{Provider: provider, Capability: capability, Kind: KindFatal, Err: err}
}

// Transient wraps err as a retryable provider failure.
func Transient(provider string, capability Capability, err error) error {
	return &ProviderError{Provider: provider, Capability: capability, Kind: KindTransient, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
