// Package provider implements the LLM completion clients the pipeline and
// critic depend on. Clients are constructed explicitly and injected; there
// are no package-level singletons. Content parsing is never the provider's
// job: a Client either returns raw text or a *provider.Error.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Client is the completion capability consumed by the pipeline stages and
// the critic engine.
type Client interface {
	// Complete sends a single-user-message prompt and returns the raw
	// completion text. Failures are always *Error values.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options tunes a single completion call. Zero values defer to the
// client's configured defaults.
type Options struct {
	Temperature float64
	Seed        int // >0 pins sampling for reproducible A/B slots
	MaxTokens   int
}

// ErrKind classifies provider failures.
type ErrKind string

const (
	ErrTransport ErrKind = "transport"
	ErrAuth      ErrKind = "auth"
	ErrRateLimit ErrKind = "rate_limit"
)

// Error is the only error type Complete returns. It covers transport,
// auth, and rate-limit conditions; malformed completion content is not an
// error at this layer.
type Error struct {
	Kind       ErrKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsProviderError reports whether err is (or wraps) a *Error.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

func transportErr(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrTransport, Message: fmt.Sprintf(format, args...), Err: err}
}
