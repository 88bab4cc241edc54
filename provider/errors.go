package provider

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies a provider failure. The agent and the retry policy branch
// on it rather than on backend-specific error strings.
type Kind int

const (
	// KindAuthentication covers missing or rejected credentials.
	KindAuthentication Kind = iota
	// KindRateLimit covers throttling responses.
	KindRateLimit
	// KindServer covers backend 5xx responses.
	KindServer
	// KindContextLength covers prompts rejected for exceeding the model's
	// context window.
	KindContextLength
	// KindRequestFailed covers other request errors. Transport-level
	// failures are marked transient.
	KindRequestFailed
	// KindExecution covers malformed or unexpected backend responses.
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit_exceeded"
	case KindServer:
		return "server_error"
	case KindContextLength:
		return "context_length_exceeded"
	case KindRequestFailed:
		return "request_failed"
	case KindExecution:
		return "execution_error"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind      Kind
	Provider  string
	Status    int
	Message   string
	Cause     error
	Transient bool
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the retry policy should attempt the call again.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer:
		return true
	case KindRequestFailed:
		return e.Transient
	default:
		return false
	}
}

// AsError extracts a classified provider error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsContextLength reports whether err is a context-window overflow.
func IsContextLength(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Kind == KindContextLength
}

// classifyStatus maps an HTTP status and message to an error kind.
func classifyStatus(status int, msg string) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status == 400 && looksLikeContextOverflow(msg):
		return KindContextLength
	case status == 413:
		return KindContextLength
	default:
		return KindRequestFailed
	}
}

func looksLikeContextOverflow(msg string) bool {
	m := strings.ToLower(msg)
	for _, needle := range []string{
		"context length",
		"context window",
		"too long",
		"too many tokens",
		"maximum context",
		"prompt is too large",
	} {
		if strings.Contains(m, needle) {
			return true
		}
	}
	return false
}

// statusError builds a classified error from an HTTP-level failure.
func statusError(providerName string, status int, msg string, cause error) *Error {
	return &Error{
		Kind:     classifyStatus(status, msg),
		Provider: providerName,
		Status:   status,
		Message:  msg,
		Cause:    cause,
	}
}

// transportError builds a transient request failure for errors that never
// produced an HTTP response, e.g. connection resets.
func transportError(providerName string, cause error) *Error {
	return &Error{
		Kind:      KindRequestFailed,
		Provider:  providerName,
		Message:   cause.Error(),
		Cause:     cause,
		Transient: true,
	}
}

// executionError builds an error for malformed backend responses.
func executionError(providerName, msg string, cause error) *Error {
	return &Error{
		Kind:     KindExecution,
		Provider: providerName,
		Message:  msg,
		Cause:    cause,
	}
}
