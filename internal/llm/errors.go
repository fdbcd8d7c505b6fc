package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindMissingCredential   ErrorKind = "missing_credential"
	KindUnsupportedProvider ErrorKind = "unsupported_provider"
	KindInvalidConversation ErrorKind = "invalid_conversation"
	KindVendor              ErrorKind = "vendor"
	KindTransport           ErrorKind = "transport"
)

// Error is the only error type returned by the gateway.
//
// Body holds the raw vendor response body for KindVendor. It is meant for
// logs and must not be shown to end users.
type Error struct {
	Kind     ErrorKind
	Provider ProviderName
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMissingCredential:
		return fmt.Sprintf("llm %s: credential not configured: %v", e.Provider, e.Err)
	case KindUnsupportedProvider:
		return fmt.Sprintf("llm: unsupported provider %q", e.Provider)
	case KindVendor:
		return fmt.Sprintf("llm %s: http %d: %s", e.Provider, e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimit reports whether the vendor rejected the call with 429.
func (e *Error) IsRateLimit() bool {
	return e.Kind == KindVendor && e.Status == http.StatusTooManyRequests
}

// AsError unwraps err into an *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not a gateway error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// IsRateLimit reports whether err is a vendor 429.
func IsRateLimit(err error) bool {
	e, ok := AsError(err)
	return ok && e.IsRateLimit()
}
