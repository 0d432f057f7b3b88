package api

import "fmt"

// ErrorKind is the discriminant of the gateway error taxonomy.
type ErrorKind string

const (
	// ErrKindExhausted: no account with remaining quota. Terminal for the
	// request; the caller may add an account or try later.
	ErrKindExhausted ErrorKind = "accounts_exhausted"
	// ErrKindAuth: CSRF mismatch, consent denial, or a failed token
	// exchange/refresh/revoke. Never auto-retried beyond the refresh itself.
	ErrKindAuth ErrorKind = "auth"
	// ErrKindStream: upstream stream failure. Retryable says whether the
	// resilience layer may retry it; Attempts records how many were made.
	ErrKindStream ErrorKind = "stream"
	// ErrKindStorage: credential persistence I/O failure on write.
	// Read-side integrity failures degrade to "credential absent" instead.
	ErrKindStorage ErrorKind = "storage"
	// ErrKindValidation: malformed inbound request or tool call.
	ErrKindValidation ErrorKind = "validation"
)

// Error is the structured gateway error: a kind discriminant plus
// kind-specific payload fields.
type Error struct {
	Kind       ErrorKind
	Message    string
	HTTPStatus int  // upstream status for auth/stream kinds, 0 if n/a
	Attempts   int  // stream kind: attempts made before giving up
	Retryable  bool // stream kind: whether the failure class is retryable
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (after %d attempt(s))", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewExhaustedError reports that no active account has remaining daily quota.
func NewExhaustedError() *Error {
	return &Error{Kind: ErrKindExhausted, Message: "all accounts exhausted"}
}

// NewAuthError reports an authentication or token lifecycle failure.
// status is the upstream HTTP status, or 0 when the failure is local.
func NewAuthError(status int, message string, cause error) *Error {
	return &Error{Kind: ErrKindAuth, HTTPStatus: status, Message: message, Cause: cause}
}

// NewStreamError reports a stream failure wrapped with the attempt count.
func NewStreamError(attempts int, retryable bool, message string, cause error) *Error {
	return &Error{Kind: ErrKindStream, Attempts: attempts, Retryable: retryable, Message: message, Cause: cause}
}

// NewStorageError reports a credential persistence failure.
func NewStorageError(message string, cause error) *Error {
	return &Error{Kind: ErrKindStorage, Message: message, Cause: cause}
}

// NewValidationError reports a malformed request or tool call.
func NewValidationError(message string) *Error {
	return &Error{Kind: ErrKindValidation, Message: message}
}

// KindOf returns the error's kind, or "" for errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// IsExhausted reports whether err is the account-exhaustion condition.
func IsExhausted(err error) bool { return KindOf(err) == ErrKindExhausted }
