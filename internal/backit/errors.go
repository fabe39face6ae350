package backit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCanceled is delivered when an operation is canceled before it produced a result.
var ErrCanceled = errors.New("operation canceled")

// ErrNotAuthenticated is returned when an operation needs a session token and none is stored.
var ErrNotAuthenticated = errors.New("not authenticated: run `backit login` first")

// ValidationError reports bad caller input: an empty message, an empty
// selection, a path outside the working tree. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NetworkError wraps a transport or HTTP failure. StatusCode is 0 when no
// response was received.
type NetworkError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthErrorKind classifies a terminal authorization failure.
type AuthErrorKind int

const (
	AuthOther AuthErrorKind = iota
	AuthExpired
	AuthDenied
	AuthRateLimited
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthExpired:
		return "expired"
	case AuthDenied:
		return "denied"
	case AuthRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}

// AuthError is a terminal failure of the device authorization flow.
// Code holds the raw error code returned by the token endpoint.
type AuthError struct {
	Kind        AuthErrorKind
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	msg := "authorization " + e.Kind.String()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// SubprocessFailure is a version-control command that exited unsuccessfully.
// Command never contains credentials.
// Output is the command's stdout, where git reports merge conflicts.
type SubprocessFailure struct {
	Command  string
	ExitCode int
	Stderr   string
	Output   string
	Err      error
}

func (e *SubprocessFailure) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	if s := strings.TrimSpace(e.Output); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *SubprocessFailure) Unwrap() error { return e.Err }

// PolicyViolation reports an operation that is well formed but not permitted
// in the current state, such as renaming a snapshot that is not HEAD.
type PolicyViolation struct {
	Reason string
}

func (e *PolicyViolation) Error() string { return "not permitted: " + e.Reason }

// IsPolicyViolation reports whether err is or wraps a PolicyViolation.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolation
	return errors.As(err, &pv)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
