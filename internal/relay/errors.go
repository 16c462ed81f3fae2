package relay

import (
	"errors"
	"fmt"
	"strings"

	"groupline/internal/domain"
)

var (
	ErrCredentialRejected = errors.New("relay: credential rejected by remote")
	ErrTokenUnavailable   = errors.New("relay: token unavailable from all endpoints")
)

// ValidationError names the offending field. It is resolved locally and
// never triggers a network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "relay: validation failed"
	}
	if e.Field == "" {
		return fmt.Sprintf("relay: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("relay: validation failed: %s: %s", e.Field, e.Reason)
}

// RemoteError wraps a failure derived from the remote API's response. The
// snippet is already truncated and never contains the credential.
type RemoteError struct {
	Code       string
	StatusCode int
	Snippet    string
	Cause      error
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "relay: remote error"
	}
	base := "relay: " + e.Code
	if e.StatusCode > 0 {
		base += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if s := strings.TrimSpace(e.Snippet); s != "" {
		base += ": " + s
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func credentialRejectedError(status int, snippet string) *RemoteError {
	return &RemoteError{
		Code:       domain.OutcomeCredentialRejected,
		StatusCode: status,
		Snippet:    snippet,
		Cause:      ErrCredentialRejected,
	}
}

func tokenUnavailableError(status int, snippet string) *RemoteError {
	return &RemoteError{
		Code:       domain.OutcomeTokenUnavailable,
		StatusCode: status,
		Snippet:    snippet,
		Cause:      ErrTokenUnavailable,
	}
}
