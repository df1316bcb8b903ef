package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a backend operation failure
type Kind string

const (
	// KindNetwork is a connection-level failure. Recoverable.
	KindNetwork Kind = "network"

	// KindUnreachable is a 5xx from the server. Recoverable.
	KindUnreachable Kind = "unreachable"

	// KindTimeout is a request that exceeded its deadline. Recoverable.
	KindTimeout Kind = "timeout"

	// KindSessionNotFound is a 404 for a session operation.
	KindSessionNotFound Kind = "session_not_found"

	// KindServerNotFound marks a command aimed at an unknown server.
	KindServerNotFound Kind = "server_not_found"

	// KindPermissionDenied is a 403.
	KindPermissionDenied Kind = "permission_denied"

	// KindInvalidResponse is a body that failed to decode. Recoverable;
	// the next snapshot typically corrects it.
	KindInvalidResponse Kind = "invalid_response"

	// KindConfiguration is a startup-time configuration failure.
	KindConfiguration Kind = "configuration"
)

// Error is a classified backend failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether retrying later can succeed
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindNetwork, KindUnreachable, KindTimeout, KindInvalidResponse:
		return true
	}
	return false
}

// KindOf extracts the failure kind, or empty for foreign errors
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// classifyStatus maps a non-2xx HTTP status to an Error
func classifyStatus(op string, code int) *Error {
	switch {
	case code == http.StatusNotFound:
		return &Error{Kind: KindSessionNotFound, Op: op}
	case code == http.StatusForbidden:
		return &Error{Kind: KindPermissionDenied, Op: op}
	case code >= 500:
		return &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("status %d", code)}
	default:
		return &Error{Kind: KindInvalidResponse, Op: op, Err: fmt.Errorf("unexpected status %d", code)}
	}
}
