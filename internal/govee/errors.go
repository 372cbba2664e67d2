package govee

import (
	"errors"
	"fmt"
)

// ErrNoToken is returned by token sources that have nothing to offer.
var ErrNoToken = errors.New("no access token available")

// AuthError means no valid token could be obtained, including after a forced refresh.
// Callers must not retry; the session has to be re-established.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "session expired"
	}
	return fmt.Sprintf("session expired: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// VendorError is a non-2xx response other than an authentication failure.
type VendorError struct {
	Status  int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("vendor error %d: %s", e.Status, e.Message)
}

// TransportError means the request never produced a usable response
// (connection refused, timeout, truncated body).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
