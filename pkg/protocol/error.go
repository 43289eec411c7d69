package protocol

import (
	"errors"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, upstream timeouts and connection resets clear up on their own, and the next poll
	// cycle is expected to succeed.
	Temporary() bool
}

var (
	// ErrNotAuthenticated indicates an operation needed an upstream session but none was
	// established.
	ErrNotAuthenticated = NewError("no upstream session: login has not succeeded", true)
	// ErrLoginRejected indicates the upstream answered a login request without issuing a token.
	// This usually means the credentials are wrong or the relay's address is not whitelisted.
	ErrLoginRejected = NewError("upstream rejected login", false)
	// ErrTokenRejected indicates the upstream no longer accepts the session token.
	ErrTokenRejected = NewError("upstream rejected session token", false)
	// ErrBadResponse indicates the upstream returned a payload that could not be decoded.
	ErrBadResponse = NewError("invalid upstream response", false)
	// ErrEmptyQuery indicates a client asked to track an empty set of devices.
	ErrEmptyQuery = errors.New("request must contain at least one device id")
	// ErrNoMatchingDevice indicates none of the requested devices has a cached position. It is an
	// answer, not a failure.
	ErrNoMatchingDevice = errors.New("no matching device")
)

// RelayError wraps an error with a transience hint.
type RelayError struct {
	Err               error
	PossibleTemporary bool
}

func NewError(message string, temporary bool) error {
	return &RelayError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *RelayError) Error() string {
	return e.Err.Error()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

func (e *RelayError) Temporary() bool {
	return e.PossibleTemporary
}

// Temporary returns true if err (or an error it wraps) indicates a possibly transient condition
// that does not require operator action to resolve.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}

// IsClientError returns true if err describes a problem with a client request rather than with
// the relay or the upstream.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrNoMatchingDevice)
}
