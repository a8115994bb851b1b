// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = dex.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error kinds of the wallet engine.
const (
	// ErrInsufficientFunds is an expected outcome of coin selection when the
	// eligible inputs cannot cover the outputs and fees.
	ErrInsufficientFunds = ErrorKind("Not enough balance. Try sending smaller amount")
	// ErrInvalidSignature means a freshly produced input signature did not
	// verify. The transaction attempt must be abandoned.
	ErrInvalidSignature = ErrorKind("invalid signature")
	// ErrNetworkUnavailable is the single user-facing network failure.
	ErrNetworkUnavailable = ErrorKind("bad network")
	// ErrProtocol indicates a malformed or unexpected server response.
	ErrProtocol = ErrorKind("protocol error")
	// ErrConfigInvalid indicates unusable configuration or wallet settings.
	ErrConfigInvalid = ErrorKind("invalid configuration")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided Error with details in a Error, facilitating the
// use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
