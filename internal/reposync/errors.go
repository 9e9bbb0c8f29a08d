package reposync

import (
	"errors"
	"fmt"
)

// Code categorizes a transport failure.
type Code string

const (
	// CodeNotFound means the primary did not serve the repository.
	CodeNotFound Code = "NOT_FOUND"

	// CodeCorrupted means the local copy is unusable and must be re-downloaded.
	CodeCorrupted Code = "CORRUPTED"

	// CodeUnauthorized means the primary rejected our credentials.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeTransient covers network and other retryable failures.
	CodeTransient Code = "TRANSIENT"
)

// TransportError is a classified failure from a Fetcher or Primary.
type TransportError struct {
	Code Code
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err with code.
func NewTransportError(code Code, err error) *TransportError {
	return &TransportError{Code: code, Err: err}
}

// CodeOf returns the code of the first TransportError in err's chain, or
// CodeTransient for unclassified errors.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeTransient
}

// IsNotFound reports whether err is a NOT_FOUND transport error.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == CodeNotFound
}

// IsCorrupted reports whether err is a CORRUPTED transport error.
func IsCorrupted(err error) bool {
	return err != nil && CodeOf(err) == CodeCorrupted
}

// IsUnauthorized reports whether err is an UNAUTHORIZED transport error.
func IsUnauthorized(err error) bool {
	return err != nil && CodeOf(err) == CodeUnauthorized
}
