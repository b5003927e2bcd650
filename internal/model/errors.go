package model

import "errors"

// ErrFallbackTooLarge is returned when an opaque fallback body exceeds the
// configured buffering limit.
var ErrFallbackTooLarge = errors.New("fallback body exceeds buffering limit")

// PrimaryFetchError means the primary attempt could not produce a readable
// stream. It is absorbed by switching to the fallback attempt.
type PrimaryFetchError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *PrimaryFetchError) Error() string { return "primary fetch: " + e.Err.Error() }
func (e *PrimaryFetchError) Unwrap() error { return e.Err }

// PumpError is a failure after streaming began. Op is "read" for upstream
// failures and "write" when the caller side stopped accepting bytes.
type PumpError struct {
	Op      string
	Written int64
	Err     error
}

func (e *PumpError) Error() string { return "pump " + e.Op + ": " + e.Err.Error() }
func (e *PumpError) Unwrap() error { return e.Err }

// FallbackFetchError means the degraded opaque attempt failed as well.
// Its message is what the caller sees in the 500 response.
type FallbackFetchError struct {
	Err error
}

func (e *FallbackFetchError) Error() string { return e.Err.Error() }
func (e *FallbackFetchError) Unwrap() error { return e.Err }
