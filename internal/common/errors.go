package common

import "errors"

// Error taxonomy shared by every package. Errors are wrapped with fmt.Errorf("%w")
// and matched with errors.Is; none of them is retried locally.
var (
	// ErrConfiguration marks missing or invalid configuration fields.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataAccess marks dataset download and read failures.
	ErrDataAccess = errors.New("data access error")
	// ErrDimensionMismatch marks model inputs or outputs whose shape does not fit.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrResourceExhausted marks accelerator memory exhaustion.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrIndexOutOfRange marks dataset indexes outside the active subset.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrDeviceMismatch marks a batch placed on a different device than the model.
	ErrDeviceMismatch = errors.New("device mismatch")
)
