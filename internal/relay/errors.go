package relay

import "fmt"

// ValidationError rejects a request before any network or storage side
// effect. Handlers map it to 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransferError wraps an upstream failure (origin fetch, intermediate
// storage, publish chunk) with the stage it happened in. Handlers map it to
// 500 and keep the upstream detail for diagnosability.
type TransferError struct {
	Stage string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
