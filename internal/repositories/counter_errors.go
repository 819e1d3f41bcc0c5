package repositories

import "fmt"

// CounterErrorCode classifies counter failures so callers can map them to
// API error responses without string matching.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the counter hit its configured maximum and
	// cannot advance.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError carries a machine-readable code alongside the failure detail.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError builds a CounterError, defaulting the message to the code.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}
