package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock adjustments.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficient indicates a guarded decrement would drive stock negative.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorProductNotFound indicates the product document is missing.
	StockErrorProductNotFound StockErrorCode = "stock_product_not_found"
)

// StockError wraps stock-specific failures with machine readable codes.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, productID string, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:      code,
		ProductID: productID,
		Message:   message,
		Err:       err,
	}
}
