package intake

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrAmountMismatch   = errors.New("amount paid does not match price")
	ErrPartialIntake    = errors.New("order only partially persisted")
	ErrDuplicatePayment = errors.New("payment already used for an order")
)

type AmountMismatchError struct {
	Expected int64
	Paid     int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount paid %d does not match price %d", e.Paid, e.Expected)
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// PartialIntakeError reports an order whose records were not all persisted.
// The order has been flagged for manual reconciliation.
type PartialIntakeError struct {
	OrderID   string
	Created   int
	Requested int
	Err       error
}

func (e *PartialIntakeError) Error() string {
	return fmt.Sprintf("order %s: %d of %d records persisted: %v", e.OrderID, e.Created, e.Requested, e.Err)
}

func (e *PartialIntakeError) Unwrap() []error { return []error{ErrPartialIntake, e.Err} }
