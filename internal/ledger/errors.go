package ledger

import (
	"errors"
	"fmt"

	"coopstore/m/domain"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrMemberNotFound  = errors.New("member not found")
)

// InsufficientStockError reports a deduction that would have driven a
// product's stock below zero. Available is the true stock at failure time.
type InsufficientStockError struct {
	ProductID int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

// InsufficientCreditError reports a credit sale that would have pushed a
// member's balance past their limit.
type InsufficientCreditError struct {
	MemberID  int64
	Available domain.Amount
	Requested domain.Amount
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for member %d: available %s, requested %s",
		e.MemberID, e.Available, e.Requested)
}

// ExcessPaymentError reports a settlement larger than the member's balance.
type ExcessPaymentError struct {
	MemberID  int64
	Balance   domain.Amount
	Requested domain.Amount
}

func (e *ExcessPaymentError) Error() string {
	return fmt.Sprintf("payment exceeds balance for member %d: owed %s, paid %s",
		e.MemberID, e.Balance, e.Requested)
}
