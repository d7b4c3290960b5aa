package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"coopstore/m/domain"
)

// AvailableCredit returns the member's remaining headroom (limit - balance).
// Call it on the same unit-of-work handle as the later IncreaseCredit; the
// increase re-checks the limit anyway, so a stale read can reorder an error
// but never break the invariant.
func AvailableCredit(ctx context.Context, ext sqlx.ExtContext, memberID int64) (domain.Amount, error) {
	var available int64
	err := sqlx.GetContext(ctx, ext, &available,
		`SELECT credit_limit_cents - credit_balance_cents FROM members WHERE id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMemberNotFound
	}
	if err != nil {
		return 0, err
	}
	return domain.Amount(available), nil
}

// IncreaseCredit adds amount to the member's balance, but only if the result
// stays within their credit limit. Returns the new balance.
func IncreaseCredit(ctx context.Context, ext sqlx.ExtContext, memberID int64, amount domain.Amount) (domain.Amount, error) {
	res, err := ext.ExecContext(ctx, `
		UPDATE members
		SET credit_balance_cents = credit_balance_cents + $1
		WHERE id = $2 AND credit_balance_cents + $3 <= credit_limit_cents`,
		int64(amount), memberID, int64(amount))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		available, err := AvailableCredit(ctx, ext, memberID)
		if err != nil {
			return 0, err
		}
		return 0, &InsufficientCreditError{MemberID: memberID, Available: available, Requested: amount}
	}
	return balance(ctx, ext, memberID)
}

// SettleCredit records a payment against the member's balance. The payment
// may not exceed what is owed. Returns the new balance.
func SettleCredit(ctx context.Context, ext sqlx.ExtContext, memberID int64, amount domain.Amount) (domain.Amount, error) {
	res, err := ext.ExecContext(ctx, `
		UPDATE members
		SET credit_balance_cents = credit_balance_cents - $1
		WHERE id = $2 AND credit_balance_cents >= $3`,
		int64(amount), memberID, int64(amount))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		owed, err := balance(ctx, ext, memberID)
		if err != nil {
			return 0, err
		}
		return 0, &ExcessPaymentError{MemberID: memberID, Balance: owed, Requested: amount}
	}
	return balance(ctx, ext, memberID)
}

func balance(ctx context.Context, ext sqlx.ExtContext, memberID int64) (domain.Amount, error) {
	var owed int64
	err := sqlx.GetContext(ctx, ext, &owed,
		`SELECT credit_balance_cents FROM members WHERE id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMemberNotFound
	}
	if err != nil {
		return 0, err
	}
	return domain.Amount(owed), nil
}
