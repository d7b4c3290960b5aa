// Package ledger owns the two cross-request shared mutable resources of the
// store: product stock and member credit balances. Every mutation is a single
// conditional UPDATE so the invariant (stock never negative, balance never
// above limit) is enforced by the datastore, not by a read-then-write in
// application code. Callers pass the unit-of-work handle explicitly; the
// ledger never opens its own transactions.
package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// DeductStock decrements a product's stock by qty, but only if at least qty
// units remain. It returns the stock level after the deduction. Two concurrent
// deductions against the same product serialize on the row condition, so the
// combined effect never oversells.
func DeductStock(ctx context.Context, ext sqlx.ExtContext, productID, qty int64) (int64, error) {
	res, err := ext.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND is_active = 1 AND stock_quantity >= $3`,
		qty, productID, qty)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		var available int64
		err := sqlx.GetContext(ctx, ext, &available,
			`SELECT stock_quantity FROM products WHERE id = $1 AND is_active = 1`, productID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, &InsufficientStockError{ProductID: productID, Available: available, Requested: qty}
	}

	var remaining int64
	if err := sqlx.GetContext(ctx, ext, &remaining,
		`SELECT stock_quantity FROM products WHERE id = $1`, productID); err != nil {
		return 0, err
	}
	return remaining, nil
}

// RestoreStock is the compensating inverse of DeductStock. The coordinator
// relies on transaction rollback instead; this exists for callers without a
// transactional handle (e.g. voiding a committed sale).
func RestoreStock(ctx context.Context, ext sqlx.ExtContext, productID, qty int64) error {
	return addStock(ctx, ext, productID, qty)
}

// Restock increases a product's stock after a delivery and returns the new
// stock level.
func Restock(ctx context.Context, ext sqlx.ExtContext, productID, qty int64) (int64, error) {
	if err := addStock(ctx, ext, productID, qty); err != nil {
		return 0, err
	}
	var remaining int64
	if err := sqlx.GetContext(ctx, ext, &remaining,
		`SELECT stock_quantity FROM products WHERE id = $1`, productID); err != nil {
		return 0, err
	}
	return remaining, nil
}

func addStock(ctx context.Context, ext sqlx.ExtContext, productID, qty int64) error {
	res, err := ext.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`,
		qty, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProductNotFound
	}
	return nil
}
