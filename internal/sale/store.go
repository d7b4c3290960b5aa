package sale

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"coopstore/m/domain"
)

// PersistTransaction writes the header and all of its line items on the given
// unit of work. The generated header id is written back into header and the
// items. Nothing is durable until the caller commits; on failure the rollback
// leaves no orphan rows.
func PersistTransaction(ctx context.Context, tx *sqlx.Tx, header *domain.Transaction, items []domain.TransactionItem) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO transactions (reference, user_id, member_id, total_cents, discount_cents, payment_method, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		header.Reference, header.UserID, header.MemberID,
		int64(header.TotalAmount), int64(header.ManualDiscount),
		string(header.PaymentMethod), header.IdempotencyKey).Scan(&header.ID)
	if err != nil {
		return err
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price_cents, base_unit_price_cents)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range items {
		items[i].TransactionID = header.ID
		if _, err := stmt.ExecContext(ctx, header.ID, items[i].ProductID, items[i].Quantity,
			int64(items[i].UnitPrice), int64(items[i].BaseUnitPrice)); err != nil {
			return err
		}
	}
	return nil
}

// ByIdempotencyKey returns the committed transaction previously recorded for
// key, with its item count, or (nil, 0, nil) when the key is unused.
func ByIdempotencyKey(ctx context.Context, ext sqlx.ExtContext, key string) (*domain.Transaction, int, error) {
	var header domain.Transaction
	err := sqlx.GetContext(ctx, ext, &header, `
		SELECT id, reference, user_id, member_id, total_cents, discount_cents, payment_method, idempotency_key, created_at
		FROM transactions WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var count int
	if err := sqlx.GetContext(ctx, ext, &count,
		`SELECT COUNT(*) FROM transaction_items WHERE transaction_id = $1`, header.ID); err != nil {
		return nil, 0, err
	}
	return &header, count, nil
}

// ByReference loads a committed transaction and its items for receipts and
// reporting reads.
func ByReference(ctx context.Context, ext sqlx.ExtContext, reference string) (*domain.Transaction, []domain.TransactionItem, error) {
	var header domain.Transaction
	err := sqlx.GetContext(ctx, ext, &header, `
		SELECT id, reference, user_id, member_id, total_cents, discount_cents, payment_method, idempotency_key, created_at
		FROM transactions WHERE reference = $1`, reference)
	if err != nil {
		return nil, nil, err
	}
	var items []domain.TransactionItem
	err = sqlx.SelectContext(ctx, ext, &items, `
		SELECT id, transaction_id, product_id, quantity, unit_price_cents, base_unit_price_cents
		FROM transaction_items WHERE transaction_id = $1 ORDER BY id`, header.ID)
	if err != nil {
		return nil, nil, err
	}
	return &header, items, nil
}
