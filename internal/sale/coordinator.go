// Package sale holds the transaction commitment engine: the one code path
// that turns a cart into a durable transaction while decrementing stock and,
// for credit sales, raising a member's revolving balance. Everything between
// validation and commit happens on a single database transaction.
package sale

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"coopstore/m/domain"
	"coopstore/m/internal/ledger"
	"coopstore/m/internal/notify"
)

const maxIdempotencyKeyLen = 64

// Line is one cart entry. Prices are the caller's snapshot; the engine does
// not re-price, it validates and records them.
type Line struct {
	ProductID     int64
	Quantity      int64
	UnitPrice     domain.Amount
	BaseUnitPrice domain.Amount
}

// Request describes a sale to commit.
type Request struct {
	Items          []Line
	PaymentMethod  domain.PaymentMethod
	OperatorID     int64
	MemberID       *int64
	ManualDiscount domain.Amount
	IdempotencyKey string
}

// Receipt is the caller-visible result of a committed sale. Replayed is true
// when an idempotency key short-circuited to a previously committed result.
type Receipt struct {
	TransactionID string
	Total         domain.Amount
	ItemCount     int
	Replayed      bool
}

// Coordinator orchestrates validation, the atomic multi-row mutation, and the
// post-commit notification side channel.
type Coordinator struct {
	db                *sqlx.DB
	notifier          notify.Notifier
	lowStockThreshold int64
}

func NewCoordinator(db *sqlx.DB, notifier notify.Notifier, lowStockThreshold int64) *Coordinator {
	return &Coordinator{db: db, notifier: notifier, lowStockThreshold: lowStockThreshold}
}

type lowStockAlert struct {
	productID int64
	name      string
	remaining int64
}

// CreateTransaction commits a sale or fails with a typed error, leaving all
// observable state untouched. See the package comment for the contract; the
// short version: validation happens before any I/O, stock deductions run in
// cart order with the first failure winning, credit sales check and raise the
// member balance inside the same transaction, and the header plus items are
// written before the single commit. Notifications run detached afterwards.
func (c *Coordinator) CreateTransaction(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	subtotal := domain.Amount(0)
	for _, line := range req.Items {
		subtotal += line.UnitPrice.MulQty(line.Quantity)
	}
	if req.ManualDiscount > subtotal {
		return nil, &ValidationError{Reason: "discount exceeds cart subtotal"}
	}
	total := subtotal - req.ManualDiscount

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		prior, count, err := ByIdempotencyKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return nil, &PersistenceError{Op: "idempotency lookup", Err: err}
		}
		if prior != nil {
			return &Receipt{
				TransactionID: prior.Reference,
				Total:         prior.TotalAmount,
				ItemCount:     count,
				Replayed:      true,
			}, nil
		}
	}

	customerName := "walk-in"
	if req.MemberID != nil {
		err := sqlx.GetContext(ctx, tx, &customerName,
			`SELECT name FROM members WHERE id = $1`, *req.MemberID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrMemberNotFound
		}
		if err != nil {
			return nil, &PersistenceError{Op: "member lookup", Err: err}
		}
	}

	if req.PaymentMethod == domain.PaymentCredit {
		available, err := ledger.AvailableCredit(ctx, tx, *req.MemberID)
		if err != nil {
			return nil, wrap("credit check", err)
		}
		if available < total {
			return nil, &ledger.InsufficientCreditError{
				MemberID:  *req.MemberID,
				Available: available,
				Requested: total,
			}
		}
	}

	var alerts []lowStockAlert
	for _, line := range req.Items {
		remaining, err := ledger.DeductStock(ctx, tx, line.ProductID, line.Quantity)
		if err != nil {
			return nil, wrap("stock deduction", err)
		}
		if remaining <= c.lowStockThreshold {
			var name string
			if err := sqlx.GetContext(ctx, tx, &name,
				`SELECT name FROM products WHERE id = $1`, line.ProductID); err != nil {
				return nil, &PersistenceError{Op: "product lookup", Err: err}
			}
			alerts = append(alerts, lowStockAlert{productID: line.ProductID, name: name, remaining: remaining})
		}
	}

	if req.PaymentMethod == domain.PaymentCredit {
		if _, err := ledger.IncreaseCredit(ctx, tx, *req.MemberID, total); err != nil {
			return nil, wrap("credit increase", err)
		}
	}

	header := domain.Transaction{
		Reference:      uuid.NewString(),
		UserID:         req.OperatorID,
		MemberID:       req.MemberID,
		TotalAmount:    total,
		ManualDiscount: req.ManualDiscount,
		PaymentMethod:  req.PaymentMethod,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		header.IdempotencyKey = &key
	}
	items := make([]domain.TransactionItem, len(req.Items))
	for i, line := range req.Items {
		items[i] = domain.TransactionItem{
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			BaseUnitPrice: line.BaseUnitPrice,
		}
	}
	if err := PersistTransaction(ctx, tx, &header, items); err != nil {
		// A concurrent retry with the same idempotency key may have committed
		// between our lookup and our insert; the unique index turns that into
		// a constraint error. Roll back first: the pool may hold exactly one
		// connection and the replay lookup needs it.
		_ = tx.Rollback()
		if receipt := c.replayAfterConflict(ctx, req.IdempotencyKey, err); receipt != nil {
			return receipt, nil
		}
		return nil, &PersistenceError{Op: "persist", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit", Err: err}
	}

	go c.notifyCommitted(header.Reference, customerName, total, len(items), alerts)

	return &Receipt{TransactionID: header.Reference, Total: total, ItemCount: len(items)}, nil
}

func (c *Coordinator) replayAfterConflict(ctx context.Context, key string, err error) *Receipt {
	if key == "" || !strings.Contains(err.Error(), "idempotency_key") {
		return nil
	}
	prior, count, lookupErr := ByIdempotencyKey(ctx, c.db, key)
	if lookupErr != nil || prior == nil {
		return nil
	}
	return &Receipt{
		TransactionID: prior.Reference,
		Total:         prior.TotalAmount,
		ItemCount:     count,
		Replayed:      true,
	}
}

func (c *Coordinator) notifyCommitted(reference, customerName string, total domain.Amount, itemCount int, alerts []lowStockAlert) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyPurchase(reference, customerName, total, itemCount); err != nil {
		log.Printf("purchase notification failed for %s: %v", reference, err)
	}
	for _, a := range alerts {
		if err := c.notifier.NotifyLowStock(a.productID, a.name, a.remaining); err != nil {
			log.Printf("low-stock notification failed for product %d: %v", a.productID, err)
		}
	}
}

func (r Request) validate() error {
	if len(r.Items) == 0 {
		return &ValidationError{Reason: "empty cart"}
	}
	for _, line := range r.Items {
		if line.ProductID <= 0 {
			return &ValidationError{Reason: "invalid product id"}
		}
		if line.Quantity <= 0 {
			return &ValidationError{Reason: "quantity must be positive"}
		}
		if line.UnitPrice < 0 || line.BaseUnitPrice < 0 {
			return &ValidationError{Reason: "prices must not be negative"}
		}
	}
	if !r.PaymentMethod.Valid() {
		return &ValidationError{Reason: "unknown payment method"}
	}
	if r.PaymentMethod == domain.PaymentCredit && r.MemberID == nil {
		return &ValidationError{Reason: "member required for credit"}
	}
	if r.OperatorID <= 0 {
		return &ValidationError{Reason: "operator required"}
	}
	if r.ManualDiscount < 0 {
		return &ValidationError{Reason: "discount must not be negative"}
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return &ValidationError{Reason: "idempotency key too long"}
	}
	return nil
}
