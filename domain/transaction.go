package domain

// PaymentMethod distinguishes cash sales from sales booked against a member's
// revolving credit.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCredit
}

// Transaction is a committed sale header. Headers are immutable once written.
type Transaction struct {
	ID             int64         `db:"id" json:"id"`
	Reference      string        `db:"reference" json:"reference"`
	UserID         int64         `db:"user_id" json:"user_id"`
	MemberID       *int64        `db:"member_id" json:"member_id,omitempty"`
	TotalAmount    Amount        `db:"total_cents" json:"total_amount"`
	ManualDiscount Amount        `db:"discount_cents" json:"manual_discount"`
	PaymentMethod  PaymentMethod `db:"payment_method" json:"payment_method"`
	IdempotencyKey *string       `db:"idempotency_key" json:"-"`
	CreatedAt      string        `db:"created_at" json:"created_at"`
}

// TransactionItem is one cart line, priced at the moment of sale.
type TransactionItem struct {
	ID            int64  `db:"id" json:"id"`
	TransactionID int64  `db:"transaction_id" json:"transaction_id"`
	ProductID     int64  `db:"product_id" json:"product_id"`
	Quantity      int64  `db:"quantity" json:"quantity"`
	UnitPrice     Amount `db:"unit_price_cents" json:"unit_price"`
	BaseUnitPrice Amount `db:"base_unit_price_cents" json:"base_unit_price"`
}

func (it TransactionItem) Subtotal() Amount {
	return it.UnitPrice.MulQty(it.Quantity)
}

func (it TransactionItem) Profit() Amount {
	return (it.UnitPrice - it.BaseUnitPrice).MulQty(it.Quantity)
}
