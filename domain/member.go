package domain

type Member struct {
	ID            int64  `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	Phone         string `db:"phone" json:"phone"`
	CreditBalance Amount `db:"credit_balance_cents" json:"credit_balance"`
	CreditLimit   Amount `db:"credit_limit_cents" json:"credit_limit"`
	CreatedAt     string `db:"created_at" json:"created_at"`
}

// AvailableCredit is the headroom left before the member hits their limit.
func (m Member) AvailableCredit() Amount {
	return m.CreditLimit - m.CreditBalance
}

// MemberPayment records a settlement against a member's revolving balance.
type MemberPayment struct {
	ID        int64  `db:"id" json:"id"`
	MemberID  int64  `db:"member_id" json:"member_id"`
	UserID    int64  `db:"user_id" json:"user_id"`
	Amount    Amount `db:"amount_cents" json:"amount"`
	CreatedAt string `db:"created_at" json:"created_at"`
}
