package domain

type Product struct {
	ID            int64  `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	SKU           string `db:"sku" json:"sku"`
	Price         Amount `db:"price_cents" json:"price"`
	BasePrice     Amount `db:"base_price_cents" json:"base_price"`
	StockQuantity int64  `db:"stock_quantity" json:"stock_quantity"`
	IsActive      bool   `db:"is_active" json:"is_active"`
	CreatedAt     string `db:"created_at" json:"created_at"`
	UpdatedAt     string `db:"updated_at" json:"updated_at"`
}
