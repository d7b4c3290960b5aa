package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountFromDecimal(t *testing.T) {
	a, err := AmountFromDecimal(decimal.RequireFromString("12.50"))
	require.NoError(t, err)
	assert.Equal(t, Amount(1250), a)

	a, err = AmountFromDecimal(decimal.RequireFromString("0"))
	require.NoError(t, err)
	assert.Equal(t, Amount(0), a)

	// Trailing zeros beyond two places still describe whole cents.
	a, err = AmountFromDecimal(decimal.RequireFromString("3.100"))
	require.NoError(t, err)
	assert.Equal(t, Amount(310), a)

	_, err = AmountFromDecimal(decimal.RequireFromString("0.005"))
	assert.Error(t, err)
}

func TestAmountArithmetic(t *testing.T) {
	price := Amount(1999)
	assert.Equal(t, Amount(5997), price.MulQty(3))
	assert.Equal(t, "19.99", price.String())
	assert.Equal(t, "19.99", price.Decimal().StringFixed(2))
}

func TestAmountJSONRoundTrip(t *testing.T) {
	out, err := json.Marshal(Amount(105))
	require.NoError(t, err)
	assert.Equal(t, `"1.05"`, string(out))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"42.10"`), &a))
	assert.Equal(t, Amount(4210), a)

	// Bare numbers are accepted too.
	require.NoError(t, json.Unmarshal([]byte(`7`), &a))
	assert.Equal(t, Amount(700), a)

	assert.Error(t, json.Unmarshal([]byte(`"1.005"`), &a))
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &a))
}

func TestTransactionItemDerivedValues(t *testing.T) {
	item := TransactionItem{Quantity: 4, UnitPrice: 500, BaseUnitPrice: 320}
	assert.Equal(t, Amount(2000), item.Subtotal())
	assert.Equal(t, Amount(720), item.Profit())
}
