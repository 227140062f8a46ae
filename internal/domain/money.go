package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultCurrency 默认结算币种
const DefaultCurrency = "KRW"

// Price 商品价格：原价与秒杀价，同一币种
type Price struct {
	Regular  decimal.Decimal `json:"regular"`
	Sale     decimal.Decimal `json:"sale"`
	Currency string          `json:"currency"`
}

// NewPrice 创建价格，秒杀价必须为正且不高于原价
func NewPrice(regular, sale decimal.Decimal, currency string) (Price, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return Price{}, validationf("currency must be an ISO 4217 code, got %q", currency)
	}
	if !sale.IsPositive() {
		return Price{}, validationf("sale price must be positive")
	}
	if regular.LessThan(sale) {
		return Price{}, validationf("sale price %s exceeds regular price %s", sale, regular)
	}
	return Price{Regular: regular, Sale: sale, Currency: currency}, nil
}

// LineTotal 秒杀价 x 数量
func (p Price) LineTotal(q Quantity) decimal.Decimal {
	return p.Sale.Mul(decimal.NewFromInt(q.Int64()))
}
