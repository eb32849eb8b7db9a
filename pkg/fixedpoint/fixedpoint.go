// Package fixedpoint implements the integer price/quantity arithmetic used
// throughout the trading core. Floating-point values appear only at the
// ingress/egress boundary; everything on the hot path is int64 ticks and lots.
package fixedpoint

import (
	"math"
	"math/big"

	"github.com/argentumfx/core/pkg/types"
)

const (
	// PriceScale is the number of price_ticks per unit price (1 tick = 1e-6).
	PriceScale int64 = 1_000_000
	// QuantityScale is the number of quantity_lots per unit quantity (1 lot = 1e-6).
	QuantityScale int64 = 1_000_000
	// NotionalScale is the combined scale of a price_ticks * quantity_lots product.
	NotionalScale int64 = PriceScale * QuantityScale
)

// roundToInt64 scales value by scale and rounds to the nearest integer,
// ties away from zero, saturating at the int64 bounds. Non-finite inputs
// yield zero.
func roundToInt64(value float64, scale int64) int64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	scaled := value * float64(scale)
	if scaled > math.MaxInt64 {
		return math.MaxInt64
	}
	if scaled < math.MinInt64 {
		return math.MinInt64
	}
	if scaled >= 0 {
		return int64(math.Floor(scaled + 0.5))
	}
	return int64(math.Ceil(scaled - 0.5))
}

func toFloat(value int64, scale int64) float64 {
	return float64(value) / float64(scale)
}

// ToPriceTicks converts a floating-point price into price_ticks.
func ToPriceTicks(price float64) int64 { return roundToInt64(price, PriceScale) }

// ToQuantityLots converts a floating-point quantity into quantity_lots.
func ToQuantityLots(qty float64) int64 { return roundToInt64(qty, QuantityScale) }

// FromPriceTicks converts price_ticks back to a float64 price.
func FromPriceTicks(ticks int64) float64 { return toFloat(ticks, PriceScale) }

// FromQuantityLots converts quantity_lots back to a float64 quantity.
func FromQuantityLots(lots int64) float64 { return toFloat(lots, QuantityScale) }

var (
	maxInt64Big = big.NewInt(math.MaxInt64)
	minInt64Big = big.NewInt(math.MinInt64)
)

// ToNotionalUnits multiplies price_ticks by quantity_lots in a widened
// accumulator, saturating to int64 bounds before narrowing.
func ToNotionalUnits(priceTicks, quantityLots int64) int64 {
	product := new(big.Int).Mul(big.NewInt(priceTicks), big.NewInt(quantityLots))
	if product.Cmp(maxInt64Big) > 0 {
		return math.MaxInt64
	}
	if product.Cmp(minInt64Big) < 0 {
		return math.MinInt64
	}
	return product.Int64()
}

// SideSign returns +1 for a buy-side notional and -1 for a sell-side notional.
func SideSign(isBuy bool) int64 {
	if isBuy {
		return 1
	}
	return -1
}

// NormalizeOrderScalars is idempotent: nonzero integer fields win over the
// float mirror; otherwise the integer fields are derived from the floats,
// and the reverse derivation fills any float left at zero.
func NormalizeOrderScalars(order *types.Order) {
	if order == nil {
		return
	}
	if order.PriceTicks == 0 && order.Price != 0 {
		order.PriceTicks = ToPriceTicks(order.Price)
	}
	if order.QuantityLots == 0 && order.Quantity != 0 {
		order.QuantityLots = ToQuantityLots(order.Quantity)
	}
	if order.Price == 0 && order.PriceTicks != 0 {
		order.Price = FromPriceTicks(order.PriceTicks)
	}
	if order.Quantity == 0 && order.QuantityLots != 0 {
		order.Quantity = FromQuantityLots(order.QuantityLots)
	}
}

// SignedNotionalUnits returns the notional of the order's price_ticks *
// quantity_lots, positive for buys and negative for sells.
func SignedNotionalUnits(order types.Order) int64 {
	raw := ToNotionalUnits(order.PriceTicks, order.QuantityLots)
	return raw * SideSign(order.Side.IsBuy())
}
