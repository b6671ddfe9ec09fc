package marketinfo

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"exec-engine/pkg/exchanges/common"
)

var (
	// ErrBelowMinQuantity means the snapped quantity is under the venue
	// minimum.
	ErrBelowMinQuantity = errors.New("quantity below venue minimum")
	// ErrBelowMinNotional means price*quantity is under the venue minimum.
	ErrBelowMinNotional = errors.New("notional below venue minimum")
)

// QuantizeInput is one order's raw numbers.
type QuantizeInput struct {
	Exchange  string
	Market    common.MarketType
	Symbol    string
	Quantity  float64
	Price     float64
	StopPrice float64
}

// Quantized carries the snapped values ready for the venue.
type Quantized struct {
	Quantity  float64
	Price     float64
	StopPrice float64
}

// Quantize rounds quantity down to the step and prices down to the tick,
// then enforces min-quantity and min-notional. Zero prices pass through
// untouched so market orders quantize only their quantity; their notional
// check happens against the live quote at submit time.
func (c *PrecisionCache) Quantize(in QuantizeInput) (Quantized, error) {
	info, err := c.Lookup(in.Exchange, in.Market, in.Symbol)
	if err != nil {
		return Quantized{}, err
	}

	out := Quantized{
		Quantity:  snapDown(in.Quantity, info.StepSize),
		Price:     c.snapPrice(in.Exchange, in.Price, info.TickSize),
		StopPrice: c.snapPrice(in.Exchange, in.StopPrice, info.TickSize),
	}

	qty := decimal.NewFromFloat(out.Quantity)
	if qty.LessThanOrEqual(decimal.Zero) {
		return Quantized{}, fmt.Errorf("%w: %s qty %v snaps to zero", ErrBelowMinQuantity, in.Symbol, in.Quantity)
	}
	if !info.MinQuantity.IsZero() && qty.LessThan(info.MinQuantity) {
		return Quantized{}, fmt.Errorf("%w: %s qty %v < %s", ErrBelowMinQuantity, in.Symbol, out.Quantity, info.MinQuantity)
	}
	if out.Price > 0 && !info.MinNotional.IsZero() {
		notional := decimal.NewFromFloat(out.Price).Mul(qty)
		if notional.LessThan(info.MinNotional) {
			return Quantized{}, fmt.Errorf("%w: %s %v*%v < %s", ErrBelowMinNotional, in.Symbol, out.Price, out.Quantity, info.MinNotional)
		}
	}
	return out, nil
}

// snapPrice floors a price to the venue tick, deriving the tick from the
// rule table when the listing carries none.
func (c *PrecisionCache) snapPrice(exchange string, price float64, tick decimal.Decimal) float64 {
	if price <= 0 {
		return price
	}
	if tick.IsZero() {
		if rule := c.ruleTick(exchange); rule != nil {
			tick = rule(price)
		}
	}
	return snapDown(price, tick)
}

// snapDown floors value to a multiple of step. A zero step means the venue
// imposes no grid.
func snapDown(value float64, step decimal.Decimal) float64 {
	if step.IsZero() || value <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	snapped, _ := d.Div(step).Floor().Mul(step).Float64()
	return snapped
}
