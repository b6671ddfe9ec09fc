// Package position keeps the signed net position per (strategy account,
// symbol): weighted-average entries, reductions with realized PnL, flips,
// and a periodic unrealized PnL sweep priced from venue quotes.
package position

import (
	"math"

	"exec-engine/pkg/exchanges/common"
)

// flatEpsilon snaps float residue from a full close back to exactly flat.
const flatEpsilon = 1e-9

// Fill is the slice of an execution the ledger applies.
type Fill struct {
	Side     common.Side
	Quantity float64
	Price    float64
}

// Change is the post-fill ledger state plus what the fill realized.
// IsEntry reports whether the fill extended the position (or opened a flat
// book); reductions and flips are exits.
type Change struct {
	Quantity    float64
	EntryPrice  float64
	RealizedPnl float64
	IsEntry     bool
}

// Apply advances a signed position by one fill. qty is the pre-trade signed
// quantity (long positive), entry its weighted-average entry price.
//
// A fill in the direction of the position extends it and re-averages the
// entry. A fill against it closes up to the open quantity first, realizing
// closed*(price-entry) signed by the old position, and any surplus opens the
// opposite side at the fill price.
func Apply(qty, entry float64, f Fill) Change {
	if f.Quantity <= 0 {
		return Change{Quantity: qty, EntryPrice: entry}
	}

	delta := f.Quantity
	if f.Side == common.SideSell {
		delta = -delta
	}

	if qty == 0 || sameSign(qty, delta) {
		newQty := qty + delta
		newEntry := (math.Abs(qty)*entry + f.Quantity*f.Price) / math.Abs(newQty)
		return Change{Quantity: newQty, EntryPrice: newEntry, IsEntry: true}
	}

	closed := math.Min(f.Quantity, math.Abs(qty))
	realized := closed * (f.Price - entry)
	if qty < 0 {
		realized = -realized
	}

	newQty := qty + delta
	ch := Change{Quantity: newQty, EntryPrice: entry, RealizedPnl: realized}
	switch {
	case math.Abs(newQty) < flatEpsilon:
		ch.Quantity = 0
		ch.EntryPrice = 0
	case sameSign(newQty, delta):
		// Flip: the surplus is a fresh position at the fill price.
		ch.EntryPrice = f.Price
	}
	return ch
}

// Unrealized values an open position against the current mark.
func Unrealized(qty, entry, mark float64) float64 {
	return qty * (mark - entry)
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }
