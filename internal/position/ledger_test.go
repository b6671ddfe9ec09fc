package position

import (
	"math"
	"testing"

	"exec-engine/pkg/exchanges/common"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestApply(t *testing.T) {
	cases := []struct {
		name  string
		qty   float64
		entry float64
		fill  Fill

		wantQty      float64
		wantEntry    float64
		wantRealized float64
		wantEntrySig bool
	}{
		{
			name: "buy opens long on flat book",
			fill: Fill{Side: common.SideBuy, Quantity: 1, Price: 100},

			wantQty: 1, wantEntry: 100, wantEntrySig: true,
		},
		{
			name: "buy extends long with weighted entry",
			qty:  1, entry: 100,
			fill: Fill{Side: common.SideBuy, Quantity: 3, Price: 120},

			wantQty: 4, wantEntry: 115, wantEntrySig: true,
		},
		{
			name: "partial sell reduces long and realizes",
			qty:  4, entry: 100,
			fill: Fill{Side: common.SideSell, Quantity: 1, Price: 130},

			wantQty: 3, wantEntry: 100, wantRealized: 30,
		},
		{
			name: "full sell flattens long",
			qty:  2, entry: 100,
			fill: Fill{Side: common.SideSell, Quantity: 2, Price: 90},

			wantQty: 0, wantEntry: 0, wantRealized: -20,
		},
		{
			name: "oversized sell flips long to short",
			qty:  1, entry: 100,
			fill: Fill{Side: common.SideSell, Quantity: 3, Price: 110},

			wantQty: -2, wantEntry: 110, wantRealized: 10,
		},
		{
			name: "sell opens short on flat book",
			fill: Fill{Side: common.SideSell, Quantity: 2, Price: 100},

			wantQty: -2, wantEntry: 100, wantEntrySig: true,
		},
		{
			name: "sell extends short with weighted entry",
			qty:  -2, entry: 100,
			fill: Fill{Side: common.SideSell, Quantity: 2, Price: 110},

			wantQty: -4, wantEntry: 105, wantEntrySig: true,
		},
		{
			name: "partial buy reduces short and realizes",
			qty:  -4, entry: 100,
			fill: Fill{Side: common.SideBuy, Quantity: 1, Price: 80},

			wantQty: -3, wantEntry: 100, wantRealized: 20,
		},
		{
			name: "oversized buy flips short to long",
			qty:  -1, entry: 100,
			fill: Fill{Side: common.SideBuy, Quantity: 4, Price: 95},

			wantQty: 3, wantEntry: 95, wantRealized: 5,
		},
		{
			name: "zero quantity fill is a no-op",
			qty:  2, entry: 100,
			fill: Fill{Side: common.SideBuy, Quantity: 0, Price: 50},

			wantQty: 2, wantEntry: 100,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Apply(tc.qty, tc.entry, tc.fill)
			if !approx(got.Quantity, tc.wantQty) {
				t.Errorf("quantity = %v, want %v", got.Quantity, tc.wantQty)
			}
			if !approx(got.EntryPrice, tc.wantEntry) {
				t.Errorf("entry = %v, want %v", got.EntryPrice, tc.wantEntry)
			}
			if !approx(got.RealizedPnl, tc.wantRealized) {
				t.Errorf("realized = %v, want %v", got.RealizedPnl, tc.wantRealized)
			}
			if got.IsEntry != tc.wantEntrySig {
				t.Errorf("isEntry = %v, want %v", got.IsEntry, tc.wantEntrySig)
			}
		})
	}
}

func TestApplyFlattensFloatResidue(t *testing.T) {
	// 0.1+0.2 accumulates residue; a sell of 0.3 must land exactly flat,
	// not hold a 4e-17 position forever.
	acc := Apply(0, 0, Fill{Side: common.SideBuy, Quantity: 0.1, Price: 100})
	acc = Apply(acc.Quantity, acc.EntryPrice, Fill{Side: common.SideBuy, Quantity: 0.2, Price: 100})

	got := Apply(acc.Quantity, acc.EntryPrice, Fill{Side: common.SideSell, Quantity: 0.3, Price: 100})
	if got.Quantity != 0 {
		t.Fatalf("quantity = %v, want exactly 0", got.Quantity)
	}
	if got.EntryPrice != 0 {
		t.Fatalf("entry = %v, want 0", got.EntryPrice)
	}
}

func TestUnrealized(t *testing.T) {
	if got := Unrealized(2, 100, 110); !approx(got, 20) {
		t.Errorf("long unrealized = %v, want 20", got)
	}
	if got := Unrealized(-2, 100, 110); !approx(got, -20) {
		t.Errorf("short unrealized = %v, want -20", got)
	}
}
