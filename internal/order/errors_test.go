package order

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"exec-engine/internal/balance"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/pkg/exchanges/common"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"invalid order sentinel", fmt.Errorf("%w: LIMIT requires price", ErrInvalidOrder), KindValidation},
		{"precision cache miss", fmt.Errorf("BTC/USDT: %w", marketinfo.ErrCacheMiss), KindInternal},
		{"below min quantity", fmt.Errorf("snap: %w", marketinfo.ErrBelowMinQuantity), KindValidation},
		{"below min notional", fmt.Errorf("snap: %w", marketinfo.ErrBelowMinNotional), KindValidation},
		{"no size on signal", fmt.Errorf("resolve: %w", balance.ErrNoQuantity), KindValidation},
		{"symbol budget spent", fmt.Errorf("%w: 3 of 3 in use", balance.ErrMaxSymbols), KindPermanent},
		{"no capital allocated", fmt.Errorf("resolve: %w", balance.ErrNoAllocation), KindPermanent},
		{"quote unavailable", fmt.Errorf("resolve: %w", balance.ErrNoQuote), KindTemporary},
		{"order not found", fmt.Errorf("binance: %w", common.ErrOrderNotFound), KindNotFound},
		{"venue lacks the operation", fmt.Errorf("upbit: %w", common.ErrNotSupported), KindValidation},
		{"inactive account", fmt.Errorf("gateway: %w", gateway.ErrAccountInactive), KindPermanent},
		{"market not offered", fmt.Errorf("gateway: %w", gateway.ErrMarketNotOffered), KindPermanent},
		{"open circuit", fmt.Errorf("gateway: %w", gateway.ErrClientUnhealthy), KindTemporary},
		{"context deadline", context.DeadlineExceeded, KindTemporary},
		{"http 429", &common.APIError{Exchange: "binance", HTTPStatus: 429, Message: "slow down"}, KindTemporary},
		{"http 503", &common.APIError{Exchange: "binance", HTTPStatus: 503, Message: "maintenance"}, KindTemporary},
		{"insufficient balance", &common.APIError{Exchange: "binance", HTTPStatus: 400, Code: -2019, Message: "Margin is insufficient"}, KindPermanent},
		{"venue filter code", &common.APIError{Exchange: "binance", HTTPStatus: 400, Code: -1013, Message: "Filter failure: LOT_SIZE"}, KindPermanent},
		{"min notional code", errors.New("Filter failure: MIN_NOTIONAL"), KindPermanent},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), KindTemporary},
		{"reset by peer", errors.New("read: connection reset by peer"), KindTemporary},
		{"unknown defaults to retry", errors.New("something odd happened"), KindTemporary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestOnlyTemporaryRetries(t *testing.T) {
	for _, k := range []ErrorKind{KindNone, KindValidation, KindNotFound, KindPermanent, KindMarketTypeMismatch, KindInternal} {
		if k.Retryable() {
			t.Errorf("%s must not retry", k)
		}
	}
	if !KindTemporary.Retryable() {
		t.Error("temporary must retry")
	}
}
