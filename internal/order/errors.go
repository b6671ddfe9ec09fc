package order

import (
	"context"
	"errors"
	"strings"

	"exec-engine/internal/balance"
	"exec-engine/internal/gateway"
	"exec-engine/internal/marketinfo"
	"exec-engine/pkg/exchanges/common"
)

// ErrorKind buckets a failure by how the engine must react to it.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	// KindTemporary failures are retried; after MaxRetryCount the order is
	// dropped with an alert.
	KindTemporary ErrorKind = "temporary"
	// KindPermanent failures are never retried; any pending row is deleted
	// and a user alert fires.
	KindPermanent ErrorKind = "permanent"
	// KindMarketTypeMismatch marks a cancel that found its order alive on
	// the other market type.
	KindMarketTypeMismatch ErrorKind = "market_type_mismatch"
	// KindInternal marks bug signals, like a precision cache miss on the
	// order path. These fail loudly and are never retried.
	KindInternal ErrorKind = "internal"
)

// Retryable reports whether the executor may try the order again.
func (k ErrorKind) Retryable() bool { return k == KindTemporary }

var permanentKeywords = []string{
	"insufficient",
	"invalid symbol",
	"unknown symbol",
	"invalid order",
	"exceeds",
	"limit exceeded",
	"min notional",
	"lot size",
	"precision",
	"rejected",
	"forbidden",
	"duplicate",
	"bad quantity",
	"margin is insufficient",
}

var temporaryKeywords = []string{
	"timeout",
	"timed out",
	"deadline",
	"rate limit",
	"too many requests",
	"connection",
	"network",
	"reset by peer",
	"refused",
	"unavailable",
	"server busy",
	"try again",
	"internal server error",
	"service overloaded",
}

// Classify maps an error onto an ErrorKind. Typed errors win; everything
// else falls through to a keyword match on the message so the retry policy
// is the same at every call site. Unmatched errors classify as temporary,
// which bounds the damage of a miss at MaxRetryCount attempts.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, ErrInvalidOrder) {
		return KindValidation
	}
	if errors.Is(err, marketinfo.ErrCacheMiss) {
		return KindInternal
	}
	if errors.Is(err, marketinfo.ErrBelowMinQuantity) || errors.Is(err, marketinfo.ErrBelowMinNotional) {
		return KindValidation
	}
	if errors.Is(err, balance.ErrNoQuantity) {
		return KindValidation
	}
	// Funding state only changes by operator action, never by retrying.
	if errors.Is(err, balance.ErrMaxSymbols) || errors.Is(err, balance.ErrNoAllocation) {
		return KindPermanent
	}
	if errors.Is(err, balance.ErrNoQuote) {
		return KindTemporary
	}
	if errors.Is(err, common.ErrOrderNotFound) {
		return KindNotFound
	}
	if errors.Is(err, common.ErrNotSupported) {
		return KindValidation
	}
	if errors.Is(err, gateway.ErrAccountNotFound) || errors.Is(err, gateway.ErrAccountInactive) || errors.Is(err, gateway.ErrMarketNotOffered) {
		return KindPermanent
	}
	if errors.Is(err, gateway.ErrClientUnhealthy) || errors.Is(err, gateway.ErrPoolFull) {
		return KindTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTemporary
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus == 429 || apiErr.HTTPStatus >= 500 {
			return KindTemporary
		}
	}

	// Venue codes like LOT_SIZE or MIN_NOTIONAL match their spaced keywords.
	msg := strings.ReplaceAll(strings.ToLower(err.Error()), "_", " ")
	for _, kw := range permanentKeywords {
		if strings.Contains(msg, kw) {
			return KindPermanent
		}
	}
	for _, kw := range temporaryKeywords {
		if strings.Contains(msg, kw) {
			return KindTemporary
		}
	}
	return KindTemporary
}

// Result is the executor's per-order outcome, returned rather than thrown
// so batch callers can aggregate without unwinding.
type Result struct {
	Success         bool      `json:"success"`
	Queued          bool      `json:"queued,omitempty"`
	OrderID         int64     `json:"order_id,omitempty"`
	PendingID       int64     `json:"pending_id,omitempty"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	ErrorKind       ErrorKind `json:"error_type,omitempty"`
	Error           string    `json:"error,omitempty"`
	Err             error     `json:"-"`
}

func failure(err error) Result {
	return Result{ErrorKind: Classify(err), Error: err.Error(), Err: err}
}

func failureKind(kind ErrorKind, err error) Result {
	return Result{ErrorKind: kind, Error: err.Error(), Err: err}
}
