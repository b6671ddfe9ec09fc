// Package binance implements the venue client for Binance spot and USDT-M
// futures. One Client serves one account on one market type.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"exec-engine/pkg/exchanges/common"
)

const (
	spotBaseURL           = "https://api.binance.com"
	spotTestnetBaseURL    = "https://testnet.binance.vision"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"

	defaultRecvWindow = int64(5000)
	requestTimeout    = 10 * time.Second

	// batchChunkSize is the venue maximum per batchOrders call.
	batchChunkSize = 5
	// spotBatchWorkers caps concurrent per-order submissions on spot.
	spotBatchWorkers = 10
)

// Config holds one account's Binance credentials and venue selection.
type Config struct {
	APIKey     string
	APISecret  string
	Market     common.MarketType
	Testnet    bool
	BaseURL    string // override, mainly for tests
	RecvWindow int64
	Pacer      common.Pacer
}

// Client talks to one Binance venue with one credential set.
type Client struct {
	cfg     Config
	http    *resty.Client
	clock   *common.TimeSync
	weights *common.WeightTracker
	pacer   common.Pacer
	symbols sync.Map // venue symbol -> normalized, filled by LoadMarkets
}

// New builds a client. The pacer gates every outbound call; passing nil
// disables pacing (tests, dry runs).
func New(cfg Config) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.BaseURL == "" {
		switch {
		case cfg.Market == common.MarketFutures && cfg.Testnet:
			cfg.BaseURL = futuresTestnetBaseURL
		case cfg.Market == common.MarketFutures:
			cfg.BaseURL = futuresBaseURL
		case cfg.Testnet:
			cfg.BaseURL = spotTestnetBaseURL
		default:
			cfg.BaseURL = spotBaseURL
		}
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = common.NopPacer{}
	}

	weightLimit := 1200
	if cfg.Market == common.MarketFutures {
		weightLimit = 2400
	}

	c := &Client{
		cfg:     cfg,
		pacer:   pacer,
		weights: common.NewWeightTracker("binance", weightLimit, time.Minute),
	}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout).
		SetHeader("X-MBX-APIKEY", cfg.APIKey).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 418/429 are ban/backoff signals; retrying those digs the hole
			// deeper, so only plain 5xx responses retry.
			return r.StatusCode() >= 500
		})
	c.clock = common.NewTimeSync("binance", func(ctx context.Context) (int64, error) {
		return c.serverTime(ctx)
	})
	return c
}

// Name implements common.Client.
func (c *Client) Name() string { return "binance" }

// Features implements common.Client. Native batch exists on futures only.
func (c *Client) Features() common.Features {
	return common.Features{NativeBatch: c.cfg.Market == common.MarketFutures}
}

// StartTimeSync begins periodic clock alignment with the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.clock.Start(ctx)
}

// Ping implements common.Client.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pacer.Acquire(ctx, common.KindRequest); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Get(c.path("/ping"))
	if err != nil {
		return fmt.Errorf("binance ping: %w", err)
	}
	if resp.IsError() {
		return c.apiError(resp)
	}
	return nil
}

// path maps a logical endpoint to the venue route for the market type.
func (c *Client) path(suffix string) string {
	if c.cfg.Market == common.MarketFutures {
		return "/fapi/v1" + suffix
	}
	return "/api/v3" + suffix
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.path("/time"))
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, c.apiError(resp)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (c *Client) now() int64 {
	if c.clock != nil && c.clock.Offset() != 0 {
		return c.clock.Now()
	}
	return time.Now().UnixMilli()
}

// signed stamps, signs, and sends a request. kind decides which pacing
// windows the call consumes.
func (c *Client) signed(ctx context.Context, kind common.RequestKind, method, endpoint string, params url.Values) ([]byte, error) {
	if err := c.pacer.Acquire(ctx, kind); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, c.cfg.APISecret)

	req := c.http.R().SetContext(ctx)
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case "GET":
		resp, err = req.Get(endpoint + "?" + encoded)
	case "DELETE":
		resp, err = req.Delete(endpoint + "?" + encoded)
	default:
		resp, err = req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(encoded).
			Post(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, endpoint, err)
	}

	c.weights.UpdateFromHeader(resp.Header().Get("X-MBX-USED-WEIGHT-1M"))

	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return resp.Body(), nil
}

// public sends an unsigned request.
func (c *Client) public(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if err := c.pacer.Acquire(ctx, common.KindRequest); err != nil {
		return nil, err
	}
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	resp, err := req.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("binance GET %s: %w", endpoint, err)
	}
	c.weights.UpdateFromHeader(resp.Header().Get("X-MBX-USED-WEIGHT-1M"))
	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return resp.Body(), nil
}

// apiError decodes the venue error envelope, mapping unknown-order codes to
// the shared sentinel.
func (c *Client) apiError(resp *resty.Response) error {
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	// -2011 CANCEL_REJECTED (unknown order), -2013 NO_SUCH_ORDER.
	if body.Code == -2011 || body.Code == -2013 {
		return fmt.Errorf("binance: %w", common.ErrOrderNotFound)
	}
	return &common.APIError{
		Exchange:   "binance",
		HTTPStatus: resp.StatusCode(),
		Code:       body.Code,
		Message:    strings.TrimSpace(body.Msg),
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// venueSymbol converts the normalized BASE/QUOTE form to Binance's joined
// form, e.g. BTC/USDT -> BTCUSDT.
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}
