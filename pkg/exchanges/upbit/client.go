// Package upbit implements the venue client for Upbit KRW spot markets.
//
// Upbit authenticates with a JWT per request: the claims carry the access
// key, a nonce, and a SHA512 hash of the query string. Tick sizes are not
// served by the API; they follow published KRW price bands, so the client
// reports rule-based precision and the market refresher skips it.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"exec-engine/pkg/exchanges/common"
)

const (
	defaultBaseURL = "https://api.upbit.com"
	requestTimeout = 10 * time.Second

	// batchWorkers caps concurrent submissions in the sequential batch
	// fallback. The pacer still enforces the venue's 8 orders/sec.
	batchWorkers = 5
)

// Config holds one account's Upbit credentials.
type Config struct {
	AccessKey string
	SecretKey string
	BaseURL   string // override, mainly for tests
	Pacer     common.Pacer
}

// Client talks to Upbit with one credential set. Upbit is KRW spot only.
type Client struct {
	cfg   Config
	http  *resty.Client
	pacer common.Pacer
}

// New builds a client. A nil pacer disables pacing.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = common.NopPacer{}
	}
	return &Client{
		cfg:   cfg,
		pacer: pacer,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(requestTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}),
	}
}

// Name implements common.Client.
func (c *Client) Name() string { return "upbit" }

// Features implements common.Client.
func (c *Client) Features() common.Features {
	return common.Features{RuleBasedPrecision: true}
}

// authToken builds the per-request JWT. The query hash covers the exact
// encoded query or form body.
func (c *Client) authToken(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.cfg.AccessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign upbit token: %w", err)
	}
	return token, nil
}

// signed sends an authenticated request. Query parameters ride in the URL
// for GET/DELETE and as a form body for POST; both are covered by the JWT
// query hash.
func (c *Client) signed(ctx context.Context, kind common.RequestKind, method, endpoint string, params url.Values) ([]byte, error) {
	if err := c.pacer.Acquire(ctx, kind); err != nil {
		return nil, err
	}

	encoded := params.Encode()
	token, err := c.authToken(encoded)
	if err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx).SetHeader("Authorization", "Bearer "+token)
	var resp *resty.Response
	switch method {
	case "GET":
		if encoded != "" {
			endpoint += "?" + encoded
		}
		resp, err = req.Get(endpoint)
	case "DELETE":
		if encoded != "" {
			endpoint += "?" + encoded
		}
		resp, err = req.Delete(endpoint)
	default:
		resp, err = req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(encoded).
			Post(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("upbit %s %s: %w", method, endpoint, err)
	}
	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return resp.Body(), nil
}

// public sends an unauthenticated request.
func (c *Client) public(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if err := c.pacer.Acquire(ctx, common.KindRequest); err != nil {
		return nil, err
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	resp, err := c.http.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("upbit GET %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return resp.Body(), nil
}

func (c *Client) apiError(resp *resty.Response) error {
	var body struct {
		Error struct {
			Name    any    `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.Body(), &body)

	name := fmt.Sprint(body.Error.Name)
	if name == "order_not_found" {
		return fmt.Errorf("upbit: %w", common.ErrOrderNotFound)
	}
	return &common.APIError{
		Exchange:   "upbit",
		HTTPStatus: resp.StatusCode(),
		Message:    strings.TrimSpace(name + " " + body.Error.Message),
	}
}

// Ping implements common.Client. Account lookup doubles as a credential
// check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.signed(ctx, common.KindRequest, "GET", "/v1/accounts", url.Values{})
	return err
}

// venueSymbol converts BTC/KRW to Upbit's QUOTE-BASE form, e.g. KRW-BTC.
func venueSymbol(symbol string) string {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol
	}
	return parts[1] + "-" + parts[0]
}

// normalizedSymbol converts KRW-BTC back to BTC/KRW.
func normalizedSymbol(venue string) string {
	parts := strings.SplitN(venue, "-", 2)
	if len(parts) != 2 {
		return venue
	}
	return parts[1] + "/" + parts[0]
}
