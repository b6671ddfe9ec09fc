package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/go-resty/resty/v2"

	"exec-engine/pkg/exchanges/common"
)

// FetchBalance implements common.Client.
func (c *Client) FetchBalance(ctx context.Context) ([]common.Balance, error) {
	if c.cfg.Market == common.MarketFutures {
		body, err := c.signed(ctx, common.KindRequest, "GET", "/fapi/v2/balance", url.Values{})
		if err != nil {
			return nil, fmt.Errorf("fetch balance: %w", err)
		}
		var rows []struct {
			Asset            string `json:"asset"`
			AvailableBalance string `json:"availableBalance"`
			Balance          string `json:"balance"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		out := make([]common.Balance, 0, len(rows))
		for _, r := range rows {
			free := parseFloat(r.AvailableBalance)
			total := parseFloat(r.Balance)
			if total == 0 {
				continue
			}
			out = append(out, common.Balance{Asset: r.Asset, Free: free, Locked: total - free})
		}
		return out, nil
	}

	body, err := c.signed(ctx, common.KindRequest, "GET", "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make([]common.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// CancelOrder implements common.Client. An unknown order id surfaces as
// common.ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("orderId", exchangeOrderID)
	_, err := c.signed(ctx, common.KindRequest, "DELETE", c.path("/order"), params)
	return err
}

// FetchOrder implements common.Client.
func (c *Client) FetchOrder(ctx context.Context, symbol, exchangeOrderID string) (*common.Order, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("orderId", exchangeOrderID)
	body, err := c.signed(ctx, common.KindRequest, "GET", c.path("/order"), params)
	if err != nil {
		return nil, err
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return c.toOrder(p), nil
}

// FetchOpenOrders implements common.Client.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", venueSymbol(symbol))
	}
	body, err := c.signed(ctx, common.KindRequest, "GET", c.path("/openOrders"), params)
	if err != nil {
		return nil, err
	}
	var payloads []orderPayload
	if err := json.Unmarshal(body, &payloads); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]common.Order, len(payloads))
	for i, p := range payloads {
		orders[i] = *c.toOrder(p)
	}
	return orders, nil
}

// listenKeyPath differs between spot and futures.
func (c *Client) listenKeyPath() string {
	if c.cfg.Market == common.MarketFutures {
		return "/fapi/v1/listenKey"
	}
	return "/api/v3/userDataStream"
}

func (c *Client) listenKeyRequest(ctx context.Context, do func(*resty.Request, string) (*resty.Response, error), endpoint string) (*resty.Response, error) {
	if err := c.pacer.Acquire(ctx, common.KindRequest); err != nil {
		return nil, err
	}
	resp, err := do(c.http.R().SetContext(ctx), endpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, c.apiError(resp)
	}
	return resp, nil
}

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	resp, err := c.listenKeyRequest(ctx, (*resty.Request).Post, c.listenKeyPath())
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	endpoint := c.listenKeyPath() + "?listenKey=" + url.QueryEscape(listenKey)
	if _, err := c.listenKeyRequest(ctx, (*resty.Request).Put, endpoint); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	endpoint := c.listenKeyPath() + "?listenKey=" + url.QueryEscape(listenKey)
	if _, err := c.listenKeyRequest(ctx, (*resty.Request).Delete, endpoint); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// StreamURL returns the websocket endpoint for a listen key.
func (c *Client) StreamURL(listenKey string) string {
	if c.cfg.Market == common.MarketFutures {
		if c.cfg.Testnet {
			return "wss://stream.binancefuture.com/ws/" + listenKey
		}
		return "wss://fstream.binance.com/ws/" + listenKey
	}
	if c.cfg.Testnet {
		return "wss://testnet.binance.vision/ws/" + listenKey
	}
	return "wss://stream.binance.com:9443/ws/" + listenKey
}
