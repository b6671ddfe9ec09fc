package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"exec-engine/pkg/exchanges/common"
)

func newTestClient(t *testing.T, market common.MarketType, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:    "test-key",
		APISecret: "test-secret",
		Market:    market,
		BaseURL:   srv.URL,
	})
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	var captured url.Values
	client := newTestClient(t, common.MarketFutures, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		captured, _ = url.ParseQuery(string(body))
		fmt.Fprint(w, `{"orderId":1,"symbol":"BTCUSDT","status":"NEW","side":"BUY","type":"LIMIT","price":"50000","origQty":"0.1","executedQty":"0"}`)
	}))

	_, err := client.CreateOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
		Quantity: 0.1, Price: 50000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	sig := captured.Get("signature")
	if sig == "" {
		t.Fatal("request missing signature")
	}
	unsigned := url.Values{}
	for k, vs := range captured {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			unsigned.Set(k, v)
		}
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(unsigned.Encode()))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature mismatch: got %s want %s", sig, want)
	}
	if captured.Get("timeInForce") != "GTC" {
		t.Errorf("limit order missing GTC, got %q", captured.Get("timeInForce"))
	}
	if captured.Get("symbol") != "BTCUSDT" {
		t.Errorf("venue symbol = %q", captured.Get("symbol"))
	}
}

func TestCancelOrderMapsUnknownOrder(t *testing.T) {
	client := newTestClient(t, common.MarketFutures, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))

	err := client.CancelOrder(context.Background(), "BTC/USDT", "123")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCreateBatchOrdersNativeChunksAndAligns(t *testing.T) {
	var calls int32
	client := newTestClient(t, common.MarketFutures, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "batchOrders") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		atomic.AddInt32(&calls, 1)

		buf, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(buf))
		var items []batchOrderItem
		if err := json.Unmarshal([]byte(form.Get("batchOrders")), &items); err != nil {
			t.Fatalf("decode batchOrders param: %v", err)
		}
		if len(items) > batchChunkSize {
			t.Errorf("chunk of %d exceeds venue max %d", len(items), batchChunkSize)
		}

		// Fail every order whose client id says so, succeed the rest.
		out := make([]map[string]any, len(items))
		for i, item := range items {
			if strings.HasPrefix(item.NewClientOrderID, "fail") {
				out[i] = map[string]any{"code": -2010, "msg": "Account has insufficient balance"}
				continue
			}
			out[i] = map[string]any{
				"orderId": 1000 + i, "symbol": item.Symbol, "status": "NEW",
				"side": item.Side, "type": item.Type, "price": item.Price,
				"origQty": item.Quantity, "executedQty": "0",
			}
		}
		json.NewEncoder(w).Encode(out)
	}))

	reqs := make([]common.OrderRequest, 7)
	for i := range reqs {
		reqs[i] = common.OrderRequest{
			Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
			Quantity: 0.1, Price: 50000 + float64(i),
			ClientID: fmt.Sprintf("ok-%d", i),
		}
	}
	reqs[3].ClientID = "fail-3"

	result, err := client.CreateBatchOrders(context.Background(), reqs)
	if err != nil {
		t.Fatalf("CreateBatchOrders: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 venue calls for 7 orders, got %d", got)
	}
	if result.Implementation != common.BatchNative {
		t.Errorf("implementation = %s", result.Implementation)
	}
	if len(result.Results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(result.Results))
	}
	for i, out := range result.Results {
		if i == 3 {
			if out.Err == nil {
				t.Errorf("slot 3 should fail")
			}
			var apiErr *common.APIError
			if !errors.As(out.Err, &apiErr) || apiErr.Code != -2010 {
				t.Errorf("slot 3 error = %v", out.Err)
			}
			continue
		}
		if out.Err != nil {
			t.Errorf("slot %d failed: %v", i, out.Err)
		}
	}
	if result.Summary.Succeeded != 6 || result.Summary.Failed != 1 || result.Summary.Total != 7 {
		t.Errorf("summary = %+v", result.Summary)
	}
}

func TestCreateBatchOrdersSpotFallsBackSequential(t *testing.T) {
	var singles int32
	client := newTestClient(t, common.MarketSpot, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "batchOrders") {
			t.Error("spot must not call batchOrders")
		}
		atomic.AddInt32(&singles, 1)
		fmt.Fprint(w, `{"orderId":1,"symbol":"BTCUSDT","status":"NEW","side":"BUY","type":"LIMIT","price":"50000","origQty":"0.1","executedQty":"0"}`)
	}))

	reqs := make([]common.OrderRequest, 3)
	for i := range reqs {
		reqs[i] = common.OrderRequest{
			Symbol: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeLimit,
			Quantity: 0.1, Price: 50000,
		}
	}
	result, err := client.CreateBatchOrders(context.Background(), reqs)
	if err != nil {
		t.Fatalf("CreateBatchOrders: %v", err)
	}
	if result.Implementation != common.BatchSequential {
		t.Errorf("implementation = %s", result.Implementation)
	}
	if got := atomic.LoadInt32(&singles); got != 3 {
		t.Errorf("expected 3 single submissions, got %d", got)
	}
	if result.Summary.Succeeded != 3 {
		t.Errorf("summary = %+v", result.Summary)
	}
}

func TestLoadMarketsParsesFilters(t *testing.T) {
	client := newTestClient(t, common.MarketSpot, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"},
				{"filterType":"NOTIONAL","notional":"5"}]},
			{"symbol":"DEADUSDT","status":"BREAK","baseAsset":"DEAD","quoteAsset":"USDT","filters":[]}
		]}`)
	}))

	markets, err := client.LoadMarkets(context.Background())
	if err != nil {
		t.Fatalf("LoadMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected only TRADING symbols, got %d", len(markets))
	}
	m, ok := markets["BTC/USDT"]
	if !ok {
		t.Fatalf("missing BTC/USDT: %v", markets)
	}
	if m.TickSize.String() != "0.01" || m.StepSize.String() != "0.00001" {
		t.Errorf("precision: tick=%s step=%s", m.TickSize, m.StepSize)
	}
	if m.MinNotional.String() != "5" {
		t.Errorf("minNotional = %s", m.MinNotional)
	}
	if got := client.normalizedSymbol("BTCUSDT"); got != "BTC/USDT" {
		t.Errorf("normalizedSymbol = %q", got)
	}
}

func TestFeaturesByMarket(t *testing.T) {
	spot := New(Config{Market: common.MarketSpot, BaseURL: "http://localhost"})
	fut := New(Config{Market: common.MarketFutures, BaseURL: "http://localhost"})
	if spot.Features().NativeBatch {
		t.Error("spot must not report native batch")
	}
	if !fut.Features().NativeBatch {
		t.Error("futures must report native batch")
	}
}
