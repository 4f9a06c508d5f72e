package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klinegate/klinegate/pkg/loader"
	"github.com/klinegate/klinegate/pkg/models"
)

const klinesPayload = `[
	[1700000000000, "35000.10", "35100.00", "34900.00", "35050.50", "123.45", 1700000899999, "4325000.00", 420, "60.00", "2100000.00", "0"],
	[1700000900000, "35050.50", "35200.00", "35000.00", "35150.00", "98.76", 1700001799999, "3470000.00", 381, "44.00", "1540000.00", "0"]
]`

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, RequestsPerSecond: 1000})
}

func TestFetchParsesKlines(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1h" || q.Get("limit") != "500" {
			t.Errorf("unexpected query %v", q)
		}
		w.Header().Set("X-Mbx-Used-Weight-1m", "15")
		w.Write([]byte(klinesPayload))
	})

	res, err := c.Fetch(context.Background(), models.SubRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Klines) != 2 {
		t.Fatalf("klines = %d, want 2", len(res.Klines))
	}
	k := res.Klines[0]
	if k.Open != 35000.10 || k.Close != 35050.50 || k.Volume != 123.45 {
		t.Errorf("unexpected first kline %+v", k)
	}
	if k.Trades != 420 {
		t.Errorf("trades = %d, want 420", k.Trades)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d", res.Status)
	}
	if res.Header.Get("X-Mbx-Used-Weight-1m") != "15" {
		t.Error("used weight header not forwarded")
	}
}

func TestFetchRateLimitedResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), models.SubRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 100})
	var te *loader.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !te.RateLimited() {
		t.Errorf("status %d not classified as rate limited", te.Status)
	}
	if te.Header.Get("Retry-After") != "30" {
		t.Error("Retry-After header not carried on the error")
	}
}

func TestFetchServerErrorIsRetriable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Fetch(context.Background(), models.SubRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 100})
	var te *loader.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !te.Retriable {
		t.Error("5xx should be retriable")
	}
}

func TestFetchClientErrorIsNotRetriable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Fetch(context.Background(), models.SubRequest{Symbol: "NOPE", Interval: "1h", Limit: 100})
	var te *loader.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Retriable || te.RateLimited() {
		t.Errorf("4xx wrongly classified: retriable=%v rateLimited=%v", te.Retriable, te.RateLimited())
	}
}

func TestSymbolsFiltersTrading(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING"},
			{"symbol":"OLDUSDT","status":"SETTLING"},
			{"symbol":"ETHUSDT","status":"TRADING"}
		]}`))
	})

	symbols, err := c.Symbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v, want [BTCUSDT ETHUSDT]", symbols)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	sub := models.SubRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 100}
	for i := 0; i < 10; i++ {
		_, _ = c.Fetch(context.Background(), sub)
	}
	if calls >= 10 {
		t.Errorf("breaker never opened: %d upstream calls", calls)
	}
}
