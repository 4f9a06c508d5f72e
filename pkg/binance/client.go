// Package binance is the network collaborator for the USDⓈ-M futures REST
// API. It performs the physical calls the loader admits, smooths the raw
// request rate with a token bucket, and shields the transport behind a
// circuit breaker.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/klinegate/klinegate/pkg/loader"
	"github.com/klinegate/klinegate/pkg/models"
)

// DefaultBaseURL is the production futures REST endpoint.
const DefaultBaseURL = "https://fapi.binance.com"

// Client talks to the futures REST API. The weight budget is enforced by
// the admission gate upstream; the client only smooths request bursts and
// breaks the circuit on repeated transport failures.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	rps     *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond caps the raw call rate under the per-minute budget.
	RequestsPerSecond int
}

// NewClient builds a futures REST client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout},
		rps:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "binance-futures",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Fetch implements loader.Executor: one klines call for one sub-request.
func (c *Client) Fetch(ctx context.Context, req models.SubRequest) (*loader.FetchResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", req.Interval)
	params.Set("limit", strconv.Itoa(req.Limit))

	body, status, header, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	klines, err := parseKlines(body)
	if err != nil {
		return nil, &loader.TransportError{Status: status, Header: header, Err: err}
	}
	return &loader.FetchResult{Klines: klines, Status: status, Header: header}, nil
}

// Symbols returns all trading futures symbols from exchange info.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	body, _, _, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// get issues one GET through the rate smoother and circuit breaker and
// classifies failures as loader transport errors.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, int, http.Header, error) {
	if err := c.rps.Wait(ctx); err != nil {
		return nil, 0, nil, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	type reply struct {
		body   []byte
		status int
		header http.Header
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &loader.TransportError{Retriable: true, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &loader.TransportError{Status: resp.StatusCode, Header: resp.Header, Retriable: true, Err: err}
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &loader.TransportError{
				Status:    resp.StatusCode,
				Header:    resp.Header,
				Retriable: resp.StatusCode >= 500,
				Err:       fmt.Errorf("unexpected status %s", resp.Status),
			}
		}
		return reply{body: body, status: resp.StatusCode, header: resp.Header}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, 0, nil, &loader.TransportError{Retriable: true, Err: err}
		}
		return nil, 0, nil, err
	}

	r := res.(reply)
	return r.body, r.status, r.header, nil
}

// parseKlines decodes the exchange's array-of-arrays kline payload.
func parseKlines(body []byte) ([]models.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	klines := make([]models.Kline, 0, len(rows))
	for i, row := range rows {
		if len(row) < 9 {
			return nil, fmt.Errorf("kline row %d: want >= 9 fields, got %d", i, len(row))
		}
		var openTime, closeTime int64
		var trades int64
		var openS, highS, lowS, closeS, volS string
		if err := firstErr(
			json.Unmarshal(row[0], &openTime),
			json.Unmarshal(row[1], &openS),
			json.Unmarshal(row[2], &highS),
			json.Unmarshal(row[3], &lowS),
			json.Unmarshal(row[4], &closeS),
			json.Unmarshal(row[5], &volS),
			json.Unmarshal(row[6], &closeTime),
			json.Unmarshal(row[8], &trades),
		); err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}

		k := models.Kline{
			OpenTime:  time.UnixMilli(openTime).UTC(),
			CloseTime: time.UnixMilli(closeTime).UTC(),
			Trades:    trades,
		}
		if err := firstErr(
			parseFloat(openS, &k.Open),
			parseFloat(highS, &k.High),
			parseFloat(lowS, &k.Low),
			parseFloat(closeS, &k.Close),
			parseFloat(volS, &k.Volume),
		); err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseFloat(s string, dst *float64) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
