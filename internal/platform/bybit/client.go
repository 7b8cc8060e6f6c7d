// Package bybit is the exchange gateway for the Bybit v5 REST API. It signs
// requests, normalizes responses into domain records and reports failures
// without retrying; callers decide what a failure means.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	MainnetBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"

	// maxPositionPages bounds cursor pagination of the position list.
	maxPositionPages = 5
	positionPageSize = 200
)

// Observer receives one callback per HTTP round trip.
type Observer interface {
	ObserveRequest(endpoint string, elapsed time.Duration, err error)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Auth       *crypto.HMACAuth
	SettleCoin string
	Timeout    time.Duration
	Logger     *slog.Logger
	Observer   Observer
}

// Client is the REST client for the Bybit v5 API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	settleCoin string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time
}

// NewClient creates a new Bybit REST client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = "USDT"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "bybit"))

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       cfg.Auth,
		settleCoin: cfg.SettleCoin,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		observer:   cfg.Observer,
		now:        time.Now,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bybit-api",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("bybit: circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

// GetPositions returns the live positions of a category. When symbol is
// empty, linear and inverse queries are scoped by the settle coin. Entries
// whose side the exchange leaves blank (flat one-way slots) are dropped.
func (c *Client) GetPositions(ctx context.Context, category domain.Category, symbol string) ([]domain.Position, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("limit", strconv.Itoa(positionPageSize))
	if symbol != "" {
		params.Set("symbol", symbol)
	} else if category != domain.CategorySpot {
		params.Set("settleCoin", c.settleCoin)
	}

	var out []domain.Position
	for page := 0; ; page++ {
		// A partial list would read as closed positions.
		if page == maxPositionPages {
			return nil, fmt.Errorf("bybit: get positions %s: %w: cursor still set after %d pages",
				category, domain.ErrExchange, maxPositionPages)
		}
		var res positionList
		if err := c.get(ctx, "/v5/position/list", params, &res); err != nil {
			return nil, fmt.Errorf("bybit: get positions %s: %w", category, err)
		}
		for _, rp := range res.List {
			p, ok := rp.toDomain(category)
			if !ok {
				continue
			}
			out = append(out, p)
		}
		if res.NextPageCursor == "" {
			return out, nil
		}
		params.Set("cursor", res.NextPageCursor)
	}
}

// GetExecutions returns the most recent fills for a symbol, newest first.
func (c *Client) GetExecutions(ctx context.Context, category domain.Category, symbol string, limit int) ([]domain.Execution, error) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var res executionList
	if err := c.get(ctx, "/v5/execution/list", params, &res); err != nil {
		return nil, fmt.Errorf("bybit: get executions %s %s: %w", category, symbol, err)
	}

	out := make([]domain.Execution, 0, len(res.List))
	for _, re := range res.List {
		out = append(out, re.toDomain())
	}
	return out, nil
}

// GetWalletBalance returns the balance of an account type ("UNIFIED",
// "CONTRACT", "SPOT").
func (c *Client) GetWalletBalance(ctx context.Context, accountType string) ([]WalletBalance, error) {
	if accountType == "" {
		accountType = "UNIFIED"
	}
	params := url.Values{}
	params.Set("accountType", accountType)

	var res walletList
	if err := c.get(ctx, "/v5/account/wallet-balance", params, &res); err != nil {
		return nil, fmt.Errorf("bybit: get wallet balance: %w", err)
	}
	return res.List, nil
}

// GetAccountInfo returns the account's margin configuration.
func (c *Client) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	var res AccountInfo
	if err := c.get(ctx, "/v5/account/info", url.Values{}, &res); err != nil {
		return AccountInfo{}, fmt.Errorf("bybit: get account info: %w", err)
	}
	return res, nil
}

// get performs a signed GET and decodes the envelope's result into out.
// Transport and HTTP failures pass through the circuit breaker; a non-zero
// retCode does not trip it.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	query := params.Encode()

	start := c.now()
	raw, err := c.cb.Execute(func() (any, error) {
		return c.doSignedRequest(ctx, path, query)
	})
	if c.observer != nil {
		c.observer.ObserveRequest(path, c.now().Sub(start), err)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("circuit open: %w", err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw.([]byte), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return &APIError{Endpoint: path, Code: env.RetCode, Message: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Client) doSignedRequest(ctx context.Context, path, query string) ([]byte, error) {
	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		for k, v := range c.auth.HeadersAt(query, c.now().UnixMilli()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUnauthorized, statusCode, snippet)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrRateLimited, statusCode, snippet)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, snippet)
	}
}

func (rp rawPosition) toDomain(category domain.Category) (domain.Position, bool) {
	side, err := domain.ParseSide(rp.Side)
	if err != nil || rp.Symbol == "" {
		return domain.Position{}, false
	}
	p := domain.Position{
		Category:      category,
		Symbol:        rp.Symbol,
		Side:          side,
		Size:          parseDecimal(rp.Size),
		AvgPrice:      parseDecimal(rp.AvgPrice),
		MarkPrice:     parseDecimal(rp.MarkPrice),
		UnrealisedPnl: parseDecimal(rp.UnrealisedPnl),
		Leverage:      rp.Leverage,
		UpdatedAt:     parseMillis(rp.UpdatedTime),
	}
	if value := parseDecimal(rp.PositionValue); value.IsPositive() {
		p.UnrealisedPnlPct, _ = p.UnrealisedPnl.Div(value).Mul(decimal.NewFromInt(100)).Float64()
	}
	if p.Leverage == "" {
		p.Leverage = "1"
	}
	return p, true
}

func (re rawExecution) toDomain() domain.Execution {
	side, _ := domain.ParseSide(re.Side)
	price := parseDecimal(re.ExecPrice)
	if !price.IsPositive() {
		price = parseDecimal(re.OrderPrice)
	}
	qty := parseDecimal(re.ExecQty)
	if !qty.IsPositive() {
		qty = parseDecimal(re.OrderQty)
	}
	return domain.Execution{
		ExecID:    re.ExecID,
		Symbol:    re.Symbol,
		Side:      side,
		Price:     price,
		Qty:       qty,
		ClosedPnl: parseDecimal(re.ClosedPnl),
		ExecTime:  re.ExecTime,
	}
}

// parseDecimal returns zero for empty or malformed input.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
