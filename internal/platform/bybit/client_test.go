package bybit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL: srv.URL,
		Auth:    &crypto.HMACAuth{Key: "key", Secret: "secret"},
		Timeout: 5 * time.Second,
	})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestGetPositionsSignsAndNormalizes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/position/list" {
			t.Errorf("path = %s, want /v5/position/list", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("category") != "linear" || q.Get("settleCoin") != "USDT" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		auth := &crypto.HMACAuth{Key: "key", Secret: "secret"}
		if got, want := r.Header.Get("X-BAPI-SIGN"), auth.Sign("1700000000000", "5000", r.URL.RawQuery); got != want {
			t.Errorf("X-BAPI-SIGN = %s, want %s", got, want)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"1.0","avgPrice":"50000","markPrice":"50500","positionValue":"50000","unrealisedPnl":"500","leverage":"10","updatedTime":"1700000000000"},
			{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0","markPrice":"3000","leverage":"10"}
		],"nextPageCursor":""}}`))
	})

	got, err := c.GetPositions(context.Background(), domain.CategoryLinear, "")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(got))
	}
	p := got[0]
	if p.Key() != (domain.PositionKey{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Side: domain.SideBuy}) {
		t.Errorf("key = %v", p.Key())
	}
	if !p.Size.Equal(decimal.RequireFromString("1.0")) {
		t.Errorf("size = %s, want 1.0", p.Size)
	}
	if p.UnrealisedPnlPct != 1 {
		t.Errorf("unrealised pct = %v, want 1", p.UnrealisedPnlPct)
	}
	if p.Leverage != "10" {
		t.Errorf("leverage = %q, want 10", p.Leverage)
	}
}

func TestGetPositionsFollowsCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"1"}],"nextPageCursor":"p2"}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"ETHUSDT","side":"Sell","size":"2"}],"nextPageCursor":""}}`))
	})

	got, err := c.GetPositions(context.Background(), domain.CategoryLinear, "")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(got) != 2 || calls != 2 {
		t.Errorf("positions = %d, calls = %d, want 2 and 2", len(got), calls)
	}
}

func TestGetPositionsRejectsTruncatedList(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"1"}],"nextPageCursor":"more"}}`))
	})

	got, err := c.GetPositions(context.Background(), domain.CategoryLinear, "")
	if !errors.Is(err, domain.ErrExchange) {
		t.Fatalf("GetPositions() = %v, want ErrExchange", err)
	}
	if got != nil {
		t.Errorf("positions = %v, want nil on truncation", got)
	}
	if calls != maxPositionPages {
		t.Errorf("calls = %d, want %d", calls, maxPositionPages)
	}
}

func TestNonZeroRetCodeIsExchangeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`))
	})

	_, err := c.GetPositions(context.Background(), domain.CategoryLinear, "")
	if !errors.Is(err, domain.ErrExchange) {
		t.Fatalf("err = %v, want ErrExchange", err)
	}
	if !IsAPIError(err) {
		t.Errorf("IsAPIError(%v) = false", err)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.GetAccountInfo(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestGetExecutionsQuantityFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %s, want 20", got)
		}
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"execId":"a","symbol":"BTCUSDT","side":"Sell","execPrice":"51000","execQty":"0.5","orderQty":"1","closedPnl":"500","execTime":"1700000000000"},
			{"execId":"b","symbol":"BTCUSDT","side":"Sell","execPrice":"","orderPrice":"50900","execQty":"","orderQty":"0.25","closedPnl":"","execTime":"1699999999000"}
		]}}`))
	})

	got, err := c.GetExecutions(context.Background(), domain.CategoryLinear, "BTCUSDT", 20)
	if err != nil {
		t.Fatalf("GetExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Qty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("qty[0] = %s, want 0.5", got[0].Qty)
	}
	if !got[1].Price.Equal(decimal.RequireFromString("50900")) || !got[1].Qty.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("fallback fill = %s x %s", got[1].Price, got[1].Qty)
	}
	if !got[1].ClosedPnl.IsZero() {
		t.Errorf("closedPnl = %s, want 0", got[1].ClosedPnl)
	}
}

func TestParseDecimalMalformed(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0"},
		{"abc", "0"},
		{"1.2300", "1.23"},
	}
	for _, tt := range tests {
		if got := parseDecimal(tt.in); !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("parseDecimal(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
