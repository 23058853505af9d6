package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"trade_guard/internal/infra"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := infra.DefaultConfig()
	cfg.Exchange.RestURL = srv.URL
	cfg.Exchange.MaxRetries = 1
	return NewRESTClient(cfg)
}

func TestRESTClient_GetMarketPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("missing symbol query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"00000","msg":"ok","data":{"markPrice":"50000.5"}}`))
	})

	price, err := c.GetMarketPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetMarketPrice failed: %v", err)
	}
	if price != 50000_500000 {
		t.Errorf("price = %d, want 50000_500000", price)
	}
}

func TestRESTClient_GetPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"00000","msg":"ok","data":[
			{"symbol":"BTCUSDT","holdSide":"long","total":"0.5","averageOpenPrice":"50000","leverage":10,"presetStopLossPrice":"49500"}
		]}`))
	})

	snaps, err := c.GetPositions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d positions, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Side != "LONG" {
		t.Errorf("side = %s, want LONG", s.Side)
	}
	if s.SizeSats != 50_000_000 {
		t.Errorf("size = %d, want 50_000_000", s.SizeSats)
	}
	if s.StopLossMicros != 49500_000000 {
		t.Errorf("sl = %d, want 49500_000000", s.StopLossMicros)
	}
	if s.TakeProfitMicros != 0 {
		t.Errorf("tp = %d, want 0 (missing on wire)", s.TakeProfitMicros)
	}
}

func TestRESTClient_ExchangeRefusal(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"40015","msg":"insufficient margin"}`))
	})

	_, err := c.OpenPosition(context.Background(), OpenRequest{Symbol: "BTCUSDT", Side: "LONG"})
	var exErr *Error
	if !errors.As(err, &exErr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if exErr.Code != "40015" {
		t.Errorf("code = %s, want 40015", exErr.Code)
	}
}

func TestClassifyBlock(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		server      string
		body        string
		wantBlock   bool
	}{
		{"JSONOk", 200, "application/json", "nginx", `{"code":"00000"}`, false},
		{"Forbidden", 403, "application/json", "", `{"code":"err"}`, true},
		{"HTMLContentType", 200, "text/html; charset=utf-8", "", "<html>blocked</html>", true},
		{"HTMLBody", 200, "application/json", "", "  <!DOCTYPE html>", true},
		{"CloudFrontServer", 200, "application/json", "CloudFront", `{}`, true},
		{"ServerErrorJSON", 502, "application/json", "nginx", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			resp.Header.Set("Content-Type", tt.contentType)
			if tt.server != "" {
				resp.Header.Set("Server", tt.server)
			}
			got := classifyBlock(resp, []byte(tt.body), "/test")
			if (got != nil) != tt.wantBlock {
				t.Errorf("classifyBlock = %v, wantBlock %v", got, tt.wantBlock)
			}
		})
	}
}

func TestRESTClient_PlatformBlockNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html>Access Denied</html>"))
	})
	c.maxRetries = 3

	_, err := c.GetMarketPrice(context.Background(), "BTCUSDT")
	var blockErr *PlatformBlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("want *PlatformBlockError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("block was retried %d times, want exactly 1 call", calls)
	}
}
