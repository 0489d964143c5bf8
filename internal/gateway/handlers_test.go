package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"otc-engine/internal/model"
)

const testSecret = "JBSWY3DPEHPK3PXP"

type fakeHistory struct {
	candles []model.Candle
}

func (f *fakeHistory) ReadCandles(_ context.Context, pair string, limit int) ([]model.Candle, error) {
	if limit < len(f.candles) {
		return f.candles[len(f.candles)-limit:], nil
	}
	return f.candles, nil
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAssetsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var assets []model.Instrument
	if code := getJSON(t, env.srv.URL+"/api/assets", &assets); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(assets) != 7 || assets[0].ID != "AUDUSD" {
		t.Fatalf("assets = %+v", assets)
	}
}

func TestCandlesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.api.History = &fakeHistory{candles: []model.Candle{
		{Time: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5},
		{Time: 120, Open: 1.5, High: 1, Low: 2, Close: 1.7}, // invalid, filtered
		{Time: 180, Open: 1.7, High: 1.8, Low: 1.6, Close: 1.75},
	}}

	var resp candlesResponse
	if code := getJSON(t, env.srv.URL+"/api/candles?pair=EURUSD&limit=3", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Pair != "EURUSD" || resp.CandleInterval != 60 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Candles) != 2 || resp.Candles[1].Time != 180 {
		t.Fatalf("candles = %+v", resp.Candles)
	}
	if resp.Forming == nil || resp.Forming.Open != 1.085 {
		t.Fatalf("forming = %+v", resp.Forming)
	}

	if code := getJSON(t, env.srv.URL+"/api/candles", nil); code != http.StatusBadRequest {
		t.Fatalf("missing pair status = %d", code)
	}
	if code := getJSON(t, env.srv.URL+"/api/candles?pair=NOPE", nil); code != http.StatusNotFound {
		t.Fatalf("unknown pair status = %d", code)
	}
}

func TestPriceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	var body struct {
		Pair    string  `json:"pair"`
		Price   float64 `json:"price"`
		Display string  `json:"display"`
	}
	if code := getJSON(t, env.srv.URL+"/api/price/BTCUSD", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Price != 43256.5 || body.Display != "43256.50" {
		t.Fatalf("body = %+v", body)
	}
	getJSON(t, env.srv.URL+"/api/price/EURUSD", &body)
	if body.Display != "1.08500" {
		t.Fatalf("EURUSD display = %s", body.Display)
	}
	if code := getJSON(t, env.srv.URL+"/api/price/NOPE", nil); code != http.StatusNotFound {
		t.Fatalf("unknown pair status = %d", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	if code := getJSON(t, env.srv.URL+"/health", &body); code != http.StatusServiceUnavailable || body["status"] != "starting" {
		t.Fatalf("before ready: %d %v", code, body)
	}
	env.seed(t)
	if code := getJSON(t, env.srv.URL+"/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("after ready: %d %v", code, body)
	}
	if body["instruments"].(float64) != 7 {
		t.Fatalf("instruments = %v", body["instruments"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var m SystemMetrics
	if code := getJSON(t, env.srv.URL+"/api/metrics", &m); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if m.Goroutines == 0 || m.CPUCores == 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func postReset(t *testing.T, url string, req resetRequest) int {
	t.Helper()
	b, _ := json.Marshal(req)
	resp, err := http.Post(url+"/api/admin/reset", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdminReset(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	// Disabled without a secret.
	if code := postReset(t, env.srv.URL, resetRequest{Pair: "EURUSD"}); code != http.StatusNotFound {
		t.Fatalf("disabled status = %d", code)
	}

	env.api.TOTPSecret = testSecret
	code, err := totp.GenerateCode(testSecret, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if got := postReset(t, env.srv.URL, resetRequest{Pair: "EURUSD", Price: 1.1, Code: "000000x"}); got != http.StatusUnauthorized {
		t.Fatalf("bad code status = %d", got)
	}
	if got := postReset(t, env.srv.URL, resetRequest{Pair: "EURUSD", Price: -1, Code: code}); got != http.StatusBadRequest {
		t.Fatalf("negative price status = %d", got)
	}
	if got := postReset(t, env.srv.URL, resetRequest{Pair: "NOPE", Price: 1, Code: code}); got != http.StatusNotFound {
		t.Fatalf("unknown pair status = %d", got)
	}
	if got := postReset(t, env.srv.URL, resetRequest{Pair: "EURUSD", Price: 1.1, Code: code}); got != http.StatusOK {
		t.Fatalf("reset status = %d", got)
	}
	st, _ := env.reg.Get("EURUSD")
	if st.CurrentPrice != 1.1 || st.CurrentCandle.Open != 1.1 {
		t.Fatalf("state after reset = %+v", st)
	}

	// Zero price falls back to the catalog base price.
	if got := postReset(t, env.srv.URL, resetRequest{Pair: "EURUSD", Code: code}); got != http.StatusOK {
		t.Fatalf("base reset status = %d", got)
	}
	st, _ = env.reg.Get("EURUSD")
	if st.CurrentPrice != 1.085 {
		t.Fatalf("price = %v, want base 1.085", st.CurrentPrice)
	}
}
