package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

const testSecret = "intake-test-secret"

type fakeExiter struct {
	calls  int
	reason string
	legs   []models.OrderRecord
	err    error
}

func (f *fakeExiter) RequestForceExit(ctx context.Context, reason string) ([]models.OrderRecord, error) {
	f.calls++
	f.reason = reason
	return f.legs, f.err
}

type fixture struct {
	t      *testing.T
	store  *store.SQLiteStore
	risk   *fakeExiter
	health *resilience.HealthMonitor
	access *security.AccessController
	server *Server
}

func newFixture(t *testing.T, cfg config.APIConfig) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "oms.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:      t,
		store:  s,
		risk:   &fakeExiter{},
		health: resilience.NewHealthMonitor(time.Second),
		access: security.NewAccessController(false, nil),
	}
	f.server = NewServer(cfg, Deps{
		Intents: s,
		Orders:  s,
		Risk:    f.risk,
		Health:  f.health,
		Access:  f.access,
	}, zerolog.Nop())
	return f
}

func (f *fixture) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, Response) {
	f.t.Helper()
	var resp Response
	w := f.send(method, path, token, body, &resp)
	return w, resp
}

// submit posts an intent; the reply has no Response envelope.
func (f *fixture) submit(token string, body interface{}) (*httptest.ResponseRecorder, SubmitIntentResponse, map[string]interface{}) {
	f.t.Helper()
	var resp SubmitIntentResponse
	w := f.send(http.MethodPost, "/api/v1/intents", token, body, &resp)
	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		f.t.Fatal(err)
	}
	return w, resp, raw
}

func (f *fixture) send(method, path, token string, body, out interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		f.t.Fatalf("%s %s: body %q: %v", method, path, w.Body.String(), err)
	}
	return w
}

func token(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func genericIntent() map[string]interface{} {
	return map[string]interface{}{
		"intent_type": "GENERIC",
		"reason":      "breakout",
		"payload": map[string]interface{}{
			"legs": []map[string]interface{}{{
				"symbol":         "NIFTY24DEC24000CE",
				"exchange":       "NFO",
				"side":           "BUY",
				"qty":            50,
				"product_type":   "MIS",
				"order_type":     "MARKET",
				"execution_type": "ENTRY",
			}},
		},
	}
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %#v", resp.Data)
	}
	return m
}

func TestSubmitIntentQueuesPending(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	w, resp, raw := f.submit("", genericIntent())
	if w.Code != http.StatusCreated || !resp.Accepted || resp.IntentID == "" || resp.Error != nil {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if raw["accepted"] != true || raw["intent_id"] != resp.IntentID {
		t.Errorf("reply fields not at top level: %v", raw)
	}
	if _, ok := raw["data"]; ok {
		t.Errorf("reply wrapped in an envelope: %v", raw)
	}
	id := resp.IntentID

	entry, err := f.store.GetIntent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != models.IntentPending || entry.Type != models.IntentGeneric || entry.Source != "api" || entry.Reason != "breakout" {
		t.Errorf("entry %+v", entry)
	}

	w, got := f.do(http.MethodGet, "/api/v1/intents/"+id, "", nil)
	if w.Code != http.StatusOK || dataMap(t, got)["status"] != string(models.IntentPending) {
		t.Errorf("get: %d %+v", w.Code, got)
	}
}

func TestSubmitIntentRejectsMalformed(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	unknown := genericIntent()
	unknown["intent_type"] = "SCALP"
	noLegs := genericIntent()
	noLegs["payload"] = map[string]interface{}{"legs": []interface{}{}}
	badPayload := genericIntent()
	badPayload["payload"] = []int{1, 2}

	cases := map[string]interface{}{
		"unknown type": unknown,
		"no legs":      noLegs,
		"bad payload":  badPayload,
		"not json":     "{",
		"no payload":   map[string]interface{}{"intent_type": "GENERIC"},
	}
	for name, body := range cases {
		w, resp, raw := f.submit("", body)
		if w.Code != http.StatusBadRequest || resp.Accepted || resp.IntentID != "" || resp.Error == nil || resp.Error.Message == "" {
			t.Errorf("%s: %d %s", name, w.Code, w.Body.String())
		}
		if raw["accepted"] != false {
			t.Errorf("%s: accepted missing from %v", name, raw)
		}
	}

	queued, err := f.store.ListIntents(context.Background(), store.IntentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Errorf("queued %d malformed intents", len(queued))
	}
}

func TestStrategyIntentMayOmitLegs(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	body := map[string]interface{}{
		"intent_type": "STRATEGY",
		"payload":     map[string]interface{}{"action": "EXIT", "strategy": "alpha"},
	}
	if w, resp, _ := f.submit("", body); w.Code != http.StatusCreated || !resp.Accepted {
		t.Errorf("%d %+v", w.Code, resp)
	}
}

func TestReadOnlyRefusesIntent(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	f.access.SetReadOnly(true)

	w, resp, _ := f.submit("", genericIntent())
	if w.Code != http.StatusForbidden || resp.Accepted || resp.Error == nil || resp.Error.Code != ErrCodeForbidden {
		t.Fatalf("%d %s", w.Code, w.Body.String())
	}
}

func TestJWTAuth(t *testing.T) {
	f := newFixture(t, config.APIConfig{JWTSecret: testSecret})
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", token(t, "other", jwt.MapClaims{"client_id": "desk", "exp": exp}), http.StatusUnauthorized},
		{"expired", token(t, testSecret, jwt.MapClaims{"client_id": "desk", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"no exp", token(t, testSecret, jwt.MapClaims{"client_id": "desk"}), http.StatusUnauthorized},
		{"no client", token(t, testSecret, jwt.MapClaims{"exp": exp}), http.StatusUnauthorized},
		{"valid", token(t, testSecret, jwt.MapClaims{"client_id": "desk", "exp": exp}), http.StatusCreated},
	}
	for _, tc := range cases {
		w, resp := f.do(http.MethodPost, "/api/v1/intents", tc.token, genericIntent())
		if w.Code != tc.want {
			t.Errorf("%s: %d %+v", tc.name, w.Code, resp)
		}
	}

	intents, err := f.store.ListIntents(context.Background(), store.IntentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 || intents[0].Source != "api:desk" {
		t.Errorf("intents %+v", intents)
	}

	// Health stays open for probes.
	if w, _ := f.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, config.APIConfig{JWTSecret: testSecret, RateLimit: 0.001, RateBurst: 1})
	exp := time.Now().Add(time.Hour).Unix()
	desk := token(t, testSecret, jwt.MapClaims{"client_id": "desk", "exp": exp})
	bot := token(t, testSecret, jwt.MapClaims{"client_id": "bot", "exp": exp})

	if w, _ := f.do(http.MethodGet, "/api/v1/intents/nope", desk, nil); w.Code != http.StatusNotFound {
		t.Fatalf("first: %d", w.Code)
	}
	w, resp := f.do(http.MethodGet, "/api/v1/intents/nope", desk, nil)
	if w.Code != http.StatusTooManyRequests || resp.Error.Code != ErrCodeRateLimited {
		t.Fatalf("second: %d %+v", w.Code, resp)
	}
	if w, _ := f.do(http.MethodGet, "/api/v1/intents/nope", bot, nil); w.Code != http.StatusNotFound {
		t.Errorf("other client throttled: %d", w.Code)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.get("a")
	now = now.Add(visitorIdle + sweepPeriod + time.Second)
	rl.get("b")

	if _, ok := rl.visitors["a"]; ok {
		t.Error("idle visitor kept")
	}
	if len(rl.visitors) != 1 {
		t.Errorf("visitors = %d", len(rl.visitors))
	}
}

func TestGetOrderIncludesEvents(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	rec := &models.OrderRecord{
		CommandID:     "cmd-1",
		ExecutionType: models.ExecutionEntry,
		StrategyName:  "alpha",
		Symbol:        "NIFTY24DEC24000CE",
		Exchange:      models.NFO,
		Side:          models.OrderSideBuy,
		Quantity:      50,
		Product:       models.ProductMIS,
		OrderType:     models.OrderTypeMarket,
	}
	if _, err := f.store.InsertOrder(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	w, resp := f.do(http.MethodGet, "/api/v1/orders/cmd-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("%d %+v", w.Code, resp)
	}
	data := dataMap(t, resp)
	if data["command_id"] != "cmd-1" || data["status"] != string(models.StatusCreated) || data["strategy_name"] != "alpha" {
		t.Errorf("order %+v", data)
	}
	if events, _ := data["events"].([]interface{}); len(events) != 1 {
		t.Errorf("events %+v", data["events"])
	}

	if w, _ := f.do(http.MethodGet, "/api/v1/orders/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: %d", w.Code)
	}
}

func TestForceExit(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	if w, _ := f.do(http.MethodPost, "/api/v1/risk/force-exit", "", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("no reason: %d", w.Code)
	}
	if f.risk.calls != 0 {
		t.Fatal("force exit without a reason")
	}

	f.risk.legs = []models.OrderRecord{{CommandID: "EXIT:risk:x:NFO:NIFTY24DEC24000CE:MIS", Side: models.OrderSideSell, Quantity: 50}}
	w, resp := f.do(http.MethodPost, "/api/v1/risk/force-exit", "", map[string]string{"reason": "desk kill switch"})
	if w.Code != http.StatusCreated || f.risk.reason != "desk kill switch" {
		t.Fatalf("%d %+v reason=%q", w.Code, resp, f.risk.reason)
	}
	if legs, _ := dataMap(t, resp)["legs"].([]interface{}); len(legs) != 1 {
		t.Errorf("legs %+v", resp.Data)
	}

	f.risk.legs, f.risk.err = nil, errors.New("positions unavailable")
	if w, _ := f.do(http.MethodPost, "/api/v1/risk/force-exit", "", map[string]string{"reason": "again"}); w.Code != http.StatusInternalServerError {
		t.Errorf("failed exit: %d", w.Code)
	}
}

func TestHealthReportsUnhealthyComponent(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	f.health.RegisterComponent("database", resilience.DatabaseHealthCheck(f.store.Ping))

	w, resp := f.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || dataMap(t, resp)["status"] != string(resilience.HealthStatusHealthy) {
		t.Fatalf("%d %+v", w.Code, resp)
	}

	f.health.RegisterComponent("broker", func(ctx context.Context) resilience.ComponentHealth {
		return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: "circuit open"}
	})
	if w, _ := f.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: %d", w.Code)
	}
}
