package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
)

type recordingChannel struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

func (c *recordingChannel) Name() string    { return "recording" }
func (c *recordingChannel) IsEnabled() bool { return true }
func (c *recordingChannel) Send(ctx context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return c.fail
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestErrorsOnlyFiltersExecutionAlerts(t *testing.T) {
	mn := NewMultiNotifier(config.NotifyConfig{Level: "errors_only"}, zerolog.Nop())
	ch := &recordingChannel{}
	mn.AddChannel(ch)
	ctx := context.Background()

	slow := ExecutionAlert(resilience.ExecutionAlert{Type: resilience.AlertHighLatency, Symbol: "NIFTY24DEC24000CE"})
	if err := mn.Send(ctx, slow); err != nil {
		t.Fatal(err)
	}
	rejected := ExecutionAlert(resilience.ExecutionAlert{Type: resilience.AlertOrderRejected, Symbol: "NIFTY24DEC24000CE"})
	if err := mn.Send(ctx, rejected); err != nil {
		t.Fatal(err)
	}

	if ch.count() != 1 || ch.got[0].Type != NotificationRejection {
		t.Fatalf("delivered %+v", ch.got)
	}
	if ch.got[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestSendCollectsChannelErrors(t *testing.T) {
	mn := NewMultiNotifier(config.NotifyConfig{}, zerolog.Nop())
	ok := &recordingChannel{}
	broken := &recordingChannel{fail: errors.New("down")}
	mn.AddChannel(broken)
	mn.AddChannel(ok)

	err := mn.Send(context.Background(), RiskExit("daily loss limit reached", 3))
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("err = %v", err)
	}
	if ok.count() != 1 {
		t.Error("a failing channel must not stop the others")
	}
}

func TestRunDeliversQueuedNotifications(t *testing.T) {
	mn := NewMultiNotifier(config.NotifyConfig{}, zerolog.Nop())
	ch := &recordingChannel{}
	mn.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mn.Run(ctx) }()

	mn.Notify(OrphanOrder(models.Order{ID: "240101000001", Symbol: "BANKNIFTY24DEC52000PE", Side: models.OrderSideSell, Quantity: 15}))

	deadline := time.Now().Add(2 * time.Second)
	for ch.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if ch.count() != 1 || ch.got[0].Data["broker_order_id"] != "240101000001" {
		t.Fatalf("delivered %+v", ch.got)
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	mn := NewMultiNotifier(config.NotifyConfig{}, zerolog.Nop())
	for i := 0; i < queueSize+5; i++ {
		mn.Notify(Notification{Type: NotificationInfo})
	}
	if mn.Dropped() != 5 {
		t.Errorf("dropped = %d", mn.Dropped())
	}

	var nilNotifier *MultiNotifier
	nilNotifier.Notify(Notification{Type: NotificationInfo})
}

func TestWebhookPostsJSON(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL})
	n := RiskExit("daily loss limit reached", 2)
	n.Timestamp = time.Now()
	if err := hook.Send(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if body["type"] != "risk_exit" || body["title"] != n.Title {
		t.Errorf("body = %v", body)
	}

	if NewWebhookNotifier(config.WebhookConfig{Enabled: true}).IsEnabled() {
		t.Error("webhook without a url must be disabled")
	}
}

func TestTelegramEscapesAndHidesToken(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/botsecret-token/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		text, _ = payload["text"].(string)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "secret-token", ChatID: "42"})
	tg.baseURL = srv.URL
	if err := tg.Send(context.Background(), Notification{Title: "P&L <alert>", Message: "a & b"}); err != nil {
		t.Fatal(err)
	}
	if text != "<b>P&amp;L &lt;alert&gt;</b>\n\na &amp; b" {
		t.Errorf("text = %q", text)
	}

	tg.baseURL = "http://127.0.0.1:1"
	err := tg.Send(context.Background(), Notification{Title: "x"})
	if err == nil || strings.Contains(err.Error(), "secret-token") {
		t.Errorf("err = %v", err)
	}
}
