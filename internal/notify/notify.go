// Package notify pushes operational alerts (broker rejections, orphan
// broker orders, forced exits) to a webhook and a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
)

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationRejection NotificationType = "rejection"
	NotificationOrphan    NotificationType = "orphan"
	NotificationRiskExit  NotificationType = "risk_exit"
	NotificationExecution NotificationType = "execution"
	NotificationError     NotificationType = "error"
	NotificationInfo      NotificationType = "info"
)

// IsError reports whether t needs an operator's attention.
func (t NotificationType) IsError() bool {
	switch t {
	case NotificationRejection, NotificationOrphan, NotificationRiskExit, NotificationError:
		return true
	}
	return false
}

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

const (
	queueSize   = 256
	sendTimeout = 10 * time.Second
)

// MultiNotifier sends notifications to multiple channels. Notify queues
// and never blocks; Run delivers the queue.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	mu       sync.RWMutex

	queue   chan Notification
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// NewMultiNotifier creates a MultiNotifier with the channels cfg enables.
func NewMultiNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{
		level:  NotificationLevel(cfg.Level),
		queue:  make(chan Notification, queueSize),
		logger: logging.WithComponent(logger, "notify"),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	if mn.level == LevelErrorsOnly {
		return t.IsError()
	}
	return true
}

// Send delivers n to every enabled channel now.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errs
}

// Notify queues n for Run. A full queue drops n. A nil notifier does
// nothing.
func (mn *MultiNotifier) Notify(n Notification) {
	if mn == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case mn.queue <- n:
	default:
		if mn.dropped.Add(1)%10 == 1 {
			mn.logger.Warn().Uint64("dropped", mn.dropped.Load()).Msg("Notification queue full")
		}
	}
}

// Dropped returns how many notifications a full queue discarded.
func (mn *MultiNotifier) Dropped() uint64 {
	return mn.dropped.Load()
}

// Run delivers queued notifications until ctx is cancelled. Delivery
// failures are logged and the notification is not retried.
func (mn *MultiNotifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-mn.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := mn.Send(sendCtx, n); err != nil && ctx.Err() == nil {
				mn.logger.Warn().Err(err).Str("type", string(n.Type)).Msg("Notification not delivered")
			}
			cancel()
		}
	}
}

// OrphanOrder describes a broker order with no local record.
func OrphanOrder(o models.Order) Notification {
	return Notification{
		Type:  NotificationOrphan,
		Title: fmt.Sprintf("Orphan broker order: %s %s", o.Side, o.Symbol),
		Message: fmt.Sprintf("Broker order %s (%s %d %s:%s, status %s, tag %q) has no local record.",
			o.ID, o.Side, o.Quantity, o.Exchange, o.Symbol, o.Status, o.Tag),
		Data: map[string]interface{}{
			"broker_order_id": o.ID,
			"symbol":          o.Symbol,
			"side":            o.Side,
			"quantity":        o.Quantity,
			"status":          o.Status,
		},
	}
}

// RiskExit describes a forced liquidation.
func RiskExit(reason string, legs int) Notification {
	return Notification{
		Type:    NotificationRiskExit,
		Title:   "Risk limit breached, positions exited",
		Message: fmt.Sprintf("%s\nExit legs registered: %d", reason, legs),
		Data:    map[string]interface{}{"reason": reason, "legs": legs},
	}
}

// ExecutionAlert converts an execution quality alert. Rejections map to
// NotificationRejection.
func ExecutionAlert(a resilience.ExecutionAlert) Notification {
	n := Notification{
		Type:    NotificationExecution,
		Title:   fmt.Sprintf("%s on %s", strings.ReplaceAll(strings.ToLower(string(a.Type)), "_", " "), a.Symbol),
		Message: a.Message,
		Data: map[string]interface{}{
			"command_id": a.CommandID,
			"symbol":     a.Symbol,
			"alert":      a.Type,
		},
	}
	if a.Type == resilience.AlertOrderRejected {
		n.Type = NotificationRejection
		n.Title = "Order rejected: " + a.Symbol
	} else {
		n.Data["value"] = a.Value
		n.Data["threshold"] = a.Threshold
	}
	return n
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: sendTimeout},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts n as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ZerodhaOMS/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends n as an HTML formatted message.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message)),
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token.
		return fmt.Errorf("sending telegram message: %s", strings.ReplaceAll(err.Error(), t.botToken, "***"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
