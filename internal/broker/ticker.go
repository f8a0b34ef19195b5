package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// ZerodhaTicker implements the Ticker interface for Zerodha WebSocket streaming.
type ZerodhaTicker struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string

	// Handlers
	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onDisconnect func()

	// State
	connected    bool
	everUp       bool
	subscribed   map[uint32]TickMode
	symbolTokens map[string]uint32
	tokenSymbols map[uint32]string

	// Reconnection is delegated to kiteticker.
	maxRetries int
	maxDelay   time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// ZerodhaTickerConfig holds configuration for the ticker.
type ZerodhaTickerConfig struct {
	APIKey      string
	AccessToken string
	MaxRetries  int
	MaxDelay    time.Duration
}

// NewZerodhaTicker creates a new Zerodha ticker instance.
func NewZerodhaTicker(cfg ZerodhaTickerConfig) *ZerodhaTicker {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 50
	}

	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = 30 * time.Second
	}

	return &ZerodhaTicker{
		apiKey:       cfg.APIKey,
		accessToken:  cfg.AccessToken,
		subscribed:   make(map[uint32]TickMode),
		symbolTokens: make(map[string]uint32),
		tokenSymbols: make(map[uint32]string),
		maxRetries:   maxRetries,
		maxDelay:     maxDelay,
	}
}

// Connect establishes WebSocket connection with Kite Connect and blocks until
// the first connect, ctx cancellation or a 30s timeout.
func (t *ZerodhaTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	t.ticker = kiteticker.New(t.apiKey, t.accessToken)
	t.ticker.SetAutoReconnect(true)
	t.ticker.SetReconnectMaxRetries(t.maxRetries)
	t.ticker.SetReconnectMaxDelay(t.maxDelay)

	connectedCh := make(chan struct{}, 1)

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		reconnect := t.everUp
		t.everUp = true
		onConnect := t.onConnect
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		// A reconnect restores the previous subscriptions; only the first
		// connect is reported to the caller.
		if reconnect {
			t.resubscribe()
			return
		}
		if onConnect != nil {
			go onConnect()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		onDisconnect := t.onDisconnect
		t.mu.Unlock()

		if onDisconnect != nil && wasConnected {
			go onDisconnect()
		}
	})

	t.ticker.OnError(func(err error) {
		t.emitError(err)
	})

	t.ticker.OnNoReconnect(func(attempt int) {
		t.emitError(fmt.Errorf("%w: ticker gave up after %d reconnect attempts", apperrors.ErrConnectionFailed, attempt))
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.mu.RLock()
		handler := t.onTick
		t.mu.RUnlock()
		if handler != nil {
			handler(t.convertTick(tick))
		}
	})

	kt := t.ticker
	t.mu.Unlock()

	go kt.Serve()
	go func() {
		<-ctx.Done()
		kt.Stop()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("%w: ticker connection timeout", apperrors.ErrConnectionFailed)
	}
}

// Disconnect closes the WebSocket connection.
func (t *ZerodhaTicker) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		t.ticker.Stop()
		t.connected = false
	}

	return nil
}

// Subscribe subscribes to registered symbols with the specified mode.
// Unregistered symbols are skipped.
func (t *ZerodhaTicker) Subscribe(symbols []string, mode TickMode) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.ErrConnectionFailed
	}

	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		token, ok := t.symbolTokens[symbol]
		if !ok {
			continue
		}
		tokens = append(tokens, token)
		t.subscribed[token] = mode
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := t.ticker.SetMode(kiteMode(mode), tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// Unsubscribe unsubscribes from symbols.
func (t *ZerodhaTicker) Unsubscribe(symbols []string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.ErrConnectionFailed
	}

	tokens := make([]uint32, 0, len(symbols))
	for _, symbol := range symbols {
		if token, ok := t.symbolTokens[symbol]; ok {
			tokens = append(tokens, token)
			delete(t.subscribed, token)
		}
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// OnTick sets the tick handler. It runs on the ticker's read goroutine.
func (t *ZerodhaTicker) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnError sets the error handler.
func (t *ZerodhaTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// OnConnect sets the connect handler.
func (t *ZerodhaTicker) OnConnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = handler
}

// OnDisconnect sets the disconnect handler.
func (t *ZerodhaTicker) OnDisconnect(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = handler
}

// RegisterSymbol registers a symbol with its instrument token.
func (t *ZerodhaTicker) RegisterSymbol(symbol string, token uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbolTokens[symbol] = token
	t.tokenSymbols[token] = symbol
}

// IsConnected returns whether the ticker is connected.
func (t *ZerodhaTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *ZerodhaTicker) emitError(err error) {
	t.mu.RLock()
	handler := t.onError
	t.mu.RUnlock()
	if handler != nil {
		go handler(err)
	}
}

// convertTick converts a Kite ticker tick to our model.
func (t *ZerodhaTicker) convertTick(tick kitemodels.Tick) models.Tick {
	t.mu.RLock()
	symbol := t.tokenSymbols[tick.InstrumentToken]
	t.mu.RUnlock()

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Tick{
		Symbol:    symbol,
		LTP:       tick.LastPrice,
		Timestamp: ts,
	}
}

// resubscribe resubscribes to all previously subscribed symbols.
func (t *ZerodhaTicker) resubscribe() {
	t.mu.RLock()
	byMode := make(map[TickMode][]uint32)
	for token, mode := range t.subscribed {
		byMode[mode] = append(byMode[mode], token)
	}
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for mode, tokens := range byMode {
		if err := t.ticker.Subscribe(tokens); err != nil {
			t.emitError(fmt.Errorf("resubscribe: %w", err))
			continue
		}
		if err := t.ticker.SetMode(kiteMode(mode), tokens); err != nil {
			t.emitError(fmt.Errorf("resubscribe set mode: %w", err))
		}
	}
}

func kiteMode(mode TickMode) kiteticker.Mode {
	switch mode {
	case TickModeFull:
		return kiteticker.ModeFull
	case TickModeQuote:
		return kiteticker.ModeQuote
	default:
		return kiteticker.ModeLTP
	}
}

// Ensure ZerodhaTicker implements Ticker interface
var _ Ticker = (*ZerodhaTicker)(nil)
