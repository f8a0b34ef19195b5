package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// ZerodhaBroker implements the Broker interface for Zerodha Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	instruments   map[string]models.Instrument
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	APISecret   string
	UserID      string
	AccessToken string
	TokenPath   string
}

// NewZerodhaBroker creates a new Zerodha broker instance.
// A configured access token wins over a saved session.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "zerodha-oms", "session.json")
	}

	zb := &ZerodhaBroker{
		client:      client,
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		userID:      cfg.UserID,
		tokenPath:   tokenPath,
		instruments: make(map[string]models.Instrument),
	}

	if cfg.AccessToken != "" {
		zb.setAccessToken(cfg.AccessToken)
	} else {
		_ = zb.loadSession()
	}

	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login verifies the current session. Without one it returns the OAuth login URL.
func (z *ZerodhaBroker) Login(ctx context.Context) error {
	if z.IsAuthenticated() {
		if _, err := z.client.GetUserProfile(); err == nil {
			return nil
		}
	}

	loginURL := z.client.GetLoginURL()
	return fmt.Errorf("%w: visit %s and complete login, then call CompleteLogin with the request token",
		apperrors.ErrNotAuthenticated, loginURL)
}

// CompleteLogin completes the OAuth flow with the request token.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return fmt.Errorf("failed to generate session: %w", err)
	}

	z.setAccessToken(session.AccessToken)

	if err := z.saveSession(session.AccessToken); err != nil {
		return fmt.Errorf("session valid but not persisted: %w", err)
	}
	return nil
}

// Logout invalidates the session and clears stored credentials.
func (z *ZerodhaBroker) Logout(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	var invalidateErr error
	if z.authenticated {
		_, invalidateErr = z.client.InvalidateAccessToken()
	}

	z.accessToken = ""
	z.authenticated = false

	if err := os.Remove(z.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	if invalidateErr != nil {
		return fmt.Errorf("failed to invalidate token: %w", invalidateErr)
	}
	return nil
}

// IsAuthenticated returns whether the broker is authenticated.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// AccessToken returns the current session token, used by the ticker.
func (z *ZerodhaBroker) AccessToken() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.accessToken
}

// APIKey returns the configured API key.
func (z *ZerodhaBroker) APIKey() string {
	return z.apiKey
}

func (z *ZerodhaBroker) setAccessToken(token string) {
	z.mu.Lock()
	z.accessToken = token
	z.authenticated = true
	z.client.SetAccessToken(token)
	z.mu.Unlock()
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	// Zerodha tokens expire at 6 AM the next day
	if time.Now().After(session.ExpiresAt) {
		return fmt.Errorf("session expired")
	}

	z.setAccessToken(session.AccessToken)
	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	dir := filepath.Dir(z.tokenPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	now := time.Now().In(loc)
	expiresAt := time.Date(now.Year(), now.Month(), now.Day()+1, 6, 0, 0, 0, loc)

	data, err := json.Marshal(sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(z.tokenPath, data, 0600)
}

// GetQuote fetches real-time quote for a symbol given as EXCHANGE:SYMBOL.
// A bare symbol is looked up on NFO.
func (z *ZerodhaBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}
	if !strings.Contains(symbol, ":") {
		symbol = string(models.NFO) + ":" + symbol
	}

	quotes, err := z.client.GetQuote(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}

	q, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("quote not found for symbol: %s", symbol)
	}

	return &models.Quote{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Timestamp: q.LastTradeTime.Time,
	}, nil
}

// GetInstrumentToken resolves the instrument token for a symbol, loading
// the exchange's instrument list on first use.
func (z *ZerodhaBroker) GetInstrumentToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error) {
	key := fmt.Sprintf("%s:%s", exchange, symbol)

	z.mu.RLock()
	inst, ok := z.instruments[key]
	z.mu.RUnlock()
	if ok {
		return inst.Token, nil
	}

	if err := z.loadInstruments(exchange); err != nil {
		return 0, err
	}

	z.mu.RLock()
	inst, ok = z.instruments[key]
	z.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("instrument not found: %s", key)
	}
	return inst.Token, nil
}

func (z *ZerodhaBroker) loadInstruments(exchange models.Exchange) error {
	if !z.IsAuthenticated() {
		return apperrors.ErrNotAuthenticated
	}

	instruments, err := z.client.GetInstrumentsByExchange(string(exchange))
	if err != nil {
		return fmt.Errorf("failed to get instruments: %w", err)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	for _, inst := range instruments {
		key := fmt.Sprintf("%s:%s", inst.Exchange, inst.Tradingsymbol)
		z.instruments[key] = models.Instrument{
			Token:    uint32(inst.InstrumentToken),
			Symbol:   inst.Tradingsymbol,
			Exchange: models.Exchange(inst.Exchange),
			LotSize:  int(inst.LotSize),
		}
	}
	return nil
}

// PlaceOrder places a regular order. Exchange and RMS rejections surface as
// ErrOrderRejected; everything else leaves the outcome unknown.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Price:           order.Price,
		TriggerPrice:    order.TriggerPrice,
		Validity:        order.Validity,
		Tag:             order.Tag,
	}

	if params.Validity == "" {
		params.Validity = "DAY"
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, classifyKiteError("place_order", err)
	}

	return &OrderResult{
		OrderID: resp.OrderID,
		Status:  "PLACED",
		Message: "Order placed successfully",
	}, nil
}

// ModifyOrder modifies an existing order.
func (z *ZerodhaBroker) ModifyOrder(ctx context.Context, orderID string, order *models.Order) error {
	if !z.IsAuthenticated() {
		return apperrors.ErrNotAuthenticated
	}

	params := kiteconnect.OrderParams{
		OrderType:    string(order.Type),
		Quantity:     order.Quantity,
		Price:        order.Price,
		TriggerPrice: order.TriggerPrice,
		Validity:     order.Validity,
	}

	if _, err := z.client.ModifyOrder(kiteconnect.VarietyRegular, orderID, params); err != nil {
		return classifyKiteError("modify_order", err)
	}
	return nil
}

// CancelOrder cancels an existing order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if !z.IsAuthenticated() {
		return apperrors.ErrNotAuthenticated
	}

	if _, err := z.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		return classifyKiteError("cancel_order", err)
	}
	return nil
}

// GetOrders fetches all orders for the day.
func (z *ZerodhaBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, classifyKiteError("get_orders", err)
	}

	result := make([]models.Order, len(orders))
	for i, o := range orders {
		result[i] = models.Order{
			ID:           o.OrderID,
			Symbol:       o.TradingSymbol,
			Exchange:     models.Exchange(o.Exchange),
			Side:         models.OrderSide(o.TransactionType),
			Type:         models.OrderType(o.OrderType),
			Product:      models.ProductType(o.Product),
			Quantity:     int(o.Quantity),
			Price:        o.Price,
			TriggerPrice: o.TriggerPrice,
			Validity:     o.Validity,
			Tag:          o.Tag,
			Status:       o.Status,
			StatusReason: o.StatusMessage,
			FilledQty:    int(o.FilledQuantity),
			AveragePrice: o.AveragePrice,
			PlacedAt:     o.OrderTimestamp.Time,
		}
	}

	return result, nil
}

// GetPositions fetches the net position book. Day positions are already
// folded into the net rows, so only those are returned.
func (z *ZerodhaBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	positions, err := z.client.GetPositions()
	if err != nil {
		return nil, classifyKiteError("get_positions", err)
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		result = append(result, models.Position{
			Symbol:       p.Tradingsymbol,
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     int(p.Quantity),
			AveragePrice: p.AveragePrice,
			LTP:          p.LastPrice,
			PnL:          p.PnL,
			Multiplier:   int(p.Multiplier),
		})
	}

	return result, nil
}

// GetHoldings fetches delivery holdings.
func (z *ZerodhaBroker) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	if !z.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	holdings, err := z.client.GetHoldings()
	if err != nil {
		return nil, classifyKiteError("get_holdings", err)
	}

	result := make([]models.Holding, len(holdings))
	for i, h := range holdings {
		result[i] = models.Holding{
			Symbol:       h.Tradingsymbol,
			Exchange:     models.Exchange(h.Exchange),
			Quantity:     int(h.Quantity),
			AveragePrice: h.AveragePrice,
			LTP:          h.LastPrice,
		}
	}

	return result, nil
}

// GetLoginURL returns the Zerodha login URL for OAuth.
func (z *ZerodhaBroker) GetLoginURL() string {
	return z.client.GetLoginURL()
}

// classifyKiteError maps a Kite error onto the broker error taxonomy.
// Order and input exceptions are definite rejections.
func classifyKiteError(op string, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case "OrderException", "InputException", "MarginException":
			return apperrors.NewBrokerError(kerr.ErrorType, kerr.Message, apperrors.ErrOrderRejected)
		case "TokenException":
			return apperrors.NewBrokerError(kerr.ErrorType, kerr.Message, apperrors.ErrNotAuthenticated)
		case "NetworkException":
			return apperrors.NewBrokerError(kerr.ErrorType, kerr.Message, apperrors.ErrConnectionFailed)
		}
		return apperrors.NewBrokerError(kerr.ErrorType, op+": "+kerr.Message, nil)
	}
	return apperrors.NewBrokerError("transport", op, fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
}

// Ensure ZerodhaBroker implements Broker interface
var _ Broker = (*ZerodhaBroker)(nil)
