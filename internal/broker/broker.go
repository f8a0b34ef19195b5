// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"zerodha-oms/internal/models"
)

// Gateway is the capability the order management core consumes from a broker.
// PlaceOrder returns an error wrapping errors.ErrOrderRejected when the broker
// refused the order synchronously; any other error means the outcome is unknown.
type Gateway interface {
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, order *models.Order) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context) ([]models.Order, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetHoldings(ctx context.Context) ([]models.Holding, error)
}

// Broker is a full broker session: the order gateway plus authentication and
// market data.
type Broker interface {
	Gateway

	// Authentication
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool

	// Market Data
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetInstrumentToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error)
}

// Ticker defines the interface for real-time market data streaming.
type Ticker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string, mode TickMode) error
	Unsubscribe(symbols []string) error
	RegisterSymbol(symbol string, token uint32)
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnDisconnect(handler func())
}

// TickMode represents the subscription mode for ticks.
type TickMode string

const (
	TickModeLTP   TickMode = "ltp"
	TickModeQuote TickMode = "quote"
	TickModeFull  TickMode = "full"
)

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}

// TagLength is the maximum order tag length the exchange accepts.
const TagLength = 20

// OrderTag derives the broker order tag for a command id. The tag is stable
// across restarts, so an order placed before a crash can be found again in
// the broker's order book.
func OrderTag(commandID string) string {
	sum := sha1.Sum([]byte(commandID))
	return "oms" + hex.EncodeToString(sum[:])[:TagLength-3]
}
