package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// PaperBroker implements the Broker interface for paper trading simulation.
// Besides filling orders against cached prices it can inject the failure
// modes a live broker shows: synchronous rejections, lost acknowledgements,
// transport errors and orders that stay open until resolved.
type PaperBroker struct {
	// Real broker for market data
	dataBroker Broker

	// Simulated state
	positions map[string]*models.Position
	holdings  map[string]*models.Holding
	orders    map[string]*models.Order
	order     []string // placement order of ids

	orderCounter int

	// Price cache for simulation
	priceCache map[string]float64

	// Fault injection
	autoFill    bool
	rejectRule  func(*models.Order) string
	dropAcks    int
	placeErrs   []error
	readErrs    []error
	placeCalls  int
	cancelCalls int

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	DataBroker Broker
	// LeaveOpen keeps placed orders OPEN until Fill, Reject or Cancel is called.
	LeaveOpen bool
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		dataBroker: cfg.DataBroker,
		positions:  make(map[string]*models.Position),
		holdings:   make(map[string]*models.Holding),
		orders:     make(map[string]*models.Order),
		priceCache: make(map[string]float64),
		autoFill:   !cfg.LeaveOpen,
	}
}

// Login is a no-op for paper trading.
func (p *PaperBroker) Login(ctx context.Context) error {
	return nil
}

// Logout is a no-op for paper trading.
func (p *PaperBroker) Logout(ctx context.Context) error {
	return nil
}

// IsAuthenticated always returns true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool {
	return true
}

// GetQuote returns the cached price, falling back to the data broker. The
// symbol may carry an EXCHANGE: prefix.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	bare := symbol
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		bare = symbol[i+1:]
	}

	p.mu.RLock()
	price, ok := p.priceCache[bare]
	p.mu.RUnlock()
	if ok {
		return &models.Quote{Symbol: symbol, LTP: price, Timestamp: time.Now()}, nil
	}

	if p.dataBroker != nil {
		quote, err := p.dataBroker.GetQuote(ctx, symbol)
		if err != nil {
			return nil, err
		}
		p.UpdatePrice(bare, quote.LTP)
		return quote, nil
	}
	return nil, apperrors.ErrNoMarketPrice
}

// GetInstrumentToken delegates to the data broker.
func (p *PaperBroker) GetInstrumentToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error) {
	if p.dataBroker != nil {
		return p.dataBroker.GetInstrumentToken(ctx, symbol, exchange)
	}
	return 0, fmt.Errorf("no data broker configured")
}

// HasDataBroker reports whether quotes and instrument tokens come from a
// real broker.
func (p *PaperBroker) HasDataBroker() bool {
	return p.dataBroker != nil
}

// PlaceOrder simulates order placement.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.placeCalls++

	if len(p.placeErrs) > 0 {
		err := p.placeErrs[0]
		p.placeErrs = p.placeErrs[1:]
		return nil, err
	}

	if p.rejectRule != nil {
		if reason := p.rejectRule(order); reason != "" {
			return nil, apperrors.NewBrokerError("OrderException", reason, apperrors.ErrOrderRejected)
		}
	}

	if order.Quantity <= 0 {
		return nil, apperrors.NewBrokerError("InputException", "invalid quantity", apperrors.ErrOrderRejected)
	}

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	newOrder := &models.Order{
		ID:           orderID,
		Symbol:       order.Symbol,
		Exchange:     order.Exchange,
		Side:         order.Side,
		Type:         order.Type,
		Product:      order.Product,
		Quantity:     order.Quantity,
		Price:        order.Price,
		TriggerPrice: order.TriggerPrice,
		Validity:     order.Validity,
		Tag:          order.Tag,
		Status:       models.BrokerStatusOpen,
		PlacedAt:     time.Now(),
	}
	p.orders[orderID] = newOrder
	p.order = append(p.order, orderID)

	if p.autoFill && p.canFill(newOrder) {
		p.fill(newOrder)
	}

	if p.dropAcks > 0 {
		p.dropAcks--
		return nil, apperrors.NewBrokerError("transport", "acknowledgement lost", apperrors.ErrConnectionFailed)
	}

	return &OrderResult{
		OrderID: orderID,
		Status:  newOrder.Status,
		Message: "Paper order placed",
	}, nil
}

// canFill reports whether an order crosses the cached price.
// Market orders and symbols without a price always fill.
func (p *PaperBroker) canFill(o *models.Order) bool {
	if o.Type != models.OrderTypeLimit {
		return true
	}
	price, ok := p.priceCache[o.Symbol]
	if !ok {
		return true
	}
	if o.Side == models.OrderSideBuy {
		return price <= o.Price
	}
	return price >= o.Price
}

func (p *PaperBroker) fill(o *models.Order) {
	execPrice := p.priceCache[o.Symbol]
	if o.Type == models.OrderTypeLimit || execPrice == 0 {
		execPrice = o.Price
	}
	o.Status = models.BrokerStatusComplete
	o.FilledQty = o.Quantity
	o.AveragePrice = execPrice
	p.updatePosition(o.Symbol, o.Exchange, o.Product, o.Side, o.Quantity, execPrice)
}

// ModifyOrder simulates order modification.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewBrokerError("InputException", "order not found: "+orderID, apperrors.ErrOrderRejected)
	}

	if existing.Status != models.BrokerStatusOpen {
		return apperrors.NewBrokerError("OrderException",
			"cannot modify order with status: "+existing.Status, apperrors.ErrOrderRejected)
	}

	if order.Price > 0 {
		existing.Price = order.Price
	}
	if order.TriggerPrice > 0 {
		existing.TriggerPrice = order.TriggerPrice
	}
	if order.Quantity > 0 {
		existing.Quantity = order.Quantity
	}

	return nil
}

// CancelOrder simulates order cancellation.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelCalls++

	order, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewBrokerError("InputException", "order not found: "+orderID, apperrors.ErrOrderRejected)
	}

	if order.Status != models.BrokerStatusOpen {
		return apperrors.NewBrokerError("OrderException",
			"cannot cancel order with status: "+order.Status, apperrors.ErrOrderRejected)
	}

	order.Status = models.BrokerStatusCancelled
	order.StatusReason = "Cancelled by user"
	return nil
}

// GetOrders returns all paper orders in placement order.
func (p *PaperBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.nextReadErr(); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(p.order))
	for _, id := range p.order {
		orders = append(orders, *p.orders[id])
	}
	return orders, nil
}

// GetPositions returns simulated positions.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.nextReadErr(); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if price := p.priceCache[pos.Symbol]; price > 0 {
			pos.LTP = price
			pos.PnL = (price - pos.AveragePrice) * float64(pos.Quantity)
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

// GetHoldings returns simulated holdings.
func (p *PaperBroker) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	holdings := make([]models.Holding, 0, len(p.holdings))
	for _, h := range p.holdings {
		holdings = append(holdings, *h)
	}
	return holdings, nil
}

func (p *PaperBroker) nextReadErr() error {
	if len(p.readErrs) == 0 {
		return nil
	}
	err := p.readErrs[0]
	p.readErrs = p.readErrs[1:]
	return err
}

func positionKey(exchange models.Exchange, symbol string, product models.ProductType) string {
	return fmt.Sprintf("%s:%s:%s", exchange, symbol, product)
}

// updatePosition updates or creates a position based on trade.
func (p *PaperBroker) updatePosition(symbol string, exchange models.Exchange, product models.ProductType, side models.OrderSide, qty int, price float64) {
	key := positionKey(exchange, symbol, product)

	pos, exists := p.positions[key]
	if !exists {
		pos = &models.Position{
			Symbol:     symbol,
			Exchange:   exchange,
			Product:    product,
			Multiplier: 1,
		}
		p.positions[key] = pos
	}

	prev := pos.Quantity
	pos.Quantity += side.Sign() * qty

	switch {
	case pos.Quantity == 0:
		delete(p.positions, key)
		return
	case prev == 0 || (prev > 0) != (pos.Quantity > 0):
		// Opened or flipped
		pos.AveragePrice = price
	case (prev > 0) == (side == models.OrderSideBuy):
		// Added to the existing direction
		total := pos.AveragePrice*float64(abs(prev)) + price*float64(qty)
		pos.AveragePrice = total / float64(abs(pos.Quantity))
	}

	pos.LTP = price
	pos.PnL = (price - pos.AveragePrice) * float64(pos.Quantity)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// UpdatePrice updates the cached price for a symbol.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
}

// ProcessTick processes a tick and fills resting limit orders it crosses.
func (p *PaperBroker) ProcessTick(tick models.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.priceCache[tick.Symbol] = tick.LTP
	if !p.autoFill {
		return
	}
	for _, id := range p.order {
		o := p.orders[id]
		if o.Symbol == tick.Symbol && o.Status == models.BrokerStatusOpen && p.canFill(o) {
			p.fill(o)
		}
	}
}

// SetPosition seeds a net position, e.g. one opened outside this system.
// A zero quantity removes the row.
func (p *PaperBroker) SetPosition(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := positionKey(pos.Exchange, pos.Symbol, pos.Product)
	if pos.Quantity == 0 {
		delete(p.positions, key)
		return
	}
	if pos.Multiplier == 0 {
		pos.Multiplier = 1
	}
	p.positions[key] = &pos
}

// SetHolding seeds a delivery holding.
func (p *PaperBroker) SetHolding(h models.Holding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings[fmt.Sprintf("%s:%s", h.Exchange, h.Symbol)] = &h
}

// SetAutoFill controls whether placed orders complete immediately.
func (p *PaperBroker) SetAutoFill(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoFill = enabled
}

// SetRejectRule installs a rule returning a non-empty reason for orders the
// broker should reject synchronously.
func (p *PaperBroker) SetRejectRule(rule func(*models.Order) string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectRule = rule
}

// DropNextAcks makes the next n placements succeed at the broker while the
// caller sees a transport error.
func (p *PaperBroker) DropNextAcks(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropAcks = n
}

// FailNextPlace makes the next placement fail with err before reaching the book.
func (p *PaperBroker) FailNextPlace(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeErrs = append(p.placeErrs, err)
}

// FailNextRead makes the next order book or position read fail with err.
func (p *PaperBroker) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErrs = append(p.readErrs, err)
}

// Fill completes an open order at price (0 uses the cached or limit price).
func (p *PaperBroker) Fill(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Status != models.BrokerStatusOpen {
		return fmt.Errorf("order %s not open", orderID)
	}
	if price > 0 {
		p.priceCache[o.Symbol] = price
	}
	p.fill(o)
	return nil
}

// Reject moves an open order to REJECTED, as an exchange would asynchronously.
func (p *PaperBroker) Reject(orderID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Status != models.BrokerStatusOpen {
		return fmt.Errorf("order %s not open", orderID)
	}
	o.Status = models.BrokerStatusRejected
	o.StatusReason = reason
	return nil
}

// InjectOrder adds an order to the book that this system never placed.
func (p *PaperBroker) InjectOrder(o models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.PlacedAt.IsZero() {
		o.PlacedAt = time.Now()
	}
	p.orders[o.ID] = &o
	p.order = append(p.order, o.ID)
}

// OrdersWithTag returns the broker orders carrying tag.
func (p *PaperBroker) OrdersWithTag(tag string) []models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.Order
	for _, id := range p.order {
		if o := p.orders[id]; o.Tag == tag {
			out = append(out, *o)
		}
	}
	return out
}

// PlaceCalls returns how many times PlaceOrder was invoked.
func (p *PaperBroker) PlaceCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.placeCalls
}

// CancelCalls returns how many times CancelOrder was invoked.
func (p *PaperBroker) CancelCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cancelCalls
}

// Reset resets the paper broker to an empty book.
func (p *PaperBroker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.positions = make(map[string]*models.Position)
	p.holdings = make(map[string]*models.Holding)
	p.orders = make(map[string]*models.Order)
	p.order = nil
	p.orderCounter = 0
	p.placeCalls = 0
	p.cancelCalls = 0
	p.placeErrs = nil
	p.readErrs = nil
	p.dropAcks = 0
}

// IsPaperTrading returns true to indicate this is a paper broker.
func (p *PaperBroker) IsPaperTrading() bool {
	return true
}

// Ensure PaperBroker implements Broker interface
var _ Broker = (*PaperBroker)(nil)
