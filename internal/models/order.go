package models

import "time"

// ExecutionType classifies what a leg does to a strategy's exposure.
type ExecutionType string

const (
	ExecutionEntry  ExecutionType = "ENTRY"
	ExecutionAdjust ExecutionType = "ADJUST"
	ExecutionExit   ExecutionType = "EXIT"
)

// Valid reports whether e is a known execution type.
func (e ExecutionType) Valid() bool {
	return e == ExecutionEntry || e == ExecutionAdjust || e == ExecutionExit
}

// OrderStatus is the local lifecycle state of an OrderRecord.
type OrderStatus string

const (
	StatusCreated      OrderStatus = "CREATED"
	StatusSentToBroker OrderStatus = "SENT_TO_BROKER"
	StatusExecuted     OrderStatus = "EXECUTED"
	StatusFailed       OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Status only moves forward: CREATED -> SENT_TO_BROKER -> {EXECUTED, FAILED},
// and a CREATED record may fail without ever reaching the broker.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusSentToBroker || next == StatusFailed
	case StatusSentToBroker:
		return next == StatusExecuted || next == StatusFailed
	default:
		return false
	}
}

// Command is a caller's request to place one broker-directed leg.
// CommandID is the idempotency key.
type Command struct {
	CommandID       string
	IntentID        string
	ParentCommandID string
	StrategyName    string
	Symbol          string
	Exchange        Exchange
	Side            OrderSide
	Quantity        int
	Product         ProductType
	OrderType       OrderType
	Price           *float64
	StopLoss        *float64
	Target          *float64
	TrailPercent    *float64
}

// OrderRecord is the persisted form of a leg.
type OrderRecord struct {
	CommandID       string
	IntentID        string
	ParentCommandID string
	ExecutionType   ExecutionType
	StrategyName    string
	Symbol          string
	Exchange        Exchange
	Side            OrderSide
	Quantity        int
	Product         ProductType
	OrderType       OrderType
	Price           *float64
	StopLoss        *float64
	Target          *float64
	TrailPercent    *float64
	Status          OrderStatus
	BrokerOrderID   string
	BrokerTag       string
	AveragePrice    float64
	Tag             string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SignedQuantity returns the quantity with the sign of the side.
func (r *OrderRecord) SignedQuantity() int {
	return r.Side.Sign() * r.Quantity
}

// HasExitRules reports whether the record carries any rule-based exit level.
func (r *OrderRecord) HasExitRules() bool {
	return r.StopLoss != nil || r.Target != nil || r.TrailPercent != nil
}

// OrderEvent is one row of the transition audit trail.
type OrderEvent struct {
	CommandID  string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Event      string
	Tag        string
	At         time.Time
}

// Order represents an order as reported by the broker.
type Order struct {
	ID           string
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Validity     string // DAY, IOC
	Tag          string
	Status       string
	StatusReason string
	FilledQty    int
	AveragePrice float64
	PlacedAt     time.Time
}

// Broker order statuses that map to local terminal states.
const (
	BrokerStatusComplete  = "COMPLETE"
	BrokerStatusRejected  = "REJECTED"
	BrokerStatusCancelled = "CANCELLED"
	BrokerStatusExpired   = "EXPIRED"
	BrokerStatusOpen      = "OPEN"
)

// Position represents an open position in the broker's book.
type Position struct {
	Symbol       string
	Exchange     Exchange
	Product      ProductType
	Quantity     int // net quantity, negative when short
	AveragePrice float64
	LTP          float64
	PnL          float64
	Multiplier   int // For F&O lot size
}

// Holding represents a delivery holding.
type Holding struct {
	Symbol       string
	Exchange     Exchange
	Quantity     int
	AveragePrice float64
	LTP          float64
}
