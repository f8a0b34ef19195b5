package api

import (
	"encoding/json"
	"time"

	"zerodha-oms/internal/models"
)

// OrderView is the wire form of an order record.
type OrderView struct {
	CommandID       string               `json:"command_id"`
	IntentID        string               `json:"intent_id,omitempty"`
	ParentCommandID string               `json:"parent_command_id,omitempty"`
	ExecutionType   models.ExecutionType `json:"execution_type"`
	Strategy        string               `json:"strategy_name"`
	Symbol          string               `json:"symbol"`
	Exchange        models.Exchange      `json:"exchange"`
	Side            models.OrderSide     `json:"side"`
	Quantity        int                  `json:"quantity"`
	Product         models.ProductType   `json:"product_type"`
	OrderType       models.OrderType     `json:"order_type"`
	Price           *float64             `json:"price,omitempty"`
	StopLoss        *float64             `json:"stoploss,omitempty"`
	Target          *float64             `json:"target,omitempty"`
	TrailSL         *float64             `json:"trail_sl,omitempty"`
	Status          models.OrderStatus   `json:"status"`
	BrokerOrderID   string               `json:"broker_order_id,omitempty"`
	AveragePrice    float64              `json:"average_price,omitempty"`
	Tag             string               `json:"tag,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// NewOrderView converts a record for output.
func NewOrderView(r models.OrderRecord) OrderView {
	return OrderView{
		CommandID:       r.CommandID,
		IntentID:        r.IntentID,
		ParentCommandID: r.ParentCommandID,
		ExecutionType:   r.ExecutionType,
		Strategy:        r.StrategyName,
		Symbol:          r.Symbol,
		Exchange:        r.Exchange,
		Side:            r.Side,
		Quantity:        r.Quantity,
		Product:         r.Product,
		OrderType:       r.OrderType,
		Price:           r.Price,
		StopLoss:        r.StopLoss,
		Target:          r.Target,
		TrailSL:         r.TrailPercent,
		Status:          r.Status,
		BrokerOrderID:   r.BrokerOrderID,
		AveragePrice:    r.AveragePrice,
		Tag:             r.Tag,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// IntentView is the wire form of a queued intent.
type IntentView struct {
	IntentID  string              `json:"intent_id"`
	Type      models.IntentType   `json:"intent_type"`
	Status    models.IntentStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	Source    string              `json:"source,omitempty"`
	ClaimedBy string              `json:"claimed_by,omitempty"`
	Payload   json.RawMessage     `json:"payload"`
	Result    []models.LegResult  `json:"result,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// NewIntentView converts a queue entry for output.
func NewIntentView(e models.IntentEntry) IntentView {
	return IntentView{
		IntentID:  e.IntentID,
		Type:      e.Type,
		Status:    e.Status,
		Reason:    e.Reason,
		Source:    e.Source,
		ClaimedBy: e.ClaimedBy,
		Payload:   e.Payload,
		Result:    e.Result,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
