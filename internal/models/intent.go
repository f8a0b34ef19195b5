package models

import (
	"encoding/json"
	"time"
)

// IntentType identifies which consumer processes an intent.
type IntentType string

const (
	IntentGeneric  IntentType = "GENERIC"
	IntentStrategy IntentType = "STRATEGY"
	IntentAdvanced IntentType = "ADVANCED"
	IntentBasket   IntentType = "BASKET"
)

// Valid reports whether t is a known intent type.
func (t IntentType) Valid() bool {
	switch t {
	case IntentGeneric, IntentStrategy, IntentAdvanced, IntentBasket:
		return true
	}
	return false
}

// IntentStatus is the lifecycle state of a queued intent.
type IntentStatus string

const (
	IntentPending           IntentStatus = "PENDING"
	IntentClaimed           IntentStatus = "CLAIMED"
	IntentAccepted          IntentStatus = "ACCEPTED"
	IntentPartiallyAccepted IntentStatus = "PARTIALLY_ACCEPTED"
	IntentRejected          IntentStatus = "REJECTED"
	IntentFailed            IntentStatus = "FAILED"
)

// IsTerminal reports whether the intent has finished processing.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentAccepted, IntentPartiallyAccepted, IntentRejected, IntentFailed:
		return true
	}
	return false
}

// IntentEntry is one row of the intent queue.
type IntentEntry struct {
	IntentID  string
	Type      IntentType
	Payload   json.RawMessage
	Reason    string
	Source    string
	Status    IntentStatus
	ClaimedBy string
	Result    []LegResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Leg is one order leg of an intent payload.
type Leg struct {
	Symbol        string        `json:"symbol"`
	Exchange      Exchange      `json:"exchange"`
	Side          OrderSide     `json:"side"`
	Quantity      int           `json:"qty"`
	Product       ProductType   `json:"product_type"`
	OrderType     OrderType     `json:"order_type"`
	Price         *float64      `json:"price,omitempty"`
	ExecutionType ExecutionType `json:"execution_type"`
	StopLoss      *float64      `json:"stoploss,omitempty"`
	Target        *float64      `json:"target,omitempty"`
	TrailSL       *float64      `json:"trail_sl,omitempty"`
}

// IntentPayload is the decoded payload shared by all intent types.
// Strategy intents additionally use Action, Scope and Symbols.
type IntentPayload struct {
	Strategy string   `json:"strategy,omitempty"`
	Action   string   `json:"action,omitempty"`
	Scope    string   `json:"scope,omitempty"` // ALL, SYMBOLS or STRATEGY for exits
	Symbols  []string `json:"symbols,omitempty"`
	Legs     []Leg    `json:"legs"`
}

// LegResult records the outcome of dispatching one leg of an intent.
type LegResult struct {
	LegIndex  int    `json:"leg_index"`
	CommandID string `json:"command_id,omitempty"`
	// CommandIDs lists every record an exit leg registered, one per
	// product the broker holds the symbol under.
	CommandIDs    []string      `json:"command_ids,omitempty"`
	Symbol        string        `json:"symbol"`
	ExecutionType ExecutionType `json:"execution_type"`
	Status        OrderStatus   `json:"status,omitempty"`
	Accepted      bool          `json:"accepted"`
	Error         string        `json:"error,omitempty"`
}
