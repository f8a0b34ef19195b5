// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"zerodha-oms/internal/models"
)

// OrderStore persists order records and their transition log. Records are
// written once and then only move forward through conditional transitions.
type OrderStore interface {
	// InsertOrder writes a CREATED (or pre-failed) record. It reports false
	// without error when a record with the same command id already exists.
	InsertOrder(ctx context.Context, rec *models.OrderRecord) (bool, error)
	GetOrder(ctx context.Context, commandID string) (*models.OrderRecord, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.OrderRecord, error)

	// Transition applies a single-row conditional update guarded by the
	// expected previous status. It reports whether the row was updated.
	Transition(ctx context.Context, t Transition) (bool, error)
	AppendEvent(ctx context.Context, ev models.OrderEvent) error
	ListEvents(ctx context.Context, commandID string) ([]models.OrderEvent, error)

	// RecordOrphan shadows a broker order with no local record. It reports
	// true only the first time a broker order id is seen.
	RecordOrphan(ctx context.Context, order models.Order) (bool, error)
	ListOrphans(ctx context.Context) ([]OrphanOrder, error)

	// StrategyExposure returns the strategy ledger: executed legs since the
	// symbol was last seen flat, and in-flight ENTRY and ADJUST legs.
	StrategyExposure(ctx context.Context) (*Exposure, error)
	MarkFlat(ctx context.Context, symbol string, at time.Time) error
}

// IntentQueue is the durable queue of producer intents.
type IntentQueue interface {
	EnqueueIntent(ctx context.Context, entry *models.IntentEntry) error
	// ClaimIntent atomically moves the oldest PENDING intent of type t to
	// CLAIMED. It returns nil without error when nothing is pending.
	ClaimIntent(ctx context.Context, t models.IntentType, consumer string) (*models.IntentEntry, error)
	// CompleteIntent moves a CLAIMED intent to a terminal status.
	CompleteIntent(ctx context.Context, intentID string, status models.IntentStatus, result []models.LegResult) (bool, error)
	// ReleaseClaims returns intents left CLAIMED by consumer to PENDING.
	ReleaseClaims(ctx context.Context, consumer string) (int, error)
	GetIntent(ctx context.Context, intentID string) (*models.IntentEntry, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]models.IntentEntry, error)
}

// SnapshotStore keeps the last traded price per symbol.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, symbol string, price float64, at time.Time) error
	GetSnapshot(ctx context.Context, symbol string) (float64, time.Time, error)
}

// Store is everything the OMS persists.
type Store interface {
	OrderStore
	IntentQueue
	SnapshotStore
	Close() error
}

// Transition describes one conditional status change.
type Transition struct {
	CommandID     string
	From          models.OrderStatus
	To            models.OrderStatus
	BrokerOrderID string  // required when To is SENT_TO_BROKER
	Tag           string  // optional, replaces the record tag
	AveragePrice  float64 // optional fill price
	Event         string  // event name for the audit trail, defaults to To
}

// Exposure is net signed quantity per strategy and symbol. A strategy only
// appears for a symbol it opened with an ENTRY or ADJUST leg, so exits
// registered under a pseudo-strategy never create exposure of their own.
type Exposure struct {
	Executed map[string]map[string]int
	InFlight map[string]map[string]int
}

// Merged returns executed plus in-flight exposure.
func (e *Exposure) Merged() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, src := range []map[string]map[string]int{e.Executed, e.InFlight} {
		for strategy, symbols := range src {
			for symbol, qty := range symbols {
				if out[strategy] == nil {
					out[strategy] = make(map[string]int)
				}
				out[strategy][symbol] += qty
			}
		}
	}
	prune(out)
	return out
}

func prune(m map[string]map[string]int) {
	for strategy, symbols := range m {
		for symbol, qty := range symbols {
			if qty == 0 {
				delete(symbols, symbol)
			}
		}
		if len(symbols) == 0 {
			delete(m, strategy)
		}
	}
}

// OrderFilter represents filters for querying order records.
type OrderFilter struct {
	Statuses      []models.OrderStatus
	ExecutionType models.ExecutionType
	Strategy      string
	Symbol        string
	IntentID      string
	BrokerOrderID string
	BrokerTag     string
	// WithExitRules keeps only records carrying a stop-loss, target or trail.
	WithExitRules bool
	Limit         int
}

// IntentFilter represents filters for querying intents.
type IntentFilter struct {
	Type   models.IntentType
	Status models.IntentStatus
	Limit  int
}

// OrphanOrder is the shadow row of a broker order this system never placed.
type OrphanOrder struct {
	BrokerOrderID string
	Symbol        string
	Exchange      models.Exchange
	Side          models.OrderSide
	Quantity      int
	Status        string
	BrokerTag     string
	Tag           string
	SeenAt        time.Time
}

// OrphanTag marks shadow rows. They are never actionable.
const OrphanTag = "ORPHAN_BROKER_ORDER"
