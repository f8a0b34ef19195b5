package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
)

// ExternalStrategy owns broker exposure that no strategy's ledger accounts
// for, such as a position opened by hand in the broker's terminal.
const ExternalStrategy = "EXTERNAL"

// Ledger is the part of the order store the guard rebuilds from.
type Ledger interface {
	StrategyExposure(ctx context.Context) (*store.Exposure, error)
	MarkFlat(ctx context.Context, symbol string, at time.Time) error
}

// PositionSource is the broker's live position book.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]models.Position, error)
}

// GuardState is a copy of what the guard currently believes.
type GuardState struct {
	// strategy -> symbol -> signed net quantity
	StrategyPositions map[string]map[string]int
	// symbol -> direction -> quantity, from the broker's net position
	GlobalPositions map[string]map[models.OrderSide]int
	ReconciledAt    time.Time
}

// ProposedLeg is one leg of a batch offered to the guard.
type ProposedLeg struct {
	Strategy      string
	Symbol        string
	Side          models.OrderSide
	Quantity      int
	ExecutionType models.ExecutionType
}

func (l ProposedLeg) signed() int {
	return l.Side.Sign() * l.Quantity
}

// ExecutionGuard tracks per-strategy and global exposure and rejects
// duplicate entries and cross-strategy conflicts. Its state is disposable:
// Reconcile rebuilds it wholesale from the ledger and the broker.
type ExecutionGuard struct {
	ledger    Ledger
	positions PositionSource
	logger    zerolog.Logger

	mu           sync.Mutex
	strategy     map[string]map[string]int
	global       map[string]int
	reconciledAt time.Time

	now func() time.Time
}

// NewExecutionGuard creates a guard. It holds no state until the first
// Reconcile.
func NewExecutionGuard(ledger Ledger, positions PositionSource, logger zerolog.Logger) *ExecutionGuard {
	return &ExecutionGuard{
		ledger:    ledger,
		positions: positions,
		logger:    logger.With().Str("component", "guard").Logger(),
		strategy:  make(map[string]map[string]int),
		global:    make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile re-derives the guard state. Broker truth wins: a symbol the
// broker shows flat is marked flat in the ledger, which closes out every
// strategy's executed exposure in it. Broker exposure beyond what the
// ledger attributes is owned by ExternalStrategy.
func (g *ExecutionGuard) Reconcile(ctx context.Context) error {
	asOf := g.now()

	positions, err := g.positions.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("guard reconcile: %w", err)
	}
	net := make(map[string]int)
	for _, p := range positions {
		net[p.Symbol] += p.Quantity
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	exposure, err := g.ledger.StrategyExposure(ctx)
	if err != nil {
		return fmt.Errorf("guard reconcile: %w", err)
	}

	executed := make(map[string]int)
	for _, symbols := range exposure.Executed {
		for symbol, qty := range symbols {
			executed[symbol] += qty
		}
	}

	for symbol, qty := range executed {
		if qty == 0 || net[symbol] != 0 {
			continue
		}
		if err := g.ledger.MarkFlat(ctx, symbol, asOf); err != nil {
			return fmt.Errorf("guard reconcile: %w", err)
		}
		for _, symbols := range exposure.Executed {
			delete(symbols, symbol)
		}
		delete(executed, symbol)
		g.logger.Info().Str("symbol", symbol).Msg("Broker flat, ledger exposure closed")
	}

	strategy := exposure.Merged()
	for symbol, n := range net {
		if n == 0 {
			continue
		}
		ext := n - executed[symbol]
		// A ledger that over-attributes in the broker's direction leaves
		// nothing external.
		if ext == 0 || sign(ext) != sign(n) {
			continue
		}
		if strategy[ExternalStrategy] == nil {
			strategy[ExternalStrategy] = make(map[string]int)
		}
		strategy[ExternalStrategy][symbol] = ext
	}

	g.strategy = strategy
	g.global = net
	g.reconciledAt = asOf
	return nil
}

// ReconcileIfStale reconciles when the state is older than maxAge or has
// never been built.
func (g *ExecutionGuard) ReconcileIfStale(ctx context.Context, maxAge time.Duration) error {
	g.mu.Lock()
	at := g.reconciledAt
	g.mu.Unlock()

	if !at.IsZero() && (maxAge <= 0 || g.now().Sub(at) < maxAge) {
		return nil
	}
	return g.Reconcile(ctx)
}

// Validate checks a batch against the current state without reserving it.
func (g *ExecutionGuard) Validate(legs []ProposedLeg) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked(legs)
}

// Admit validates a batch and calls persist while still holding the guard,
// so concurrent batches are judged against each other. persist receives
// the rejection (nil when the batch passed) and must write every leg
// either way. Passing ENTRY and ADJUST legs are reserved as in-flight
// exposure until the next reconcile picks them up from the ledger.
func (g *ExecutionGuard) Admit(ctx context.Context, legs []ProposedLeg, persist func(ctx context.Context, rejected *apperrors.GuardError) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rejected *apperrors.GuardError
	if err := g.validateLocked(legs); err != nil {
		rejected = err.(*apperrors.GuardError)
	}

	if err := persist(ctx, rejected); err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}

	for _, leg := range legs {
		if leg.ExecutionType == models.ExecutionExit {
			continue
		}
		g.addLocked(leg.Strategy, leg.Symbol, leg.signed())
	}
	return nil
}

func (g *ExecutionGuard) validateLocked(legs []ProposedLeg) error {
	// Legs earlier in the batch count against later ones.
	pending := make(map[string]map[string]int)
	position := func(strategy, symbol string) int {
		return g.strategy[strategy][symbol] + pending[strategy][symbol]
	}

	var rejections []apperrors.LegRejection
	for i, leg := range legs {
		if leg.ExecutionType == models.ExecutionExit {
			continue
		}

		if leg.ExecutionType == models.ExecutionEntry && position(leg.Strategy, leg.Symbol) != 0 {
			rejections = append(rejections, apperrors.LegRejection{
				Index:    i,
				Strategy: leg.Strategy,
				Symbol:   leg.Symbol,
				Rule:     DuplicateBlocked(DetailDuplicateEntry).Tag(),
				Message:  fmt.Sprintf("strategy already holds %d", position(leg.Strategy, leg.Symbol)),
			})
			continue
		}

		if owner, qty, ok := g.opposingLocked(leg, pending); ok {
			rejections = append(rejections, apperrors.LegRejection{
				Index:    i,
				Strategy: leg.Strategy,
				Symbol:   leg.Symbol,
				Rule:     GuardBlocked(DetailCrossStrategyConflict).Tag(),
				Message:  fmt.Sprintf("%s holds %d in the opposite direction", owner, qty),
			})
			continue
		}

		if pending[leg.Strategy] == nil {
			pending[leg.Strategy] = make(map[string]int)
		}
		pending[leg.Strategy][leg.Symbol] += leg.signed()
	}

	if len(rejections) == 0 {
		return nil
	}
	return &apperrors.GuardError{Rejections: rejections}
}

// opposingLocked finds another strategy holding the leg's symbol in the
// opposite direction. Same-direction overlap is additive and allowed.
func (g *ExecutionGuard) opposingLocked(leg ProposedLeg, pending map[string]map[string]int) (string, int, bool) {
	owners := make([]string, 0, len(g.strategy)+len(pending))
	seen := make(map[string]bool)
	for s := range g.strategy {
		owners = append(owners, s)
		seen[s] = true
	}
	for s := range pending {
		if !seen[s] {
			owners = append(owners, s)
		}
	}
	sort.Strings(owners)

	for _, s := range owners {
		if s == leg.Strategy {
			continue
		}
		qty := g.strategy[s][leg.Symbol] + pending[s][leg.Symbol]
		if qty != 0 && sign(qty) != leg.Side.Sign() {
			return s, qty, true
		}
	}
	return "", 0, false
}

func (g *ExecutionGuard) addLocked(strategy, symbol string, qty int) {
	if g.strategy[strategy] == nil {
		g.strategy[strategy] = make(map[string]int)
	}
	g.strategy[strategy][symbol] += qty
	if g.strategy[strategy][symbol] == 0 {
		delete(g.strategy[strategy], symbol)
		if len(g.strategy[strategy]) == 0 {
			delete(g.strategy, strategy)
		}
	}
}

// RecordFill applies an executed leg between reconciliations. Entry and
// adjustment exposure was reserved at admission, so only the broker net
// and exits change here.
func (g *ExecutionGuard) RecordFill(rec models.OrderRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.global[rec.Symbol] += rec.SignedQuantity()
	if g.global[rec.Symbol] == 0 {
		delete(g.global, rec.Symbol)
	}

	if rec.ExecutionType != models.ExecutionExit {
		return
	}
	held := g.strategy[rec.StrategyName][rec.Symbol]
	if held == 0 {
		return
	}
	// Never let an exit flip the strategy's direction.
	delta := rec.SignedQuantity()
	if abs(delta) > abs(held) {
		delta = -held
	}
	g.addLocked(rec.StrategyName, rec.Symbol, delta)
}

// RecordFailure releases the reservation of an entry or adjustment that
// never reached the market.
func (g *ExecutionGuard) RecordFailure(rec models.OrderRecord) {
	if rec.ExecutionType == models.ExecutionExit {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	held := g.strategy[rec.StrategyName][rec.Symbol]
	if held == 0 || sign(held) != rec.Side.Sign() {
		return
	}
	delta := -rec.SignedQuantity()
	if abs(delta) > abs(held) {
		delta = -held
	}
	g.addLocked(rec.StrategyName, rec.Symbol, delta)
}

// StrategyPositions returns a copy of one strategy's symbol exposure.
func (g *ExecutionGuard) StrategyPositions(strategy string) map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.strategy[strategy]))
	for symbol, qty := range g.strategy[strategy] {
		out[symbol] = qty
	}
	return out
}

// State returns a deep copy of the guard state.
func (g *ExecutionGuard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := GuardState{
		StrategyPositions: make(map[string]map[string]int, len(g.strategy)),
		GlobalPositions:   make(map[string]map[models.OrderSide]int, len(g.global)),
		ReconciledAt:      g.reconciledAt,
	}
	for s, symbols := range g.strategy {
		state.StrategyPositions[s] = make(map[string]int, len(symbols))
		for symbol, qty := range symbols {
			state.StrategyPositions[s][symbol] = qty
		}
	}
	for symbol, qty := range g.global {
		switch {
		case qty > 0:
			state.GlobalPositions[symbol] = map[models.OrderSide]int{models.OrderSideBuy: qty}
		case qty < 0:
			state.GlobalPositions[symbol] = map[models.OrderSide]int{models.OrderSideSell: -qty}
		}
	}
	return state
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
