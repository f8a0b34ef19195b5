package trading

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

// ExitScopeKind selects which broker positions an exit covers.
type ExitScopeKind string

const (
	ExitScopeAll      ExitScopeKind = "ALL"
	ExitScopeSymbols  ExitScopeKind = "SYMBOLS"
	ExitScopeStrategy ExitScopeKind = "STRATEGY"
)

// ExitScope describes the positions to close.
type ExitScope struct {
	Kind     ExitScopeKind
	Symbols  []string // SYMBOLS; bare or "EXCHANGE:SYMBOL"
	Strategy string   // STRATEGY
}

func (s ExitScope) String() string {
	switch s.Kind {
	case ExitScopeSymbols:
		return fmt.Sprintf("%s[%s]", s.Kind, strings.Join(s.Symbols, ","))
	case ExitScopeStrategy:
		return fmt.Sprintf("%s[%s]", s.Kind, s.Strategy)
	}
	return string(s.Kind)
}

// ExitRequest asks for positions in Scope to be closed. Quantities and
// sides are never part of the request; they come from the broker.
type ExitRequest struct {
	// ID makes the derived command ids deterministic. A retried request
	// with the same ID registers nothing new.
	ID       string
	IntentID string
	Scope    ExitScope
	// Product restricts the exit to one product. Empty means every
	// intraday and F&O product.
	Product models.ProductType
	Reason  string
	Source  string
	Force   bool
}

// PositionExitService derives EXIT legs from the broker's live position
// book. It is the only way EXIT records come into existence apart from
// rule exits.
type PositionExitService struct {
	positions PositionSource
	commands  *CommandService
	guard     *ExecutionGuard
	access    *security.AccessController
	audit     *security.AuditLogger
	logger    zerolog.Logger
}

// NewPositionExitService creates a position exit service.
func NewPositionExitService(positions PositionSource, commands *CommandService, guard *ExecutionGuard, access *security.AccessController, audit *security.AuditLogger, logger zerolog.Logger) *PositionExitService {
	return &PositionExitService{
		positions: positions,
		commands:  commands,
		guard:     guard,
		access:    access,
		audit:     audit,
		logger:    logging.WithComponent(logger, "exit"),
	}
}

// Exit registers one EXIT leg per matching broker position row. Delivery
// holdings are never included. A symbol the broker shows flat produces no
// leg, and the side always closes the broker's net position. EXIT legs of
// other requests still on their way to the broker are netted out first, so
// overlapping exits never close the same quantity twice.
func (s *PositionExitService) Exit(ctx context.Context, req ExitRequest) ([]models.OrderRecord, error) {
	if err := validateScope(req.Scope); err != nil {
		return nil, err
	}
	op := security.OpRegisterExit
	if req.Force {
		op = security.OpForceExit
	}
	if err := s.access.CheckPermission(ctx, op); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	positions, err := s.positions.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("exit %s: %w", req.Scope, err)
	}

	var held map[string]int
	if req.Scope.Kind == ExitScopeStrategy {
		if err := s.guard.ReconcileIfStale(ctx, 0); err != nil {
			return nil, fmt.Errorf("exit %s: %w", req.Scope, err)
		}
		held = s.guard.StrategyPositions(req.Scope.Strategy)
	}

	inflight, err := inFlightExits(ctx, s.commands.store, exitCommandPrefix(req.Source, req.ID))
	if err != nil {
		return nil, fmt.Errorf("exit %s: %w", req.Scope, err)
	}
	pending := make(map[string]int, len(inflight))
	for _, r := range inflight {
		pending[positionKey(r.Exchange, r.Symbol, r.Product)] += r.SignedQuantity()
		if held != nil && r.StrategyName == req.Scope.Strategy {
			held[r.Symbol] += r.SignedQuantity()
		}
	}

	legs := s.deriveLegs(req, positions, held, pending)

	var records []models.OrderRecord
	var errs error
	for _, cmd := range legs {
		rec, err := s.commands.Register(ctx, cmd)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", cmd.Symbol, err))
			continue
		}
		records = append(records, *rec)
	}

	s.audit.LogExit(ctx, security.ExitAudit{
		Force:    req.Force,
		IntentID: req.IntentID,
		Strategy: req.Scope.Strategy,
		Scope:    req.Scope.String(),
		Reason:   req.Reason,
		Source:   req.Source,
		Legs:     len(records),
		Err:      errs,
	})
	s.logger.Info().
		Str("scope", req.Scope.String()).
		Str("source", req.Source).
		Str("reason", req.Reason).
		Int("legs", len(records)).
		Bool("force", req.Force).
		Msg("Exit registered")

	return records, errs
}

// deriveLegs sizes one leg per broker row. pending holds the signed
// quantity of unsettled EXIT legs per positionKey.
func (s *PositionExitService) deriveLegs(req ExitRequest, positions []models.Position, held, pending map[string]int) []models.Command {
	wanted := make(map[string]bool)
	for _, sym := range req.Scope.Symbols {
		exchange, symbol := splitExchange(sym)
		wanted[symbol] = true
		if exchange != "" {
			wanted[exchange+":"+symbol] = true
		}
	}

	rows := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 || p.Product.IsLongTerm() {
			continue
		}
		if req.Product != "" && p.Product != req.Product {
			continue
		}
		if req.Scope.Kind == ExitScopeSymbols && !wanted[p.Symbol] && !wanted[string(p.Exchange)+":"+p.Symbol] {
			continue
		}
		rows = append(rows, p)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Exchange != rows[j].Exchange {
			return rows[i].Exchange < rows[j].Exchange
		}
		if rows[i].Symbol != rows[j].Symbol {
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].Product < rows[j].Product
	})

	strategy := "exit:" + req.Source
	if req.Scope.Kind == ExitScopeStrategy {
		strategy = req.Scope.Strategy
	}

	var legs []models.Command
	for _, p := range rows {
		net := p.Quantity + pending[positionKey(p.Exchange, p.Symbol, p.Product)]
		if net == 0 || sign(net) != sign(p.Quantity) {
			continue
		}
		qty := abs(net)
		if req.Scope.Kind == ExitScopeStrategy {
			// Only what the strategy owns, and only in the broker's direction.
			h := held[p.Symbol]
			if h == 0 || sign(h) != sign(p.Quantity) {
				continue
			}
			if abs(h) < qty {
				qty = abs(h)
			}
			held[p.Symbol] -= sign(h) * qty
		}

		side := models.OrderSideSell
		if p.Quantity < 0 {
			side = models.OrderSideBuy
		}
		legs = append(legs, models.Command{
			CommandID:    exitCommandID(req.Source, req.ID, p),
			IntentID:     req.IntentID,
			StrategyName: strategy,
			Symbol:       p.Symbol,
			Exchange:     p.Exchange,
			Side:         side,
			Quantity:     qty,
			Product:      p.Product,
			OrderType:    models.OrderTypeMarket,
		})
	}
	return legs
}

func exitCommandID(source, requestID string, p models.Position) string {
	return exitCommandPrefix(source, requestID) + fmt.Sprintf("%s:%s:%s", p.Exchange, p.Symbol, p.Product)
}

func exitCommandPrefix(source, requestID string) string {
	return fmt.Sprintf("EXIT:%s:%s:", source, requestID)
}

func positionKey(exchange models.Exchange, symbol string, product models.ProductType) string {
	return string(exchange) + ":" + symbol + ":" + string(product)
}

// inFlightExits returns EXIT legs that are registered but not settled and
// will still reach the broker. Legs whose command id starts with own are
// left out.
func inFlightExits(ctx context.Context, st store.OrderStore, own string) ([]models.OrderRecord, error) {
	recs, err := st.ListOrders(ctx, store.OrderFilter{
		Statuses:      []models.OrderStatus{models.StatusCreated, models.StatusSentToBroker},
		ExecutionType: models.ExecutionExit,
	})
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if own != "" && strings.HasPrefix(r.CommandID, own) {
			continue
		}
		if reason, ok := ParseBlockReason(r.Tag); ok && r.Status == models.StatusCreated && reason.PreventsDispatch() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func validateScope(scope ExitScope) error {
	switch scope.Kind {
	case ExitScopeAll:
		return nil
	case ExitScopeSymbols:
		if len(scope.Symbols) == 0 {
			return apperrors.NewValidationError("symbols", scope.Symbols, "symbol scope needs at least one symbol")
		}
		return nil
	case ExitScopeStrategy:
		if scope.Strategy == "" {
			return apperrors.NewValidationError("strategy", scope.Strategy, "strategy scope needs a strategy")
		}
		return nil
	}
	return apperrors.NewValidationError("scope", scope.Kind, "must be ALL, SYMBOLS or STRATEGY")
}

// splitExchange splits "NFO:NIFTY24DEC24000CE". The exchange is empty for a
// bare symbol.
func splitExchange(s string) (string, string) {
	if exchange, symbol, ok := strings.Cut(s, ":"); ok {
		return exchange, symbol
	}
	return "", s
}
