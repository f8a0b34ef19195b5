package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
)

// Risk rules reported in RISK_BLOCKED tags.
const (
	RuleDailyLossLimit       = "daily_loss_limit"
	RuleMaxOpenPositions     = "max_open_positions"
	RulePositionsUnavailable = "positions_unavailable"
)

// RiskGateConfig holds the limits the gate enforces. Zero disables a limit.
type RiskGateConfig struct {
	DailyLossLimit    float64
	MaxOpenPositions  int
	ForceExitOnBreach bool
	// ExitProduct restricts force exits to one product. Empty exits every
	// intraday and F&O product.
	ExitProduct   models.ProductType
	CheckInterval time.Duration
	// CacheFor reuses a verdict for this long so a burst of submissions
	// does not hit the broker once per leg.
	CacheFor time.Duration
	// OnForceExit is called after a breach forced an exit.
	OnForceExit func(reason string, legs int)
}

// RiskGate is the generic can-execute and force-exit gate. It reads the
// broker position book; it never sizes exits itself, it asks the position
// exit service to close everything.
type RiskGate struct {
	positions PositionSource
	exits     *PositionExitService
	cfg       RiskGateConfig
	logger    zerolog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	verdict   error
	// set once a breach has forced an exit, cleared when back within limits
	forced bool

	now func() time.Time
}

// NewRiskGate creates a risk gate.
func NewRiskGate(positions PositionSource, exits *PositionExitService, cfg RiskGateConfig, logger zerolog.Logger) *RiskGate {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &RiskGate{
		positions: positions,
		exits:     exits,
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "risk"),
		now:       time.Now,
	}
}

// CanExecute returns nil when new exposure may be taken, or the
// *errors.RiskError of the first violated rule.
func (r *RiskGate) CanExecute(ctx context.Context) error {
	r.mu.Lock()
	if r.cfg.CacheFor > 0 && !r.checkedAt.IsZero() && r.now().Sub(r.checkedAt) < r.cfg.CacheFor {
		verdict := r.verdict
		r.mu.Unlock()
		return verdict
	}
	r.mu.Unlock()

	verdict := r.evaluate(ctx)

	r.mu.Lock()
	r.checkedAt = r.now()
	r.verdict = verdict
	r.mu.Unlock()
	return verdict
}

func (r *RiskGate) evaluate(ctx context.Context) error {
	positions, err := r.positions.GetPositions(ctx)
	if err != nil {
		// Unknown exposure is treated as too much.
		return apperrors.NewRiskError(RulePositionsUnavailable, 0, 0, err.Error())
	}

	var pnl float64
	open := 0
	for _, p := range positions {
		pnl += p.PnL
		if p.Quantity != 0 && !p.Product.IsLongTerm() {
			open++
		}
	}

	if r.cfg.DailyLossLimit > 0 && -pnl >= r.cfg.DailyLossLimit {
		return apperrors.NewRiskError(RuleDailyLossLimit, -pnl, r.cfg.DailyLossLimit, "daily loss limit reached")
	}
	if r.cfg.MaxOpenPositions > 0 && open >= r.cfg.MaxOpenPositions {
		return apperrors.NewRiskError(RuleMaxOpenPositions, float64(open), float64(r.cfg.MaxOpenPositions), "too many open positions")
	}
	return nil
}

// RequestForceExit liquidates every intraday and F&O position. It is the
// only emergency liquidation path.
func (r *RiskGate) RequestForceExit(ctx context.Context, reason string) ([]models.OrderRecord, error) {
	r.logger.Warn().Str("reason", reason).Msg("Force exit requested")
	return r.exits.Exit(ctx, ExitRequest{
		ID:      uuid.NewString(),
		Scope:   ExitScope{Kind: ExitScopeAll},
		Product: r.cfg.ExitProduct,
		Reason:  reason,
		Source:  "risk",
		Force:   true,
	})
}

// Monitor re-evaluates the limits every CheckInterval. With
// ForceExitOnBreach set, a daily loss breach forces one full exit; another
// needs the book to come back within limits first.
func (r *RiskGate) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := r.Check(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Risk check failed")
		}
	}
}

// Check runs one monitor pass.
func (r *RiskGate) Check(ctx context.Context) error {
	verdict := r.evaluate(ctx)

	r.mu.Lock()
	r.checkedAt = r.now()
	r.verdict = verdict
	r.mu.Unlock()

	var rerr *apperrors.RiskError
	if !apperrors.As(verdict, &rerr) || rerr.Rule != RuleDailyLossLimit {
		if rerr == nil || rerr.Rule != RulePositionsUnavailable {
			r.mu.Lock()
			r.forced = false
			r.mu.Unlock()
		}
		return nil
	}
	if !r.cfg.ForceExitOnBreach {
		return nil
	}

	r.mu.Lock()
	if r.forced {
		r.mu.Unlock()
		return nil
	}
	r.forced = true
	r.mu.Unlock()

	legs, err := r.RequestForceExit(ctx, rerr.Error())
	if err != nil {
		return fmt.Errorf("force exit after %s: %w", rerr.Rule, err)
	}
	r.logger.Warn().Int("legs", len(legs)).Float64("loss", rerr.Current).Msg("Daily loss limit breached, positions exited")
	if r.cfg.OnForceExit != nil {
		r.cfg.OnForceExit(rerr.Error(), len(legs))
	}
	return nil
}

var _ RiskChecker = (*RiskGate)(nil)
