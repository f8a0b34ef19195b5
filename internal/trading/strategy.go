package trading

import (
	"context"
	"fmt"

	"zerodha-oms/internal/models"
)

// Strategy intent actions.
const (
	ActionEntry     = "ENTRY"
	ActionAdjust    = "ADJUST"
	ActionExit      = "EXIT"
	ActionForceExit = "FORCE_EXIT"
)

// StrategyRequest is a decoded STRATEGY intent.
type StrategyRequest struct {
	IntentID string
	Strategy string
	Reason   string
	Source   string
	Legs     []models.Leg
	Scope    ExitScope
}

// StrategyManager turns strategy actions into orders. Implementations
// decide how; they must end up in the command service or the position
// exit service.
type StrategyManager interface {
	Enter(ctx context.Context, req StrategyRequest) ([]models.LegResult, error)
	Adjust(ctx context.Context, req StrategyRequest) ([]models.LegResult, error)
	Exit(ctx context.Context, req StrategyRequest) ([]models.LegResult, error)
	ForceExit(ctx context.Context, req StrategyRequest) ([]models.LegResult, error)
}

// DefaultStrategyManager submits a strategy's legs as one guarded batch and
// exits through the broker position book.
type DefaultStrategyManager struct {
	commands *CommandService
	exits    *PositionExitService
}

// NewStrategyManager creates the default strategy manager.
func NewStrategyManager(commands *CommandService, exits *PositionExitService) *DefaultStrategyManager {
	return &DefaultStrategyManager{commands: commands, exits: exits}
}

// Enter submits the legs as an ENTRY batch.
func (m *DefaultStrategyManager) Enter(ctx context.Context, req StrategyRequest) ([]models.LegResult, error) {
	return m.submit(ctx, req, models.ExecutionEntry)
}

// Adjust submits the legs as an ADJUST batch.
func (m *DefaultStrategyManager) Adjust(ctx context.Context, req StrategyRequest) ([]models.LegResult, error) {
	return m.submit(ctx, req, models.ExecutionAdjust)
}

func (m *DefaultStrategyManager) submit(ctx context.Context, req StrategyRequest, execType models.ExecutionType) ([]models.LegResult, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("%w: %s without legs", errMalformedIntent, execType)
	}
	cmds := make([]models.Command, len(req.Legs))
	for i, leg := range req.Legs {
		cmds[i] = legCommand(req.IntentID, i, leg, req.Strategy)
	}

	recs, err := m.commands.SubmitBatch(ctx, cmds, execType)
	if recs == nil {
		if !refusal(err) {
			return nil, err
		}
		results := make([]models.LegResult, len(cmds))
		for i, cmd := range cmds {
			results[i] = models.LegResult{LegIndex: i, CommandID: cmd.CommandID, Symbol: cmd.Symbol, ExecutionType: execType, Error: errText(err)}
		}
		return results, nil
	}
	results := make([]models.LegResult, len(recs))
	for i := range recs {
		results[i] = recordResult(i, &recs[i])
	}
	return results, nil
}

// Exit closes what the strategy holds.
func (m *DefaultStrategyManager) Exit(ctx context.Context, req StrategyRequest) ([]models.LegResult, error) {
	return m.exit(ctx, req, ExitScope{Kind: ExitScopeStrategy, Strategy: req.Strategy}, false)
}

// ForceExit closes req.Scope, or every position when no scope is given.
func (m *DefaultStrategyManager) ForceExit(ctx context.Context, req StrategyRequest) ([]models.LegResult, error) {
	scope := req.Scope
	if scope.Kind == "" {
		scope = ExitScope{Kind: ExitScopeAll}
	}
	return m.exit(ctx, req, scope, true)
}

func (m *DefaultStrategyManager) exit(ctx context.Context, req StrategyRequest, scope ExitScope, force bool) ([]models.LegResult, error) {
	recs, err := m.exits.Exit(ctx, ExitRequest{
		ID:       req.IntentID,
		IntentID: req.IntentID,
		Scope:    scope,
		Reason:   req.Reason,
		Source:   req.Source,
		Force:    force,
	})
	results := make([]models.LegResult, len(recs))
	for i := range recs {
		results[i] = recordResult(i, &recs[i])
	}
	return results, err
}

var _ StrategyManager = (*DefaultStrategyManager)(nil)
