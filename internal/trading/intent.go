package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
)

var errMalformedIntent = apperrors.New("malformed intent payload")

// IntentHandler processes one claimed intent and reports its terminal
// status with per-leg detail.
type IntentHandler interface {
	Handle(ctx context.Context, entry models.IntentEntry) (models.IntentStatus, []models.LegResult)
}

// IntentConsumerConfig wires an IntentConsumer.
type IntentConsumerConfig struct {
	Type     models.IntentType
	Queue    store.IntentQueue
	Handler  IntentHandler
	Interval time.Duration
	// Name identifies this consumer's claims. It must be stable across
	// restarts so stale claims can be released.
	Name string
}

// IntentConsumer polls the intent queue for one intent type. A claimer
// goroutine hands claimed intents to a handler goroutine over a channel,
// so at most one intent is claimed ahead of the one being handled.
type IntentConsumer struct {
	typ      models.IntentType
	queue    store.IntentQueue
	handler  IntentHandler
	interval time.Duration
	name     string
	logger   zerolog.Logger
}

// NewIntentConsumer creates a consumer.
func NewIntentConsumer(cfg IntentConsumerConfig, logger zerolog.Logger) *IntentConsumer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "oms:" + string(cfg.Type)
	}
	return &IntentConsumer{
		typ:      cfg.Type,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		interval: cfg.Interval,
		name:     cfg.Name,
		logger:   logger.With().Str("component", "intent").Str("intent_type", string(cfg.Type)).Logger(),
	}
}

// Run consumes until ctx is cancelled. Intents this consumer left CLAIMED
// in an earlier run are returned to the queue first.
func (c *IntentConsumer) Run(ctx context.Context) error {
	released, err := c.queue.ReleaseClaims(ctx, c.name)
	if err != nil {
		return fmt.Errorf("release stale claims: %w", err)
	}
	if released > 0 {
		c.logger.Warn().Int("released", released).Msg("Requeued intents claimed before restart")
	}

	claimed := make(chan models.IntentEntry)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(claimed)
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}

			entry, err := c.queue.ClaimIntent(ctx, c.typ, c.name)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("Claim failed")
				}
				timer.Reset(c.interval)
				continue
			}
			if entry == nil {
				timer.Reset(c.interval)
				continue
			}

			select {
			case claimed <- *entry:
			case <-ctx.Done():
				// Released on the next start.
				return nil
			}
			timer.Reset(0)
		}
	})

	g.Go(func() error {
		for entry := range claimed {
			c.process(ctx, entry)
		}
		return nil
	})

	return g.Wait()
}

// ProcessOne claims and handles a single intent. It reports false when
// the queue had nothing pending.
func (c *IntentConsumer) ProcessOne(ctx context.Context) (bool, error) {
	entry, err := c.queue.ClaimIntent(ctx, c.typ, c.name)
	if err != nil || entry == nil {
		return false, err
	}
	return true, c.process(ctx, *entry)
}

func (c *IntentConsumer) process(ctx context.Context, entry models.IntentEntry) error {
	log := logging.WithIntent(c.logger, entry.IntentID)

	status, results := c.handler.Handle(ctx, entry)
	ok, err := c.queue.CompleteIntent(ctx, entry.IntentID, status, results)
	if err != nil {
		log.Error().Err(err).Msg("Failed to complete intent")
		return err
	}
	if !ok {
		log.Warn().Msg("Intent no longer claimed, result dropped")
		return fmt.Errorf("%w: %s", apperrors.ErrIntentNotClaimable, entry.IntentID)
	}
	logging.LogIntent(log, entry.IntentID, string(entry.Type), string(status), len(results))
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

// GenericHandler dispatches legs in order: entries and adjustments through
// the command service, exits through the position exit service.
type GenericHandler struct {
	commands *CommandService
	exits    *PositionExitService
}

// NewGenericHandler creates a GENERIC intent handler.
func NewGenericHandler(commands *CommandService, exits *PositionExitService) *GenericHandler {
	return &GenericHandler{commands: commands, exits: exits}
}

// Handle implements IntentHandler.
func (h *GenericHandler) Handle(ctx context.Context, entry models.IntentEntry) (models.IntentStatus, []models.LegResult) {
	payload, err := decodePayload(entry)
	if err != nil {
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: err.Error()}}
	}
	strategy := strategyName(payload, "generic")

	results := make([]models.LegResult, 0, len(payload.Legs))
	for i, leg := range payload.Legs {
		var res models.LegResult
		if leg.ExecutionType == models.ExecutionExit {
			res, err = exitLeg(ctx, h.exits, entry, i, leg)
		} else {
			res, err = submitLeg(ctx, h.commands, entry, i, leg, strategy)
		}
		if err != nil {
			return models.IntentFailed, append(results, res)
		}
		results = append(results, res)
	}
	return outcome(results), results
}

// AdvancedHandler submits a multi-leg structure such as a spread or a
// straddle as one all-or-nothing guarded batch under a single strategy.
// Exit legs, if any, are registered first.
type AdvancedHandler struct {
	commands *CommandService
	exits    *PositionExitService
}

// NewAdvancedHandler creates an ADVANCED intent handler.
func NewAdvancedHandler(commands *CommandService, exits *PositionExitService) *AdvancedHandler {
	return &AdvancedHandler{commands: commands, exits: exits}
}

// Handle implements IntentHandler.
func (h *AdvancedHandler) Handle(ctx context.Context, entry models.IntentEntry) (models.IntentStatus, []models.LegResult) {
	payload, err := decodePayload(entry)
	if err != nil {
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: err.Error()}}
	}
	strategy := strategyName(payload, "advanced:"+entry.IntentID)

	var execType models.ExecutionType
	var batch []models.Command
	var batchIdx []int
	results := make([]models.LegResult, len(payload.Legs))

	for i, leg := range payload.Legs {
		if leg.ExecutionType == models.ExecutionExit {
			continue
		}
		if execType == "" {
			execType = leg.ExecutionType
		}
		if leg.ExecutionType != execType {
			return models.IntentFailed, []models.LegResult{{LegIndex: i, Error: fmt.Sprintf("%v: legs mix %s and %s", errMalformedIntent, execType, leg.ExecutionType)}}
		}
		batch = append(batch, legCommand(entry.IntentID, i, leg, strategy))
		batchIdx = append(batchIdx, i)
	}

	for i, leg := range payload.Legs {
		if leg.ExecutionType != models.ExecutionExit {
			continue
		}
		res, err := exitLeg(ctx, h.exits, entry, i, leg)
		results[i] = res
		if err != nil {
			return models.IntentFailed, results
		}
	}

	if len(batch) > 0 {
		recs, err := h.commands.SubmitBatch(ctx, batch, execType)
		if recs == nil && !refusal(err) {
			return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: err.Error()}}
		}
		for j, i := range batchIdx {
			if recs == nil {
				results[i] = models.LegResult{LegIndex: i, CommandID: batch[j].CommandID, Symbol: batch[j].Symbol, ExecutionType: execType, Error: errText(err)}
				continue
			}
			results[i] = recordResult(i, &recs[j])
		}
	}
	return outcome(results), results
}

// BasketHandler registers EXIT legs before ENTRY and ADJUST legs and gives
// every entry leg its own strategy name, so legs of one basket never trip
// the duplicate-entry rule against each other. A basket is not atomic:
// partial success is reported as PARTIALLY_ACCEPTED.
type BasketHandler struct {
	commands *CommandService
	exits    *PositionExitService
	orders   store.OrderStore
	// SettleTimeout > 0 waits for exit legs to finish before entries are
	// submitted, and for all legs before the outcome is decided.
	settleTimeout time.Duration
	pollEvery     time.Duration
}

// NewBasketHandler creates a BASKET intent handler.
func NewBasketHandler(commands *CommandService, exits *PositionExitService, orders store.OrderStore, settleTimeout time.Duration) *BasketHandler {
	return &BasketHandler{
		commands:      commands,
		exits:         exits,
		orders:        orders,
		settleTimeout: settleTimeout,
		pollEvery:     100 * time.Millisecond,
	}
}

// BasketLegStrategy is the strategy name of one basket leg.
func BasketLegStrategy(base, intentID string, index int) string {
	return fmt.Sprintf("%s:BASKET:%s:%d", base, intentID, index)
}

// Handle implements IntentHandler.
func (h *BasketHandler) Handle(ctx context.Context, entry models.IntentEntry) (models.IntentStatus, []models.LegResult) {
	payload, err := decodePayload(entry)
	if err != nil {
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: err.Error()}}
	}
	base := strategyName(payload, "basket")

	var exitIdx, entryIdx []int
	for i, leg := range payload.Legs {
		if leg.ExecutionType == models.ExecutionExit {
			exitIdx = append(exitIdx, i)
		} else {
			entryIdx = append(entryIdx, i)
		}
	}

	results := make([]models.LegResult, len(payload.Legs))
	for _, i := range exitIdx {
		res, err := exitLeg(ctx, h.exits, entry, i, payload.Legs[i])
		results[i] = res
		if err != nil {
			return models.IntentFailed, results
		}
	}
	h.settle(ctx, results, exitIdx)

	for _, i := range entryIdx {
		res, err := submitLeg(ctx, h.commands, entry, i, payload.Legs[i], BasketLegStrategy(base, entry.IntentID, i))
		results[i] = res
		if err != nil {
			return models.IntentFailed, results
		}
	}
	h.settle(ctx, results, entryIdx)

	return outcome(results), results
}

// settle waits, up to the settle timeout, for the given legs to reach a
// terminal status and folds the final status into their results. A leg
// still at the broker when time runs out counts as accepted.
func (h *BasketHandler) settle(ctx context.Context, results []models.LegResult, idx []int) {
	if h.settleTimeout <= 0 || len(idx) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.settleTimeout)
	defer cancel()

	ticker := time.NewTicker(h.pollEvery)
	defer ticker.Stop()
	for {
		done := true
		for _, i := range idx {
			res := &results[i]
			if !res.Accepted || res.CommandID == "" || res.Status.IsTerminal() {
				continue
			}
			ids := res.CommandIDs
			if len(ids) == 0 {
				ids = []string{res.CommandID}
			}
			// The leg is settled once every record it registered is.
			var open, final models.OrderStatus
			for _, id := range ids {
				rec, err := h.orders.GetOrder(ctx, id)
				if err != nil {
					open = res.Status
					continue
				}
				if rec.Status == models.StatusFailed {
					res.Accepted = false
					res.Error = rec.Tag
				}
				if rec.Status.IsTerminal() {
					final = rec.Status
				} else {
					open = rec.Status
				}
			}
			switch {
			case !res.Accepted:
				res.Status = models.StatusFailed
			case open != "":
				res.Status = open
				done = false
			default:
				res.Status = final
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StrategyHandler routes STRATEGY intents to a StrategyManager by action.
type StrategyHandler struct {
	manager StrategyManager
}

// NewStrategyHandler creates a STRATEGY intent handler.
func NewStrategyHandler(manager StrategyManager) *StrategyHandler {
	return &StrategyHandler{manager: manager}
}

// Handle implements IntentHandler.
func (h *StrategyHandler) Handle(ctx context.Context, entry models.IntentEntry) (models.IntentStatus, []models.LegResult) {
	var payload models.IntentPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: fmt.Sprintf("%v: %v", errMalformedIntent, err)}}
	}
	if payload.Strategy == "" && payload.Action != ActionForceExit {
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: fmt.Sprintf("%v: strategy is required", errMalformedIntent)}}
	}

	req := StrategyRequest{
		IntentID: entry.IntentID,
		Strategy: payload.Strategy,
		Reason:   entry.Reason,
		Source:   sourceOf(entry),
		Legs:     payload.Legs,
	}

	var results []models.LegResult
	var err error
	exit := false
	switch payload.Action {
	case ActionEntry:
		results, err = h.manager.Enter(ctx, req)
	case ActionAdjust:
		results, err = h.manager.Adjust(ctx, req)
	case ActionExit:
		exit = true
		results, err = h.manager.Exit(ctx, req)
	case ActionForceExit:
		exit = true
		req.Scope = ExitScope{Kind: ExitScopeKind(payload.Scope), Symbols: payload.Symbols, Strategy: payload.Strategy}
		if payload.Scope == "" {
			req.Scope = ExitScope{Kind: ExitScopeAll}
		}
		results, err = h.manager.ForceExit(ctx, req)
	default:
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: fmt.Sprintf("%v: unknown action %q", errMalformedIntent, payload.Action)}}
	}

	if err != nil {
		if len(results) > 0 {
			return models.IntentPartiallyAccepted, append(results, models.LegResult{LegIndex: -1, Error: err.Error()})
		}
		return models.IntentFailed, []models.LegResult{{LegIndex: -1, Error: err.Error()}}
	}
	if exit && len(results) == 0 {
		// Nothing open is a completed exit.
		return models.IntentAccepted, results
	}
	return outcome(results), results
}

// ============================================================================
// Helpers
// ============================================================================

func decodePayload(entry models.IntentEntry) (models.IntentPayload, error) {
	var payload models.IntentPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", errMalformedIntent, err)
	}
	if len(payload.Legs) == 0 {
		return payload, fmt.Errorf("%w: no legs", errMalformedIntent)
	}
	for i, leg := range payload.Legs {
		if !leg.ExecutionType.Valid() {
			return payload, fmt.Errorf("%w: leg %d has execution_type %q", errMalformedIntent, i, leg.ExecutionType)
		}
	}
	return payload, nil
}

func strategyName(payload models.IntentPayload, fallback string) string {
	if payload.Strategy != "" {
		return payload.Strategy
	}
	return fallback
}

func sourceOf(entry models.IntentEntry) string {
	if entry.Source != "" {
		return entry.Source
	}
	return "intent"
}

func legCommand(intentID string, index int, leg models.Leg, strategy string) models.Command {
	return models.Command{
		CommandID:    fmt.Sprintf("%s:%d", intentID, index),
		IntentID:     intentID,
		StrategyName: strategy,
		Symbol:       leg.Symbol,
		Exchange:     leg.Exchange,
		Side:         leg.Side,
		Quantity:     leg.Quantity,
		Product:      leg.Product,
		OrderType:    leg.OrderType,
		Price:        leg.Price,
		StopLoss:     leg.StopLoss,
		Target:       leg.Target,
		TrailPercent: leg.TrailSL,
	}
}

// submitLeg registers one ENTRY or ADJUST leg. Refusals are leg outcomes;
// only an internal failure is returned as an error.
func submitLeg(ctx context.Context, commands *CommandService, entry models.IntentEntry, index int, leg models.Leg, strategy string) (models.LegResult, error) {
	cmd := legCommand(entry.IntentID, index, leg, strategy)
	rec, err := commands.Submit(ctx, cmd, leg.ExecutionType)
	if rec == nil {
		res := models.LegResult{LegIndex: index, CommandID: cmd.CommandID, Symbol: leg.Symbol, ExecutionType: leg.ExecutionType, Error: errText(err)}
		if !refusal(err) {
			return res, err
		}
		return res, nil
	}
	return recordResult(index, rec), nil
}

// exitLeg closes the leg's symbol from the broker position book. The leg's
// own side and quantity are ignored.
func exitLeg(ctx context.Context, exits *PositionExitService, entry models.IntentEntry, index int, leg models.Leg) (models.LegResult, error) {
	symbol := leg.Symbol
	if leg.Exchange != "" {
		symbol = string(leg.Exchange) + ":" + leg.Symbol
	}
	recs, err := exits.Exit(ctx, ExitRequest{
		ID:       fmt.Sprintf("%s:%d", entry.IntentID, index),
		IntentID: entry.IntentID,
		Scope:    ExitScope{Kind: ExitScopeSymbols, Symbols: []string{symbol}},
		Product:  leg.Product,
		Reason:   entry.Reason,
		Source:   sourceOf(entry),
	})

	res := models.LegResult{LegIndex: index, Symbol: leg.Symbol, ExecutionType: models.ExecutionExit}
	if len(recs) > 0 {
		res = recordResult(index, &recs[0])
	}
	for i := range recs {
		res.CommandIDs = append(res.CommandIDs, recs[i].CommandID)
		if i > 0 && recs[i].Status == models.StatusFailed && res.Accepted {
			res.Accepted = false
			res.Status = models.StatusFailed
			res.Error = recs[i].Tag
		}
	}
	switch {
	case err != nil && len(recs) == 0:
		res.Error = err.Error()
		if !refusal(err) {
			return res, err
		}
	case err != nil:
		res.Error = err.Error()
	case len(recs) == 0:
		// Nothing open; the exit is already complete.
		res.Accepted = true
	}
	return res, nil
}

func recordResult(index int, rec *models.OrderRecord) models.LegResult {
	res := models.LegResult{
		LegIndex:      index,
		CommandID:     rec.CommandID,
		Symbol:        rec.Symbol,
		ExecutionType: rec.ExecutionType,
		Status:        rec.Status,
		Accepted:      rec.Status != models.StatusFailed,
	}
	if rec.Status == models.StatusFailed {
		res.Error = rec.Tag
	}
	return res
}

// refusal reports whether err is a decision about the request rather than
// a failure to process it.
func refusal(err error) bool {
	return apperrors.Is(err, apperrors.ErrInvalidOrder) ||
		apperrors.Is(err, apperrors.ErrReadOnlyMode) ||
		apperrors.Is(err, apperrors.ErrGuardBlocked) ||
		apperrors.Is(err, apperrors.ErrRiskBlocked) ||
		apperrors.Is(err, apperrors.ErrForbiddenOperation)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// outcome derives an intent's terminal status from its legs.
func outcome(results []models.LegResult) models.IntentStatus {
	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	switch {
	case len(results) == 0 || accepted == 0:
		return models.IntentRejected
	case accepted == len(results):
		return models.IntentAccepted
	}
	return models.IntentPartiallyAccepted
}
