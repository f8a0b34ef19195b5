package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/market"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

// OrderWatcherConfig wires an OrderWatcher.
type OrderWatcherConfig struct {
	Store    store.OrderStore
	Gateway  broker.Gateway
	Guard    *ExecutionGuard
	Commands *CommandService
	// Market enables rule exits. Nil disables them.
	Market market.Provider
	Audit  *security.AuditLogger
	// Quality receives fill and rejection outcomes. Optional.
	Quality *resilience.ExecutionQualityTracker
	// OnOrphan is called once per newly seen orphan broker order.
	OnOrphan func(models.Order)
	// Interval between cycles. Enqueue wakes the watcher early.
	Interval time.Duration
}

// OrderWatcher moves records from CREATED to a terminal state against the
// broker: it places pending records, maps broker order statuses back onto
// local records, fires rule exits and reconciles the guard. Every cycle
// starts from the store's contents, so it resumes cleanly after a crash.
type OrderWatcher struct {
	store    store.OrderStore
	gateway  broker.Gateway
	guard    *ExecutionGuard
	commands *CommandService
	market   market.Provider
	audit    *security.AuditLogger
	quality  *resilience.ExecutionQualityTracker
	onOrphan func(models.Order)
	interval time.Duration
	logger   zerolog.Logger

	wake  chan struct{}
	rules *RuleBook

	cycleMu sync.Mutex
	// broker order ids in the current book already matched to a record or
	// shadowed as orphans
	known map[string]bool
}

// NewOrderWatcher creates an order watcher.
func NewOrderWatcher(cfg OrderWatcherConfig, logger zerolog.Logger) *OrderWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &OrderWatcher{
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		guard:    cfg.Guard,
		commands: cfg.Commands,
		market:   cfg.Market,
		audit:    cfg.Audit,
		quality:  cfg.Quality,
		onOrphan: cfg.OnOrphan,
		interval: cfg.Interval,
		logger:   logging.WithComponent(logger, "watcher"),
		wake:     make(chan struct{}, 1),
		rules:    NewRuleBook(),
		known:    make(map[string]bool),
	}
}

// Enqueue asks for a cycle as soon as possible. It never blocks.
func (w *OrderWatcher) Enqueue(commandID string) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is cancelled. Cycle errors are logged, never fatal:
// the next cycle retries from the store.
func (w *OrderWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("Order watcher started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Order watcher stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
		if err := w.Cycle(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Watcher cycle incomplete")
		}
	}
}

// Cycle runs dispatch, reconcile, rule exits and a guard reconcile once.
func (w *OrderWatcher) Cycle(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	// Without the order book a CREATED record cannot be told apart from one
	// the broker already has, so nothing is placed.
	book, err := w.gateway.GetOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch order book: %w", err)
	}

	var errs error
	errs = multierr.Append(errs, w.Dispatch(ctx, book))

	// Pick up what this cycle placed; the stale book is still good enough
	// for everything that was already at the broker.
	if after, err := w.gateway.GetOrders(ctx); err == nil {
		book = after
	} else {
		errs = multierr.Append(errs, fmt.Errorf("refresh order book: %w", err))
	}
	errs = multierr.Append(errs, w.Reconcile(ctx, book))
	if w.market != nil {
		errs = multierr.Append(errs, w.CheckRules(ctx))
	}
	errs = multierr.Append(errs, w.guard.Reconcile(ctx))
	return errs
}

// Dispatch places every CREATED record. book is the broker's order book
// from before placement; a record whose broker tag is already in it was
// placed by an earlier run whose acknowledgement was lost, and is adopted
// instead of placed again.
func (w *OrderWatcher) Dispatch(ctx context.Context, book []models.Order) error {
	byTag := make(map[string]models.Order, len(book))
	for _, o := range book {
		if o.Tag != "" {
			byTag[o.Tag] = o
		}
	}

	pending, err := w.store.ListOrders(ctx, store.OrderFilter{Statuses: []models.OrderStatus{models.StatusCreated}})
	if err != nil {
		return err
	}

	var errs error
	for _, rec := range pending {
		log := logging.WithCommandID(w.logger, rec.CommandID)

		if reason, ok := ParseBlockReason(rec.Tag); ok && reason.PreventsDispatch() {
			if _, err := w.fail(ctx, rec, models.StatusCreated, rec.Tag, "SKIPPED"); err != nil {
				errs = multierr.Append(errs, err)
			}
			log.Warn().Str("tag", rec.Tag).Msg("Blocked record failed without dispatch")
			continue
		}

		if o, ok := byTag[rec.BrokerTag]; ok && rec.BrokerTag != "" {
			ok, err := w.store.Transition(ctx, store.Transition{
				CommandID:     rec.CommandID,
				From:          models.StatusCreated,
				To:            models.StatusSentToBroker,
				BrokerOrderID: o.ID,
				Event:         "ADOPTED",
			})
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if ok {
				w.known[o.ID] = true
				log.Info().Str("broker_order_id", o.ID).Msg("Adopted order placed by an earlier run")
			}
			continue
		}

		errs = multierr.Append(errs, w.place(ctx, rec))
	}
	return errs
}

func (w *OrderWatcher) place(ctx context.Context, rec models.OrderRecord) error {
	log := logging.WithCommandID(logging.WithStrategy(w.logger, rec.StrategyName), rec.CommandID)

	order := &models.Order{
		Symbol:   rec.Symbol,
		Exchange: rec.Exchange,
		Side:     rec.Side,
		Type:     rec.OrderType,
		Product:  rec.Product,
		Quantity: rec.Quantity,
		Validity: "DAY",
		Tag:      rec.BrokerTag,
	}
	if rec.Price != nil {
		order.Price = *rec.Price
		if rec.OrderType == models.OrderTypeStopLoss || rec.OrderType == models.OrderTypeStopLossM {
			order.TriggerPrice = *rec.Price
		}
	}

	result, err := w.gateway.PlaceOrder(ctx, order)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrOrderRejected) {
			// The broker may or may not have the order. It stays CREATED
			// and the next cycle adopts it by tag or places it.
			log.Warn().Err(err).Msg("Placement outcome unknown")
			return fmt.Errorf("place %s: %w", rec.CommandID, err)
		}
		tag := BrokerRejected(rejectionReason(err)).Tag()
		if _, ferr := w.fail(ctx, rec, models.StatusCreated, tag, "REJECTED"); ferr != nil {
			return ferr
		}
		w.audit.LogOrder(ctx, security.AuditOrderRejected, rec.CommandID, "", rec.Symbol, tag, false)
		w.quality.RecordRejection(rec.CommandID, rec.Symbol, rejectionReason(err))
		return nil
	}

	ok, err := w.store.Transition(ctx, store.Transition{
		CommandID:     rec.CommandID,
		From:          models.StatusCreated,
		To:            models.StatusSentToBroker,
		BrokerOrderID: result.OrderID,
		Event:         "PLACED",
	})
	if err != nil {
		// The order is live; the next cycle adopts it by tag.
		return fmt.Errorf("record placement of %s: %w", rec.CommandID, err)
	}
	w.known[result.OrderID] = true

	if !ok {
		// Cancelled while the placement was in flight.
		cur, gerr := w.store.GetOrder(ctx, rec.CommandID)
		if gerr == nil && cur.Status == models.StatusFailed {
			log.Warn().Str("broker_order_id", result.OrderID).Msg("Record failed during placement, cancelling broker order")
			if cerr := w.gateway.CancelOrder(ctx, result.OrderID); cerr != nil {
				return fmt.Errorf("cancel orphaned placement %s: %w", result.OrderID, cerr)
			}
		}
		return nil
	}

	logging.LogOrder(log, rec.CommandID, result.OrderID, rec.Symbol, string(rec.Side), string(models.StatusSentToBroker))
	w.audit.LogOrder(ctx, security.AuditOrderPlaced, rec.CommandID, result.OrderID, rec.Symbol, "", true)
	return nil
}

// Reconcile maps broker order statuses onto SENT_TO_BROKER records and
// shadows broker orders this system never placed.
func (w *OrderWatcher) Reconcile(ctx context.Context, book []models.Order) error {
	sent, err := w.store.ListOrders(ctx, store.OrderFilter{Statuses: []models.OrderStatus{models.StatusSentToBroker}})
	if err != nil {
		return err
	}

	byID := make(map[string]models.Order, len(book))
	for _, o := range book {
		byID[o.ID] = o
	}

	var errs error
	for _, rec := range sent {
		w.known[rec.BrokerOrderID] = true
		o, ok := byID[rec.BrokerOrderID]
		if !ok {
			continue
		}

		switch o.Status {
		case models.BrokerStatusComplete:
			applied, err := w.store.Transition(ctx, store.Transition{
				CommandID:    rec.CommandID,
				From:         models.StatusSentToBroker,
				To:           models.StatusExecuted,
				AveragePrice: o.AveragePrice,
			})
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if applied {
				w.guard.RecordFill(rec)
				w.recordFill(rec, o)
				logging.LogTransition(w.logger, rec.CommandID, string(rec.Status), string(models.StatusExecuted), "")
				w.audit.LogOrder(ctx, security.AuditOrderExecuted, rec.CommandID, o.ID, rec.Symbol, "", true)
			}

		case models.BrokerStatusRejected, models.BrokerStatusCancelled, models.BrokerStatusExpired:
			reason := o.StatusReason
			if reason == "" {
				reason = o.Status
			}
			tag := BrokerRejected(reason).Tag()
			applied, err := w.fail(ctx, rec, models.StatusSentToBroker, tag, o.Status)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if applied {
				w.audit.LogOrder(ctx, security.AuditOrderRejected, rec.CommandID, o.ID, rec.Symbol, tag, false)
				if o.Status == models.BrokerStatusRejected {
					w.quality.RecordRejection(rec.CommandID, rec.Symbol, reason)
				}
			}
		}
	}

	for _, o := range book {
		if w.known[o.ID] {
			continue
		}
		errs = multierr.Append(errs, w.checkOrphan(ctx, o))
	}
	// The broker clears its book daily; forget what it no longer shows.
	for id := range w.known {
		if _, ok := byID[id]; !ok {
			delete(w.known, id)
		}
	}
	return errs
}

func (w *OrderWatcher) recordFill(rec models.OrderRecord, o models.Order) {
	exec := resilience.Execution{
		CommandID:   rec.CommandID,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		ActualPrice: o.AveragePrice,
	}
	if rec.Price != nil && rec.OrderType == models.OrderTypeLimit {
		exec.ExpectedPrice = *rec.Price
	}
	if !rec.CreatedAt.IsZero() {
		exec.Latency = time.Since(rec.CreatedAt)
	}
	w.quality.RecordFill(exec)
}

func (w *OrderWatcher) checkOrphan(ctx context.Context, o models.Order) error {
	matched, err := w.store.ListOrders(ctx, store.OrderFilter{BrokerOrderID: o.ID, Limit: 1})
	if err != nil {
		return err
	}
	if len(matched) > 0 {
		w.known[o.ID] = true
		return nil
	}
	if o.Tag != "" {
		// Placed, but the acknowledgement was lost. The next dispatch adopts it.
		pending, err := w.store.ListOrders(ctx, store.OrderFilter{
			Statuses:  []models.OrderStatus{models.StatusCreated},
			BrokerTag: o.Tag,
			Limit:     1,
		})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return nil
		}
	}

	first, err := w.store.RecordOrphan(ctx, o)
	if err != nil {
		return err
	}
	w.known[o.ID] = true
	if first {
		w.logger.Warn().
			Str("broker_order_id", o.ID).
			Str("symbol", o.Symbol).
			Str("status", o.Status).
			Str("broker_tag", o.Tag).
			Msg("Broker order with no local record")
		w.audit.Log(ctx, security.AuditEvent{
			EventType:     security.AuditOrphanOrder,
			BrokerOrderID: o.ID,
			Symbol:        o.Symbol,
			Action:        string(o.Side),
			Success:       true,
		})
		if w.onOrphan != nil {
			w.onOrphan(o)
		}
	}
	return nil
}

// fail moves rec to FAILED and releases any guard reservation it held.
func (w *OrderWatcher) fail(ctx context.Context, rec models.OrderRecord, from models.OrderStatus, tag, event string) (bool, error) {
	ok, err := w.store.Transition(ctx, store.Transition{
		CommandID: rec.CommandID,
		From:      from,
		To:        models.StatusFailed,
		Tag:       tag,
		Event:     event,
	})
	if err != nil || !ok {
		return ok, err
	}
	w.guard.RecordFailure(rec)
	logging.LogTransition(w.logger, rec.CommandID, string(from), string(models.StatusFailed), tag)
	return true, nil
}

// CheckRules registers an EXIT for every executed entry whose stop-loss,
// target or trailing stop is breached. The exit is sized from the broker's
// live net position less EXIT legs still in flight, and registered at most
// once per entry.
func (w *OrderWatcher) CheckRules(ctx context.Context) error {
	entries, err := w.store.ListOrders(ctx, store.OrderFilter{
		Statuses:      []models.OrderStatus{models.StatusExecuted},
		ExecutionType: models.ExecutionEntry,
		WithExitRules: true,
	})
	if err != nil {
		return err
	}

	var live []models.OrderRecord
	var watch []string
	for _, rec := range entries {
		if w.rules.Fired(rec.CommandID) {
			continue
		}
		if !w.rules.Tracked(rec.CommandID) {
			// An earlier run may have fired already.
			if _, err := w.store.GetOrder(ctx, RuleExitID(rec.CommandID)); err == nil {
				w.rules.MarkFired(rec.CommandID)
				continue
			}
		}
		held := w.guard.StrategyPositions(rec.StrategyName)[rec.Symbol]
		if held == 0 || sign(held) != rec.Side.Sign() {
			// The strategy already left the position.
			w.rules.MarkFired(rec.CommandID)
			continue
		}
		live = append(live, rec)
		watch = append(watch, string(rec.Exchange)+":"+rec.Symbol)
	}
	if len(live) == 0 {
		return nil
	}

	if sub, ok := w.market.(market.Subscriber); ok {
		if err := sub.Watch(ctx, watch); err != nil {
			w.logger.Debug().Err(err).Msg("Could not subscribe rule symbols")
		}
	}

	type breach struct {
		rec     models.OrderRecord
		trigger RuleTrigger
		price   float64
	}
	var breaches []breach
	for _, rec := range live {
		price, _, err := w.market.LastPrice(ctx, rec.Symbol)
		if err != nil {
			continue
		}
		if trigger, hit := w.rules.Evaluate(rec, price); hit {
			breaches = append(breaches, breach{rec: rec, trigger: trigger, price: price})
		}
	}
	if len(breaches) == 0 {
		return nil
	}

	positions, err := w.gateway.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("rule exits: %w", err)
	}
	net := make(map[string]int)
	for _, p := range positions {
		net[p.Symbol] += p.Quantity
	}
	// Exits already on their way close part of that net.
	inflight, err := inFlightExits(ctx, w.store, "")
	if err != nil {
		return fmt.Errorf("rule exits: %w", err)
	}
	for _, r := range inflight {
		net[r.Symbol] += r.SignedQuantity()
	}

	var errs error
	for _, b := range breaches {
		rec := b.rec
		log := logging.WithCommandID(w.logger, rec.CommandID)

		n := net[rec.Symbol]
		if n == 0 || sign(n) != rec.Side.Sign() {
			log.Warn().Str("trigger", string(b.trigger)).Int("open_net", n).Msg("Rule breached but nothing is left to exit")
			w.rules.MarkFired(rec.CommandID)
			continue
		}
		qty := rec.Quantity
		if abs(n) < qty {
			qty = abs(n)
		}

		exit, err := w.commands.Register(ctx, models.Command{
			CommandID:       RuleExitID(rec.CommandID),
			IntentID:        rec.IntentID,
			ParentCommandID: rec.CommandID,
			StrategyName:    rec.StrategyName,
			Symbol:          rec.Symbol,
			Exchange:        rec.Exchange,
			Side:            rec.Side.Opposite(),
			Quantity:        qty,
			Product:         rec.Product,
			OrderType:       models.OrderTypeMarket,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rule exit for %s: %w", rec.CommandID, err))
			continue
		}
		w.rules.MarkFired(rec.CommandID)
		net[rec.Symbol] -= rec.Side.Sign() * qty
		log.Info().
			Str("trigger", string(b.trigger)).
			Float64("price", b.price).
			Str("exit_command_id", exit.CommandID).
			Int("qty", qty).
			Msg("Rule exit registered")
	}
	return errs
}

func rejectionReason(err error) string {
	var berr *apperrors.BrokerError
	if apperrors.As(err, &berr) {
		if berr.Message != "" {
			return berr.Message
		}
		return berr.Code
	}
	return err.Error()
}
