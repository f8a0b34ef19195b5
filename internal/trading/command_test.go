package trading

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

const (
	niftyCE = "NIFTY24DEC24000CE"
	niftyPE = "NIFTY24DEC24000PE"
	bankCE  = "BANKNIFTY24DEC51000CE"
)

// harness wires the OMS core against a temp-dir store and a paper broker.
type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *store.SQLiteStore
	paper    *broker.PaperBroker
	guard    *ExecutionGuard
	commands *CommandService
	exits    *PositionExitService
	watcher  *OrderWatcher
	quality  *resilience.ExecutionQualityTracker
	// orphans seen by every watcher this harness wired
	orphans []models.Order
}

func newHarness(t *testing.T, cfg broker.PaperBrokerConfig) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "oms.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{t: t, ctx: context.Background(), store: s, paper: broker.NewPaperBroker(cfg)}
	h.wire(nil)
	return h
}

// wire builds the in-memory components, as a process start would.
func (h *harness) wire(prices *fakePrices) {
	logger := zerolog.Nop()
	h.guard = NewExecutionGuard(h.store, h.paper, logger)
	h.commands = NewCommandService(CommandServiceConfig{Store: h.store, Guard: h.guard, Gateway: h.paper}, logger)
	h.exits = NewPositionExitService(h.paper, h.commands, h.guard, nil, nil, logger)
	h.quality = resilience.NewExecutionQualityTracker(resilience.DefaultExecutionTrackerConfig())
	wcfg := OrderWatcherConfig{
		Store:    h.store,
		Gateway:  h.paper,
		Guard:    h.guard,
		Commands: h.commands,
		Quality:  h.quality,
		OnOrphan: func(o models.Order) { h.orphans = append(h.orphans, o) },
		Interval: 10 * time.Millisecond,
	}
	if prices != nil {
		wcfg.Market = prices
	}
	h.watcher = NewOrderWatcher(wcfg, logger)
	h.commands.SetNotifier(h.watcher)
}

func (h *harness) cycle() {
	h.t.Helper()
	if err := h.watcher.Cycle(h.ctx); err != nil {
		h.t.Fatalf("cycle: %v", err)
	}
}

func (h *harness) record(commandID string) *models.OrderRecord {
	h.t.Helper()
	rec, err := h.store.GetOrder(h.ctx, commandID)
	if err != nil {
		h.t.Fatalf("get %s: %v", commandID, err)
	}
	return rec
}

func (h *harness) position(symbol string, qty int, product models.ProductType) {
	h.paper.SetPosition(models.Position{Symbol: symbol, Exchange: models.NFO, Product: product, Quantity: qty})
}

func entryCmd(id, strategy, symbol string, side models.OrderSide, qty int) models.Command {
	return models.Command{
		CommandID:    id,
		StrategyName: strategy,
		Symbol:       symbol,
		Exchange:     models.NFO,
		Side:         side,
		Quantity:     qty,
		Product:      models.ProductMIS,
		OrderType:    models.OrderTypeMarket,
	}
}

func f64(v float64) *float64 { return &v }

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64)}
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakePrices) LastPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, apperrors.ErrNoMarketPrice
	}
	return p, time.Now(), nil
}

func (f *fakePrices) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fixedRisk struct{ err error }

func (r fixedRisk) CanExecute(ctx context.Context) error { return r.err }

func TestSubmitSameCommandTwicePlacesOnce(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	cmd := entryCmd("c1", "alpha", niftyCE, models.OrderSideBuy, 50)

	if _, err := h.commands.Submit(h.ctx, cmd, models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	if _, err := h.commands.Submit(h.ctx, cmd, models.ExecutionEntry); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.cycle()
	h.cycle()

	rec, err := h.commands.Submit(h.ctx, cmd, models.ExecutionEntry)
	if err != nil {
		t.Fatalf("retry after fill: %v", err)
	}
	if rec.Status != models.StatusExecuted {
		t.Errorf("status = %s", rec.Status)
	}
	if h.paper.PlaceCalls() != 1 {
		t.Errorf("broker saw %d placements", h.paper.PlaceCalls())
	}
	if len(h.paper.OrdersWithTag(broker.OrderTag("c1"))) != 1 {
		t.Error("expected exactly one tagged broker order")
	}
}

func TestSubmitRefusesExit(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	_, err := h.commands.Submit(h.ctx, entryCmd("c1", "alpha", niftyCE, models.OrderSideSell, 50), models.ExecutionExit)
	if !apperrors.Is(err, apperrors.ErrForbiddenOperation) {
		t.Fatalf("got %v", err)
	}
	if _, err := h.store.GetOrder(h.ctx, "c1"); !apperrors.Is(err, apperrors.ErrRecordNotFound) {
		t.Error("refused exit was persisted")
	}
}

func TestSubmitValidationPersistsNothing(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})

	cases := map[string]models.Command{
		"limit without price": func() models.Command {
			c := entryCmd("v1", "alpha", niftyCE, models.OrderSideBuy, 50)
			c.OrderType = models.OrderTypeLimit
			return c
		}(),
		"zero quantity": entryCmd("v2", "alpha", niftyCE, models.OrderSideBuy, 0),
		"empty symbol":  entryCmd("v3", "alpha", "", models.OrderSideBuy, 50),
		"bad side":      entryCmd("v4", "alpha", niftyCE, "HOLD", 50),
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.commands.Submit(h.ctx, cmd, models.ExecutionEntry)
			if !apperrors.Is(err, apperrors.ErrInvalidOrder) {
				t.Fatalf("got %v", err)
			}
			if _, err := h.store.GetOrder(h.ctx, cmd.CommandID); !apperrors.Is(err, apperrors.ErrRecordNotFound) {
				t.Error("invalid command was persisted")
			}
		})
	}
}

func TestDuplicateEntryBlocked(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})

	if _, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}

	// Still in flight.
	rec, err := h.commands.Submit(h.ctx, entryCmd("e2", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	if !apperrors.Is(err, apperrors.ErrGuardBlocked) {
		t.Fatalf("in-flight duplicate: %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Tag != "DUPLICATE_BLOCKED:duplicate_entry" {
		t.Errorf("in-flight duplicate persisted as %s %q", rec.Status, rec.Tag)
	}

	h.cycle()
	if h.record("e1").Status != models.StatusExecuted {
		t.Fatalf("entry status = %s", h.record("e1").Status)
	}

	// Executed and not exited.
	rec, err = h.commands.Submit(h.ctx, entryCmd("e3", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	if !apperrors.Is(err, apperrors.ErrGuardBlocked) || rec.Tag != "DUPLICATE_BLOCKED:duplicate_entry" {
		t.Fatalf("executed duplicate: %v %q", err, rec.Tag)
	}

	// Adjustments are not duplicates.
	if _, err := h.commands.Submit(h.ctx, entryCmd("a1", "alpha", niftyCE, models.OrderSideBuy, 25), models.ExecutionAdjust); err != nil {
		t.Errorf("adjust: %v", err)
	}

	h.cycle()
	if h.paper.PlaceCalls() != 2 {
		t.Errorf("placements = %d, want entry and adjustment only", h.paper.PlaceCalls())
	}
}

func TestReentryAllowedAfterBrokerFlat(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})

	if _, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	h.cycle()

	if _, err := h.exits.Exit(h.ctx, ExitRequest{ID: "x1", Scope: ExitScope{Kind: ExitScopeStrategy, Strategy: "alpha"}}); err != nil {
		t.Fatal(err)
	}
	h.cycle()

	if got := h.guard.StrategyPositions("alpha"); len(got) != 0 {
		t.Fatalf("alpha still holds %v", got)
	}
	rec, err := h.commands.Submit(h.ctx, entryCmd("e2", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	if err != nil || rec.Status != models.StatusCreated {
		t.Fatalf("re-entry: %v %+v", err, rec)
	}
}

func TestConflictSymmetry(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})

	if _, err := h.commands.Submit(h.ctx, entryCmd("a", "alpha", niftyCE, models.OrderSideBuy, 100), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	h.cycle()

	rec, err := h.commands.Submit(h.ctx, entryCmd("b-sell", "beta", niftyCE, models.OrderSideSell, 50), models.ExecutionEntry)
	if !apperrors.Is(err, apperrors.ErrGuardBlocked) {
		t.Fatalf("opposite direction: %v", err)
	}
	if rec.Tag != "GUARD_BLOCKED:cross_strategy_conflict" {
		t.Errorf("tag = %q", rec.Tag)
	}

	rec, err = h.commands.Submit(h.ctx, entryCmd("b-buy", "beta", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	if err != nil || rec.Status != models.StatusCreated {
		t.Fatalf("same direction: %v %+v", err, rec)
	}
}

func TestManualPositionOwnedByExternal(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(bankCE, -75, models.ProductNRML)
	if err := h.guard.Reconcile(h.ctx); err != nil {
		t.Fatal(err)
	}

	if got := h.guard.State().StrategyPositions[ExternalStrategy][bankCE]; got != -75 {
		t.Fatalf("external exposure = %d", got)
	}

	_, err := h.commands.Submit(h.ctx, entryCmd("long", "alpha", bankCE, models.OrderSideBuy, 15), models.ExecutionEntry)
	if !apperrors.Is(err, apperrors.ErrGuardBlocked) {
		t.Errorf("entry against manual short: %v", err)
	}
	if _, err := h.commands.Submit(h.ctx, entryCmd("short", "alpha", bankCE, models.OrderSideSell, 15), models.ExecutionEntry); err != nil {
		t.Errorf("entry with manual short: %v", err)
	}
}

func TestRejectedBatchFailsEveryLeg(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	if _, err := h.commands.Submit(h.ctx, entryCmd("beta-pe", "beta", niftyPE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	h.cycle()
	placed := h.paper.PlaceCalls()

	recs, err := h.commands.SubmitBatch(h.ctx, []models.Command{
		entryCmd("s-ce", "straddle", niftyCE, models.OrderSideSell, 50),
		entryCmd("s-pe", "straddle", niftyPE, models.OrderSideSell, 50),
	}, models.ExecutionEntry)

	var gerr *apperrors.GuardError
	if !apperrors.As(err, &gerr) || len(gerr.Rejections) != 1 || gerr.Rejections[0].Index != 1 {
		t.Fatalf("got %v", err)
	}
	if recs[0].Status != models.StatusFailed || recs[0].Tag != "GUARD_BLOCKED:batch_rejected" {
		t.Errorf("passing leg: %s %q", recs[0].Status, recs[0].Tag)
	}
	if recs[1].Status != models.StatusFailed || recs[1].Tag != "GUARD_BLOCKED:cross_strategy_conflict" {
		t.Errorf("conflicting leg: %s %q", recs[1].Status, recs[1].Tag)
	}

	h.cycle()
	if h.paper.PlaceCalls() != placed {
		t.Error("a leg of a rejected batch reached the broker")
	}
}

func TestBatchLegsCountAgainstEachOther(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	_, err := h.commands.SubmitBatch(h.ctx, []models.Command{
		entryCmd("l1", "alpha", niftyCE, models.OrderSideBuy, 50),
		entryCmd("l2", "alpha", niftyCE, models.OrderSideBuy, 50),
	}, models.ExecutionEntry)

	var gerr *apperrors.GuardError
	if !apperrors.As(err, &gerr) {
		t.Fatalf("got %v", err)
	}
	if r, ok := gerr.Rejection(1); !ok || r.Rule != "DUPLICATE_BLOCKED:duplicate_entry" {
		t.Errorf("rejections = %+v", gerr.Rejections)
	}
}

func TestRiskGateBlocksEntriesNotExits(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(niftyCE, 50, models.ProductMIS)
	h.commands.AttachRiskGate(fixedRisk{err: apperrors.NewRiskError(RuleMaxOpenPositions, 1, 1, "too many open positions")})

	rec, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", bankCE, models.OrderSideBuy, 15), models.ExecutionEntry)
	if !apperrors.Is(err, apperrors.ErrRiskBlocked) {
		t.Fatalf("got %v", err)
	}
	if rec.Status != models.StatusFailed || rec.Tag != "RISK_BLOCKED:max_open_positions" {
		t.Errorf("persisted as %s %q", rec.Status, rec.Tag)
	}

	exits, err := h.exits.Exit(h.ctx, ExitRequest{ID: "r1", Scope: ExitScope{Kind: ExitScopeAll}})
	if err != nil || len(exits) != 1 || exits[0].Status != models.StatusCreated {
		t.Fatalf("exit under risk block: %v %+v", err, exits)
	}
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	access := security.NewAccessController(true, nil)
	h.commands.access = access

	_, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	var roErr *security.ReadOnlyError
	if !apperrors.As(err, &roErr) {
		t.Fatalf("submit: %v", err)
	}
	_, err = h.commands.Register(h.ctx, entryCmd("x1", "exit:manual", niftyCE, models.OrderSideSell, 50))
	if !apperrors.Is(err, apperrors.ErrReadOnlyMode) {
		t.Fatalf("register: %v", err)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	if _, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}

	rec, err := h.commands.Cancel(h.ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusFailed || rec.Tag != "GUARD_BLOCKED:cancelled_before_dispatch" {
		t.Fatalf("cancelled as %s %q", rec.Status, rec.Tag)
	}
	h.cycle()
	if h.paper.PlaceCalls() != 0 {
		t.Error("cancelled record was placed")
	}
	if len(h.guard.StrategyPositions("alpha")) != 0 {
		t.Error("cancelled entry still reserved")
	}
}

func TestCancelAtBroker(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{LeaveOpen: true})
	if _, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	h.cycle()
	if h.record("e1").Status != models.StatusSentToBroker {
		t.Fatalf("status = %s", h.record("e1").Status)
	}

	if _, err := h.commands.Cancel(h.ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if h.record("e1").Status != models.StatusSentToBroker {
		t.Error("cancel must wait for the broker")
	}
	h.cycle()

	rec := h.record("e1")
	if rec.Status != models.StatusFailed || rec.Tag != "BROKER_REJECTED:Cancelled by user" {
		t.Errorf("after broker cancel: %s %q", rec.Status, rec.Tag)
	}
	events, _ := h.store.ListEvents(h.ctx, "e1")
	var requested bool
	for _, ev := range events {
		requested = requested || ev.Event == "CANCEL_REQUESTED"
	}
	if !requested {
		t.Error("no CANCEL_REQUESTED event")
	}

	if _, err := h.commands.Cancel(h.ctx, "e1"); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("cancel of terminal record: %v", err)
	}
}

func TestModifyOnlyChangesPrice(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{LeaveOpen: true})
	cmd := entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50)
	cmd.OrderType = models.OrderTypeLimit
	cmd.Price = f64(120)
	if _, err := h.commands.Submit(h.ctx, cmd, models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}

	if _, err := h.commands.Modify(h.ctx, "e1", f64(118), 0); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("modify before dispatch: %v", err)
	}
	h.cycle()

	if _, err := h.commands.Modify(h.ctx, "e1", f64(118), 75); !apperrors.Is(err, apperrors.ErrInvalidOrder) {
		t.Errorf("quantity change: %v", err)
	}
	if _, err := h.commands.Modify(h.ctx, "e1", f64(118), 50); err != nil {
		t.Fatalf("price change: %v", err)
	}
	book, _ := h.paper.GetOrders(h.ctx)
	if len(book) != 1 || book[0].Price != 118 {
		t.Errorf("broker order = %+v", book)
	}
}
