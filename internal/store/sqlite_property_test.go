package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "oms.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entryRecord(id, strategy, symbol string, side models.OrderSide, qty int) *models.OrderRecord {
	return &models.OrderRecord{
		CommandID:     id,
		ExecutionType: models.ExecutionEntry,
		StrategyName:  strategy,
		Symbol:        symbol,
		Exchange:      models.NFO,
		Side:          side,
		Quantity:      qty,
		Product:       models.ProductMIS,
		OrderType:     models.OrderTypeMarket,
	}
}

func TestInsertOrderIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertOrder(ctx, entryRecord("c1", "alpha", "NIFTY24DEC24000CE", models.OrderSideBuy, 50))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	dup := entryRecord("c1", "beta", "BANKNIFTY", models.OrderSideSell, 15)
	inserted, err = s.InsertOrder(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}

	rec, err := s.GetOrder(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.StrategyName != "alpha" || rec.Quantity != 50 || rec.Status != models.StatusCreated {
		t.Errorf("record overwritten: %+v", rec)
	}

	events, _ := s.ListEvents(ctx, "c1")
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrder(context.Background(), "missing")
	if !apperrors.Is(err, apperrors.ErrRecordNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestOptionalFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sl, target := 95.5, 140.0
	rec := entryRecord("c1", "alpha", "NIFTY", models.OrderSideBuy, 50)
	rec.StopLoss = &sl
	rec.Target = &target
	rec.IntentID = "i-1"
	if _, err := s.InsertOrder(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOrder(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Price != nil || got.TrailPercent != nil {
		t.Errorf("unset fields came back non-nil: %+v", got)
	}
	if got.StopLoss == nil || *got.StopLoss != sl || got.Target == nil || *got.Target != target {
		t.Errorf("rule levels lost: %+v", got)
	}
	if got.IntentID != "i-1" {
		t.Errorf("intent id = %q", got.IntentID)
	}
}

func TestTransitionIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOrder(ctx, entryRecord("c1", "alpha", "NIFTY", models.OrderSideBuy, 50))

	ok, err := s.Transition(ctx, Transition{CommandID: "c1", From: models.StatusCreated, To: models.StatusSentToBroker, BrokerOrderID: "B1"})
	if err != nil || !ok {
		t.Fatalf("send: ok=%v err=%v", ok, err)
	}

	// Stale writer still believes the record is CREATED.
	ok, err = s.Transition(ctx, Transition{CommandID: "c1", From: models.StatusCreated, To: models.StatusFailed, Tag: "late"})
	if err != nil || ok {
		t.Fatalf("stale transition applied: ok=%v err=%v", ok, err)
	}

	ok, _ = s.Transition(ctx, Transition{CommandID: "c1", From: models.StatusSentToBroker, To: models.StatusExecuted, AveragePrice: 101.25})
	if !ok {
		t.Fatal("fill not applied")
	}

	rec, _ := s.GetOrder(ctx, "c1")
	if rec.Status != models.StatusExecuted || rec.BrokerOrderID != "B1" || rec.AveragePrice != 101.25 {
		t.Errorf("unexpected record %+v", rec)
	}

	events, _ := s.ListEvents(ctx, "c1")
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[2].FromStatus != models.StatusSentToBroker || events[2].ToStatus != models.StatusExecuted {
		t.Errorf("last event %+v", events[2])
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOrder(ctx, entryRecord("c1", "alpha", "NIFTY", models.OrderSideBuy, 50))

	cases := []Transition{
		{CommandID: "c1", From: models.StatusCreated, To: models.StatusExecuted},
		{CommandID: "c1", From: models.StatusCreated, To: models.StatusSentToBroker},
		{CommandID: "c1", From: models.StatusExecuted, To: models.StatusFailed},
		{CommandID: "c1", From: models.StatusCreated, To: models.StatusFailed, BrokerOrderID: "B1"},
	}
	for _, tc := range cases {
		if _, err := s.Transition(ctx, tc); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
			t.Errorf("%s -> %s: got %v", tc.From, tc.To, err)
		}
	}
}

// Property: for any sequence of attempted transitions, a record only moves
// forward, terminal states never change, and the broker order id is set
// exactly when the record has reached the broker.
func TestProperty_StateMachineClosure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []models.OrderStatus{models.StatusCreated, models.StatusSentToBroker, models.StatusExecuted, models.StatusFailed}
	rank := map[models.OrderStatus]int{
		models.StatusCreated: 0, models.StatusSentToBroker: 1, models.StatusExecuted: 2, models.StatusFailed: 2,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	counter := 0
	properties.Property("status only moves forward", prop.ForAll(
		func(steps []int) bool {
			counter++
			id := fmt.Sprintf("sm-%d", counter)
			s.InsertOrder(ctx, entryRecord(id, "alpha", "NIFTY", models.OrderSideBuy, 1))

			current := models.StatusCreated
			for i, step := range steps {
				from := statuses[step%len(statuses)]
				to := statuses[(step/len(statuses))%len(statuses)]
				brokerID := ""
				if to == models.StatusSentToBroker {
					brokerID = fmt.Sprintf("B-%s-%d", id, i)
				}
				s.Transition(ctx, Transition{CommandID: id, From: from, To: to, BrokerOrderID: brokerID})

				rec, err := s.GetOrder(ctx, id)
				if err != nil {
					return false
				}
				if rank[rec.Status] < rank[current] {
					return false
				}
				if current.IsTerminal() && rec.Status != current {
					return false
				}
				hasBrokerID := rec.BrokerOrderID != ""
				if rec.Status == models.StatusCreated && hasBrokerID {
					return false
				}
				if (rec.Status == models.StatusSentToBroker || rec.Status == models.StatusExecuted) && !hasBrokerID {
					return false
				}
				current = rec.Status
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOrder(ctx, entryRecord("c1", "alpha", "NIFTY", models.OrderSideBuy, 50))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Transition(ctx, Transition{
				CommandID: "c1", From: models.StatusCreated, To: models.StatusSentToBroker,
				BrokerOrderID: fmt.Sprintf("B%d", i),
			})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestListOrdersFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertOrder(ctx, entryRecord("a1", "alpha", "NIFTY", models.OrderSideBuy, 50))
	s.InsertOrder(ctx, entryRecord("a2", "alpha", "BANKNIFTY", models.OrderSideBuy, 15))
	s.InsertOrder(ctx, entryRecord("b1", "beta", "NIFTY", models.OrderSideSell, 50))
	s.Transition(ctx, Transition{CommandID: "a2", From: models.StatusCreated, To: models.StatusFailed, Tag: "x"})

	got, _ := s.ListOrders(ctx, OrderFilter{Strategy: "alpha"})
	if len(got) != 2 || got[0].CommandID != "a1" {
		t.Errorf("by strategy: %+v", got)
	}

	got, _ = s.ListOrders(ctx, OrderFilter{Statuses: []models.OrderStatus{models.StatusCreated}, Symbol: "NIFTY"})
	if len(got) != 2 {
		t.Errorf("by status+symbol: %d", len(got))
	}

	got, _ = s.ListOrders(ctx, OrderFilter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limit ignored: %d", len(got))
	}
}

func TestStrategyExposureHonoursFlatMarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 12, 2, 9, 15, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	send := func(id string) {
		s.Transition(ctx, Transition{CommandID: id, From: models.StatusCreated, To: models.StatusSentToBroker, BrokerOrderID: "B-" + id})
		s.Transition(ctx, Transition{CommandID: id, From: models.StatusSentToBroker, To: models.StatusExecuted})
	}

	s.InsertOrder(ctx, entryRecord("a1", "alpha", "NIFTY", models.OrderSideBuy, 50))
	send("a1")
	// In-flight entry counts, in-flight exit does not.
	s.InsertOrder(ctx, entryRecord("b1", "beta", "BANKNIFTY", models.OrderSideSell, 15))
	exit := entryRecord("a-exit", "alpha", "NIFTY", models.OrderSideSell, 50)
	exit.ExecutionType = models.ExecutionExit
	s.InsertOrder(ctx, exit)

	exposure, err := s.StrategyExposure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exposure.Executed["alpha"]["NIFTY"] != 50 || exposure.InFlight["beta"]["BANKNIFTY"] != -15 {
		t.Fatalf("exposure = %+v", exposure)
	}

	// Position closed outside the ledger, the watcher marks it flat.
	clock = clock.Add(time.Minute)
	if err := s.MarkFlat(ctx, "NIFTY", clock); err != nil {
		t.Fatal(err)
	}
	exposure, _ = s.StrategyExposure(ctx)
	if _, ok := exposure.Merged()["alpha"]; ok {
		t.Fatalf("alpha should be flat, got %+v", exposure)
	}
	if exposure.Merged()["beta"]["BANKNIFTY"] != -15 {
		t.Fatalf("in-flight entry lost: %+v", exposure)
	}

	// A later fill counts again.
	clock = clock.Add(time.Minute)
	s.InsertOrder(ctx, entryRecord("a2", "alpha", "NIFTY", models.OrderSideBuy, 25))
	send("a2")
	exposure, _ = s.StrategyExposure(ctx)
	if exposure.Executed["alpha"]["NIFTY"] != 25 {
		t.Fatalf("exposure after re-entry = %+v", exposure)
	}
}

func TestExitOnlyStrategyHasNoExposure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exit := entryRecord("risk-1", "risk", "NIFTY", models.OrderSideSell, 50)
	exit.ExecutionType = models.ExecutionExit
	s.InsertOrder(ctx, exit)
	s.Transition(ctx, Transition{CommandID: "risk-1", From: models.StatusCreated, To: models.StatusSentToBroker, BrokerOrderID: "B1"})
	s.Transition(ctx, Transition{CommandID: "risk-1", From: models.StatusSentToBroker, To: models.StatusExecuted})

	exposure, err := s.StrategyExposure(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(exposure.Merged()) != 0 {
		t.Fatalf("exit-only strategy produced exposure: %+v", exposure)
	}
}

func TestRecordOrphanOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := models.Order{ID: "X1", Symbol: "NIFTY", Exchange: models.NFO, Side: models.OrderSideBuy, Quantity: 50, Status: "OPEN"}

	first, err := s.RecordOrphan(ctx, order)
	if err != nil || !first {
		t.Fatalf("first: %v %v", first, err)
	}
	again, _ := s.RecordOrphan(ctx, order)
	if again {
		t.Fatal("orphan recorded twice")
	}

	orphans, _ := s.ListOrphans(ctx)
	if len(orphans) != 1 || orphans[0].Tag != OrphanTag {
		t.Fatalf("orphans = %+v", orphans)
	}
}

func enqueue(t *testing.T, s *SQLiteStore, id string, typ models.IntentType) {
	t.Helper()
	err := s.EnqueueIntent(context.Background(), &models.IntentEntry{
		IntentID: id, Type: typ, Payload: []byte(`{"legs":[]}`), Source: "test",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClaimIntentFIFOByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "b1", models.IntentBasket)
	enqueue(t, s, "g1", models.IntentGeneric)
	enqueue(t, s, "b2", models.IntentBasket)

	first, err := s.ClaimIntent(ctx, models.IntentBasket, "basket-1")
	if err != nil || first == nil || first.IntentID != "b1" {
		t.Fatalf("first claim = %+v, %v", first, err)
	}
	if first.Status != models.IntentClaimed || first.ClaimedBy != "basket-1" {
		t.Errorf("claim not recorded: %+v", first)
	}

	second, _ := s.ClaimIntent(ctx, models.IntentBasket, "basket-1")
	if second == nil || second.IntentID != "b2" {
		t.Fatalf("second claim = %+v", second)
	}

	none, err := s.ClaimIntent(ctx, models.IntentBasket, "basket-1")
	if err != nil || none != nil {
		t.Fatalf("empty queue returned %+v, %v", none, err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		enqueue(t, s, fmt.Sprintf("i-%02d", i), models.IntentGeneric)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				e, err := s.ClaimIntent(ctx, models.IntentGeneric, fmt.Sprintf("w%d", w))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if e == nil {
					return
				}
				mu.Lock()
				seen[e.IntentID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("claimed %d distinct intents, want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s claimed %d times", id, n)
		}
	}
}

func TestCompleteAndReleaseIntent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "i1", models.IntentAdvanced)
	enqueue(t, s, "i2", models.IntentAdvanced)

	s.ClaimIntent(ctx, models.IntentAdvanced, "adv")
	s.ClaimIntent(ctx, models.IntentAdvanced, "adv")

	legs := []models.LegResult{{LegIndex: 0, CommandID: "i1:0", Symbol: "NIFTY", Accepted: true, Status: models.StatusCreated}}
	ok, err := s.CompleteIntent(ctx, "i1", models.IntentAccepted, legs)
	if err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	if ok, _ := s.CompleteIntent(ctx, "i1", models.IntentFailed, nil); ok {
		t.Fatal("completed twice")
	}

	got, _ := s.GetIntent(ctx, "i1")
	if got.Status != models.IntentAccepted || len(got.Result) != 1 || got.Result[0].CommandID != "i1:0" {
		t.Errorf("intent = %+v", got)
	}

	released, err := s.ReleaseClaims(ctx, "adv")
	if err != nil || released != 1 {
		t.Fatalf("released = %d, %v", released, err)
	}
	again, _ := s.ClaimIntent(ctx, models.IntentAdvanced, "adv")
	if again == nil || again.IntentID != "i2" {
		t.Fatalf("released intent not reclaimable: %+v", again)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	err := s.EnqueueIntent(context.Background(), &models.IntentEntry{IntentID: "x", Type: "WHATEVER", Payload: []byte(`{}`)})
	if !apperrors.Is(err, apperrors.ErrInvalidIntent) {
		t.Fatalf("got %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.GetSnapshot(ctx, "NIFTY"); !apperrors.Is(err, apperrors.ErrNoMarketPrice) {
		t.Fatalf("missing snapshot: %v", err)
	}

	at := time.Date(2024, 12, 2, 10, 0, 0, 0, time.UTC)
	s.SaveSnapshot(ctx, "NIFTY", 120.5, at)
	s.SaveSnapshot(ctx, "NIFTY", 121.0, at.Add(time.Second))

	price, got, err := s.GetSnapshot(ctx, "NIFTY")
	if err != nil {
		t.Fatal(err)
	}
	if price != 121.0 || !got.Equal(at.Add(time.Second)) {
		t.Errorf("snapshot = %v @ %v", price, got)
	}
}
