package trading

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/models"
)

func payloadJSON(t *testing.T, p models.IntentPayload) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func leg(symbol string, side models.OrderSide, qty int, execType models.ExecutionType) models.Leg {
	return models.Leg{
		Symbol:        symbol,
		Exchange:      models.NFO,
		Side:          side,
		Quantity:      qty,
		Product:       models.ProductMIS,
		OrderType:     models.OrderTypeMarket,
		ExecutionType: execType,
	}
}

func (h *harness) enqueue(id string, typ models.IntentType, p models.IntentPayload) {
	h.t.Helper()
	if err := h.store.EnqueueIntent(h.ctx, &models.IntentEntry{IntentID: id, Type: typ, Payload: payloadJSON(h.t, p), Source: "test"}); err != nil {
		h.t.Fatal(err)
	}
}

func TestGenericConsumerProcessesIntent(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(bankCE, -30, models.ProductMIS)

	consumer := NewIntentConsumer(IntentConsumerConfig{
		Type:    models.IntentGeneric,
		Queue:   h.store,
		Handler: NewGenericHandler(h.commands, h.exits),
	}, zerolog.Nop())

	h.enqueue("g1", models.IntentGeneric, models.IntentPayload{
		Strategy: "scalper",
		Legs: []models.Leg{
			leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry),
			leg(bankCE, models.OrderSideBuy, 999, models.ExecutionExit),
		},
	})

	ok, err := consumer.ProcessOne(h.ctx)
	if err != nil || !ok {
		t.Fatalf("process: %v %v", ok, err)
	}
	ok, err = consumer.ProcessOne(h.ctx)
	if err != nil || ok {
		t.Fatalf("empty queue: %v %v", ok, err)
	}

	entry, err := h.store.GetIntent(h.ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != models.IntentAccepted || len(entry.Result) != 2 {
		t.Fatalf("intent = %s %+v", entry.Status, entry.Result)
	}

	entryLeg := h.record(entry.Result[0].CommandID)
	if entryLeg.CommandID != "g1:0" || entryLeg.StrategyName != "scalper" || entryLeg.IntentID != "g1" {
		t.Errorf("entry leg = %+v", entryLeg)
	}
	// The exit leg is sized from the broker, not from the payload.
	exitLeg := h.record(entry.Result[1].CommandID)
	if exitLeg.ExecutionType != models.ExecutionExit || exitLeg.Quantity != 30 || exitLeg.Side != models.OrderSideBuy {
		t.Errorf("exit leg = %+v", exitLeg)
	}
}

func TestGenericHandlerMalformedPayload(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	handler := NewGenericHandler(h.commands, h.exits)

	for name, payload := range map[string]json.RawMessage{
		"not json":      json.RawMessage(`{"legs":`),
		"no legs":       json.RawMessage(`{"legs":[]}`),
		"bad exec type": json.RawMessage(`{"legs":[{"symbol":"X","execution_type":"HEDGE"}]}`),
	} {
		status, results := handler.Handle(h.ctx, models.IntentEntry{IntentID: "m", Type: models.IntentGeneric, Payload: payload})
		if status != models.IntentFailed || len(results) != 1 || results[0].Error == "" {
			t.Errorf("%s: %s %+v", name, status, results)
		}
	}
}

func TestGenericHandlerPartialAcceptance(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	if _, err := h.commands.Submit(h.ctx, entryCmd("held", "scalper", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}

	status, results := NewGenericHandler(h.commands, h.exits).Handle(h.ctx, models.IntentEntry{
		IntentID: "g2",
		Type:     models.IntentGeneric,
		Payload: payloadJSON(t, models.IntentPayload{Strategy: "scalper", Legs: []models.Leg{
			leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry),
			leg(niftyPE, models.OrderSideBuy, 50, models.ExecutionEntry),
		}}),
	})
	if status != models.IntentPartiallyAccepted {
		t.Fatalf("status = %s %+v", status, results)
	}
	if results[0].Accepted || results[0].Error != "DUPLICATE_BLOCKED:duplicate_entry" {
		t.Errorf("duplicate leg = %+v", results[0])
	}
	if !results[1].Accepted {
		t.Errorf("fresh leg = %+v", results[1])
	}
}

func TestAdvancedHandlerIsAllOrNothing(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	if _, err := h.commands.Submit(h.ctx, entryCmd("other", "other", niftyPE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Fatal(err)
	}
	handler := NewAdvancedHandler(h.commands, h.exits)

	status, results := handler.Handle(h.ctx, models.IntentEntry{
		IntentID: "straddle",
		Type:     models.IntentAdvanced,
		Payload: payloadJSON(t, models.IntentPayload{Legs: []models.Leg{
			leg(niftyCE, models.OrderSideSell, 50, models.ExecutionEntry),
			leg(niftyPE, models.OrderSideSell, 50, models.ExecutionEntry),
		}}),
	})
	if status != models.IntentRejected || len(results) != 2 {
		t.Fatalf("status = %s %+v", status, results)
	}
	for _, r := range results {
		if r.Accepted || r.Status != models.StatusFailed {
			t.Errorf("leg %+v", r)
		}
	}
	if rec := h.record("straddle:0"); rec.StrategyName != "advanced:straddle" || rec.Tag != "GUARD_BLOCKED:batch_rejected" {
		t.Errorf("passing leg %+v", rec)
	}

	status, results = handler.Handle(h.ctx, models.IntentEntry{
		IntentID: "mixed",
		Type:     models.IntentAdvanced,
		Payload: payloadJSON(t, models.IntentPayload{Legs: []models.Leg{
			leg(bankCE, models.OrderSideSell, 15, models.ExecutionEntry),
			leg(bankCE, models.OrderSideSell, 15, models.ExecutionAdjust),
		}}),
	})
	if status != models.IntentFailed {
		t.Errorf("mixed batch: %s %+v", status, results)
	}
}

func TestBasketLegsDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	handler := NewBasketHandler(h.commands, h.exits, h.store, 0)

	status, results := handler.Handle(h.ctx, models.IntentEntry{
		IntentID: "b1",
		Type:     models.IntentBasket,
		Payload: payloadJSON(t, models.IntentPayload{Strategy: "ladder", Legs: []models.Leg{
			leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry),
			leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry),
		}}),
	})
	if status != models.IntentAccepted {
		t.Fatalf("status = %s %+v", status, results)
	}
	if rec := h.record("b1:1"); rec.StrategyName != BasketLegStrategy("ladder", "b1", 1) {
		t.Errorf("strategy = %s", rec.StrategyName)
	}
}

func TestBasketSettlesAgainstBroker(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(niftyPE, 50, models.ProductMIS)
	h.paper.SetRejectRule(func(o *models.Order) string {
		if o.Symbol == bankCE {
			return "Instrument blocked"
		}
		return ""
	})

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	handler := NewBasketHandler(h.commands, h.exits, h.store, 5*time.Second)
	handler.pollEvery = 10 * time.Millisecond

	status, results := handler.Handle(h.ctx, models.IntentEntry{
		IntentID: "b2",
		Type:     models.IntentBasket,
		Payload: payloadJSON(t, models.IntentPayload{Legs: []models.Leg{
			leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry),
			leg(bankCE, models.OrderSideBuy, 15, models.ExecutionEntry),
			leg(niftyPE, models.OrderSideSell, 50, models.ExecutionExit),
		}}),
	})
	if status != models.IntentPartiallyAccepted {
		t.Fatalf("status = %s %+v", status, results)
	}
	if !results[0].Accepted || results[0].Status != models.StatusExecuted {
		t.Errorf("entry leg %+v", results[0])
	}
	if results[1].Accepted || results[1].Error != "BROKER_REJECTED:Instrument blocked" {
		t.Errorf("rejected leg %+v", results[1])
	}
	if !results[2].Accepted || results[2].Status != models.StatusExecuted {
		t.Errorf("exit leg %+v", results[2])
	}
}

func TestExitLegReportsEveryProduct(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(niftyCE, 50, models.ProductMIS)
	h.position(niftyCE, -25, models.ProductNRML)

	anyProduct := leg(niftyCE, models.OrderSideSell, 1, models.ExecutionExit)
	anyProduct.Product = ""
	status, results := NewGenericHandler(h.commands, h.exits).Handle(h.ctx, models.IntentEntry{
		IntentID: "g3",
		Type:     models.IntentGeneric,
		Payload:  payloadJSON(t, models.IntentPayload{Legs: []models.Leg{anyProduct}}),
	})
	if status != models.IntentAccepted || len(results) != 1 {
		t.Fatalf("status = %s %+v", status, results)
	}
	res := results[0]
	if len(res.CommandIDs) != 2 || res.CommandID != res.CommandIDs[0] {
		t.Fatalf("leg result = %+v", res)
	}
	products := map[models.ProductType]int{}
	for _, id := range res.CommandIDs {
		rec := h.record(id)
		products[rec.Product] = rec.SignedQuantity()
	}
	if products[models.ProductMIS] != -50 || products[models.ProductNRML] != 25 {
		t.Errorf("registered exits = %v", products)
	}
}

func TestBasketSettlesEveryExitRecord(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.position(niftyPE, 50, models.ProductMIS)
	h.position(niftyPE, 75, models.ProductNRML)
	h.paper.SetRejectRule(func(o *models.Order) string {
		if o.Product == models.ProductNRML {
			return "NRML exits blocked"
		}
		return ""
	})

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	handler := NewBasketHandler(h.commands, h.exits, h.store, 5*time.Second)
	handler.pollEvery = 10 * time.Millisecond

	exit := leg(niftyPE, models.OrderSideSell, 50, models.ExecutionExit)
	exit.Product = ""
	status, results := handler.Handle(h.ctx, models.IntentEntry{
		IntentID: "b3",
		Type:     models.IntentBasket,
		Payload:  payloadJSON(t, models.IntentPayload{Legs: []models.Leg{exit}}),
	})
	if status != models.IntentRejected || len(results) != 1 {
		t.Fatalf("status = %s %+v", status, results)
	}
	if res := results[0]; res.Accepted || res.Status != models.StatusFailed || len(res.CommandIDs) != 2 {
		t.Errorf("exit leg %+v", res)
	}
}

func TestStrategyHandlerActions(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	handler := NewStrategyHandler(NewStrategyManager(h.commands, h.exits))

	handle := func(id string, p models.IntentPayload) (models.IntentStatus, []models.LegResult) {
		return handler.Handle(h.ctx, models.IntentEntry{IntentID: id, Type: models.IntentStrategy, Payload: payloadJSON(t, p), Source: "algo"})
	}

	status, results := handle("s1", models.IntentPayload{Strategy: "iron", Action: ActionEntry, Legs: []models.Leg{
		leg(niftyCE, models.OrderSideSell, 50, models.ExecutionEntry),
		leg(niftyPE, models.OrderSideSell, 50, models.ExecutionEntry),
	}})
	if status != models.IntentAccepted || len(results) != 2 {
		t.Fatalf("enter: %s %+v", status, results)
	}
	h.cycle()

	status, results = handle("s2", models.IntentPayload{Strategy: "iron", Action: ActionEntry, Legs: []models.Leg{
		leg(niftyCE, models.OrderSideSell, 50, models.ExecutionEntry),
	}})
	if status != models.IntentRejected {
		t.Errorf("re-enter: %s %+v", status, results)
	}

	status, results = handle("s3", models.IntentPayload{Strategy: "iron", Action: ActionExit})
	if status != models.IntentAccepted || len(results) != 2 {
		t.Fatalf("exit: %s %+v", status, results)
	}
	for _, r := range results {
		if rec := h.record(r.CommandID); rec.Side != models.OrderSideBuy || rec.Quantity != 50 || rec.StrategyName != "iron" {
			t.Errorf("exit leg %+v", rec)
		}
	}
	h.cycle()

	// Flat book: exits complete with nothing to do.
	status, results = handle("s4", models.IntentPayload{Action: ActionForceExit})
	if status != models.IntentAccepted || len(results) != 0 {
		t.Errorf("force exit: %s %+v", status, results)
	}

	status, _ = handle("s5", models.IntentPayload{Action: ActionEntry, Legs: []models.Leg{leg(niftyCE, models.OrderSideSell, 50, models.ExecutionEntry)}})
	if status != models.IntentFailed {
		t.Errorf("missing strategy: %s", status)
	}
	status, _ = handle("s6", models.IntentPayload{Strategy: "iron", Action: "HEDGE"})
	if status != models.IntentFailed {
		t.Errorf("unknown action: %s", status)
	}
}

func TestConsumerRunReleasesStaleClaims(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.enqueue("r1", models.IntentGeneric, models.IntentPayload{Legs: []models.Leg{leg(niftyCE, models.OrderSideBuy, 50, models.ExecutionEntry)}})

	// Claimed by a previous run that died before completing it.
	if _, err := h.store.ClaimIntent(h.ctx, models.IntentGeneric, "oms:GENERIC"); err != nil {
		t.Fatal(err)
	}

	consumer := NewIntentConsumer(IntentConsumerConfig{
		Type:     models.IntentGeneric,
		Queue:    h.store,
		Handler:  NewGenericHandler(h.commands, h.exits),
		Interval: 10 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		entry, err := h.store.GetIntent(h.ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if entry.Status.IsTerminal() {
			if entry.Status != models.IntentAccepted {
				t.Errorf("status = %s", entry.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("intent never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
