package trading

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

func admit(g *ExecutionGuard, legs ...ProposedLeg) error {
	return g.Admit(context.Background(), legs, func(context.Context, *apperrors.GuardError) error { return nil })
}

func TestGuardRecordFailureReleasesOnlyOwnReservation(t *testing.T) {
	g := NewExecutionGuard(nil, nil, zerolog.Nop())
	if err := admit(g, ProposedLeg{Strategy: "a", Symbol: niftyCE, Side: models.OrderSideBuy, Quantity: 50, ExecutionType: models.ExecutionEntry}); err != nil {
		t.Fatal(err)
	}
	if err := admit(g, ProposedLeg{Strategy: "a", Symbol: niftyCE, Side: models.OrderSideBuy, Quantity: 25, ExecutionType: models.ExecutionAdjust}); err != nil {
		t.Fatal(err)
	}

	g.RecordFailure(models.OrderRecord{StrategyName: "a", Symbol: niftyCE, Side: models.OrderSideBuy, Quantity: 25, ExecutionType: models.ExecutionAdjust})
	if got := g.StrategyPositions("a")[niftyCE]; got != 50 {
		t.Fatalf("a = %d", got)
	}

	// Exits never held a reservation.
	g.RecordFailure(models.OrderRecord{StrategyName: "a", Symbol: niftyCE, Side: models.OrderSideSell, Quantity: 50, ExecutionType: models.ExecutionExit})
	if got := g.StrategyPositions("a")[niftyCE]; got != 50 {
		t.Fatalf("a after exit failure = %d", got)
	}
}

func TestGuardExitFillNeverFlipsStrategy(t *testing.T) {
	g := NewExecutionGuard(nil, nil, zerolog.Nop())
	if err := admit(g, ProposedLeg{Strategy: "a", Symbol: niftyCE, Side: models.OrderSideBuy, Quantity: 50, ExecutionType: models.ExecutionEntry}); err != nil {
		t.Fatal(err)
	}
	g.RecordFill(models.OrderRecord{StrategyName: "a", Symbol: niftyCE, Side: models.OrderSideSell, Quantity: 80, ExecutionType: models.ExecutionExit})
	if got := g.StrategyPositions("a"); len(got) != 0 {
		t.Errorf("a = %v", got)
	}
}

func TestGuardReconcileFailureBlocksSubmission(t *testing.T) {
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.paper.FailNextRead(apperrors.ErrConnectionFailed)

	_, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry)
	if err == nil {
		t.Fatal("submission accepted without a guard state")
	}
	if _, err := h.store.GetOrder(h.ctx, "e1"); !apperrors.Is(err, apperrors.ErrRecordNotFound) {
		t.Error("record persisted without a guard verdict")
	}

	if _, err := h.commands.Submit(h.ctx, entryCmd("e1", "alpha", niftyCE, models.OrderSideBuy, 50), models.ExecutionEntry); err != nil {
		t.Errorf("retry: %v", err)
	}
}

func TestGuardNeverAdmitsOpposingStrategies(t *testing.T) {
	strategies := []string{"a", "b", "c"}
	symbols := []string{niftyCE, niftyPE}

	genLeg := gopter.CombineGens(
		gen.IntRange(0, len(strategies)-1),
		gen.IntRange(0, len(symbols)-1),
		gen.Bool(),
		gen.IntRange(1, 100),
		gen.Bool(),
	).Map(func(v []interface{}) ProposedLeg {
		side := models.OrderSideBuy
		if v[2].(bool) {
			side = models.OrderSideSell
		}
		execType := models.ExecutionEntry
		if v[4].(bool) {
			execType = models.ExecutionAdjust
		}
		return ProposedLeg{
			Strategy:      strategies[v[0].(int)],
			Symbol:        symbols[v[1].(int)],
			Side:          side,
			Quantity:      v[3].(int),
			ExecutionType: execType,
		}
	})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no symbol is held long by one strategy and short by another", prop.ForAll(
		func(batches [][]ProposedLeg) bool {
			g := NewExecutionGuard(nil, nil, zerolog.Nop())
			for _, batch := range batches {
				before := g.State()
				err := admit(g, batch...)
				after := g.State()
				if err != nil && !sameExposure(before.StrategyPositions, after.StrategyPositions) {
					// A rejected batch reserves nothing.
					return false
				}
				for _, symbol := range symbols {
					long, short := false, false
					for _, held := range after.StrategyPositions {
						long = long || held[symbol] > 0
						short = short || held[symbol] < 0
					}
					if long && short {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.SliceOfN(2, genLeg)),
	))

	properties.TestingRun(t)
}

func sameExposure(a, b map[string]map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for s, symbols := range a {
		if len(symbols) != len(b[s]) {
			return false
		}
		for symbol, qty := range symbols {
			if b[s][symbol] != qty {
				return false
			}
		}
	}
	return true
}
