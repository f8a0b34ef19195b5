package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// Property: order tags are deterministic, fit the exchange limit and are
// alphanumeric, for any command id.
func TestProperty_OrderTagStableAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("tag is deterministic and at most 20 alphanumeric chars", prop.ForAll(
		func(commandID string) bool {
			tag := OrderTag(commandID)
			if tag != OrderTag(commandID) || len(tag) != TagLength {
				return false
			}
			for _, r := range tag {
				if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.Property("distinct command ids get distinct tags", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return OrderTag(a) != OrderTag(b)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: after any sequence of filled market orders on one symbol, the
// paper broker's net position equals the signed sum of the fills.
func TestProperty_PaperNetPositionIsSignedSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("net quantity equals signed fill sum", prop.ForAll(
		func(qtys []int, sells []bool) bool {
			ctx := context.Background()
			pb := NewPaperBroker(PaperBrokerConfig{})
			pb.UpdatePrice("NIFTY24DEC24000CE", 120)

			want := 0
			for i, q := range qtys {
				side := models.OrderSideBuy
				if i < len(sells) && sells[i] {
					side = models.OrderSideSell
				}
				want += side.Sign() * q
				_, err := pb.PlaceOrder(ctx, &models.Order{
					Symbol: "NIFTY24DEC24000CE", Exchange: models.NFO, Side: side,
					Type: models.OrderTypeMarket, Product: models.ProductMIS, Quantity: q,
				})
				if err != nil {
					return false
				}
			}

			positions, err := pb.GetPositions(ctx)
			if err != nil {
				return false
			}
			got := 0
			for _, p := range positions {
				got += p.Quantity
			}
			return got == want && (want != 0 || len(positions) == 0)
		},
		gen.SliceOf(gen.IntRange(1, 500)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestPaperRejectRule(t *testing.T) {
	pb := NewPaperBroker(PaperBrokerConfig{})
	pb.SetRejectRule(func(o *models.Order) string {
		if o.Symbol == "BANKNIFTY" {
			return "RMS: margin exceeds"
		}
		return ""
	})

	_, err := pb.PlaceOrder(context.Background(), &models.Order{
		Symbol: "BANKNIFTY", Exchange: models.NFO, Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Product: models.ProductMIS, Quantity: 15,
	})
	if !errors.Is(err, apperrors.ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
	var be *apperrors.BrokerError
	if !errors.As(err, &be) || be.Message != "RMS: margin exceeds" {
		t.Errorf("broker error should carry the reason, got %v", err)
	}
	if orders, _ := pb.GetOrders(context.Background()); len(orders) != 0 {
		t.Errorf("rejected order must not reach the book, got %d", len(orders))
	}
}

func TestPaperDroppedAckStillPlaces(t *testing.T) {
	ctx := context.Background()
	pb := NewPaperBroker(PaperBrokerConfig{})
	pb.DropNextAcks(1)

	tag := OrderTag("cmd-1")
	_, err := pb.PlaceOrder(ctx, &models.Order{
		Symbol: "NIFTY", Exchange: models.NFO, Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Product: models.ProductMIS, Quantity: 50, Tag: tag,
	})
	if !errors.Is(err, apperrors.ErrConnectionFailed) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if errors.Is(err, apperrors.ErrOrderRejected) {
		t.Fatal("a lost ack must not look like a rejection")
	}
	if got := pb.OrdersWithTag(tag); len(got) != 1 {
		t.Fatalf("order should be in the book once, got %d", len(got))
	}
}

func TestPaperLeaveOpenThenResolve(t *testing.T) {
	ctx := context.Background()
	pb := NewPaperBroker(PaperBrokerConfig{LeaveOpen: true})

	res, err := pb.PlaceOrder(ctx, &models.Order{
		Symbol: "NIFTY", Exchange: models.NFO, Side: models.OrderSideSell,
		Type: models.OrderTypeMarket, Product: models.ProductNRML, Quantity: 25,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.BrokerStatusOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}

	if err := pb.Fill(res.OrderID, 101.5); err != nil {
		t.Fatal(err)
	}
	positions, _ := pb.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Quantity != -25 {
		t.Fatalf("expected short 25, got %+v", positions)
	}
	if err := pb.CancelOrder(ctx, res.OrderID); !errors.Is(err, apperrors.ErrOrderRejected) {
		t.Errorf("cancelling a filled order should be refused, got %v", err)
	}
}

func TestPaperQuoteFallsBackToDataBroker(t *testing.T) {
	ctx := context.Background()
	data := NewPaperBroker(PaperBrokerConfig{})
	data.UpdatePrice("NIFTY24DEC24000CE", 132.5)

	pb := NewPaperBroker(PaperBrokerConfig{DataBroker: data})
	if !pb.HasDataBroker() {
		t.Fatal("data broker not kept")
	}
	q, err := pb.GetQuote(ctx, "NFO:NIFTY24DEC24000CE")
	if err != nil || q.LTP != 132.5 {
		t.Fatalf("quote = %+v, %v", q, err)
	}

	// Cached now: the simulated fill uses the same price.
	data.UpdatePrice("NIFTY24DEC24000CE", 140)
	if q, _ := pb.GetQuote(ctx, "NIFTY24DEC24000CE"); q.LTP != 132.5 {
		t.Errorf("cached quote = %v", q.LTP)
	}

	if _, err := pb.GetQuote(ctx, "BANKNIFTY"); !errors.Is(err, apperrors.ErrNoMarketPrice) {
		t.Errorf("unknown symbol: %v", err)
	}
	if _, err := NewPaperBroker(PaperBrokerConfig{}).GetInstrumentToken(ctx, "NIFTY", models.NFO); err == nil {
		t.Error("token resolved without a data broker")
	}
}
