package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/pkg/utils"
)

// GuardedGateway wraps a broker.Gateway with a circuit breaker and a
// per-call timeout. Reads are retried with backoff. Writes are never
// retried: a repeated place_order could double the exposure.
type GuardedGateway struct {
	inner   broker.Gateway
	breaker *CircuitBreaker
	retry   utils.RetryConfig
	timeout time.Duration
	logger  zerolog.Logger
}

// GatewayConfig configures a GuardedGateway.
type GatewayConfig struct {
	Breaker CircuitBreakerConfig
	Retry   utils.RetryConfig
	Timeout time.Duration
}

// DefaultGatewayConfig returns the defaults used by the order watcher.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Breaker: DefaultCircuitBreakerConfig(),
		Retry:   utils.DefaultRetryConfig(),
		Timeout: 10 * time.Second,
	}
}

// NewGuardedGateway creates a gateway protected by a breaker named "broker".
func NewGuardedGateway(inner broker.Gateway, cfg GatewayConfig, logger zerolog.Logger) *GuardedGateway {
	// Rejections are the broker working correctly.
	cfg.Breaker.IsFailure = func(err error) bool {
		return !apperrors.Is(err, apperrors.ErrOrderRejected)
	}
	cfg.Retry.Retryable = isTransient

	return &GuardedGateway{
		inner:   inner,
		breaker: NewCircuitBreaker("broker", cfg.Breaker),
		retry:   cfg.Retry,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

func isTransient(err error) bool {
	return !apperrors.Is(err, apperrors.ErrOrderRejected) &&
		!apperrors.Is(err, apperrors.ErrNotAuthenticated) &&
		!apperrors.Is(err, ErrCircuitOpen)
}

func (g *GuardedGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// PlaceOrder places exactly once.
func (g *GuardedGateway) PlaceOrder(ctx context.Context, order *models.Order) (*broker.OrderResult, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return ExecuteWithResult(g.breaker, ctx, func(ctx context.Context) (*broker.OrderResult, error) {
		return g.inner.PlaceOrder(ctx, order)
	})
}

// ModifyOrder forwards a modification once.
func (g *GuardedGateway) ModifyOrder(ctx context.Context, orderID string, order *models.Order) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.ModifyOrder(ctx, orderID, order)
	})
}

// CancelOrder forwards a cancellation once.
func (g *GuardedGateway) CancelOrder(ctx context.Context, orderID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, orderID)
	})
}

// GetOrders reads the order book with retries.
func (g *GuardedGateway) GetOrders(ctx context.Context) ([]models.Order, error) {
	return readWithRetry(g, ctx, "get_orders", g.inner.GetOrders)
}

// GetPositions reads the position book with retries.
func (g *GuardedGateway) GetPositions(ctx context.Context) ([]models.Position, error) {
	return readWithRetry(g, ctx, "get_positions", g.inner.GetPositions)
}

// GetHoldings reads holdings with retries.
func (g *GuardedGateway) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	return readWithRetry(g, ctx, "get_holdings", g.inner.GetHoldings)
}

func readWithRetry[T any](g *GuardedGateway, ctx context.Context, op string, read func(context.Context) (T, error)) (T, error) {
	attempt := 0
	return utils.RetryWithResult(ctx, g.retry, func() (T, error) {
		attempt++
		callCtx, cancel := g.withTimeout(ctx)
		defer cancel()

		v, err := ExecuteWithResult(g.breaker, callCtx, read)
		if err != nil {
			g.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("Broker read failed")
		}
		return v, err
	})
}

// Stats exposes the breaker statistics.
func (g *GuardedGateway) Stats() CircuitBreakerStats {
	return g.breaker.Stats()
}

var _ broker.Gateway = (*GuardedGateway)(nil)
