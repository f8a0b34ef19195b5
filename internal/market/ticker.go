package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
)

// TickerProvider caches last traded prices from the broker's streaming feed.
// Every tick is optionally written through to a snapshot store so that
// StoreProvider readers in other processes see the same prices.
type TickerProvider struct {
	ticker    broker.Ticker
	resolver  TokenResolver
	sink      store.SnapshotStore
	maxAge    time.Duration
	watchlist []string
	logger    zerolog.Logger

	mu        sync.RWMutex
	prices    map[string]snapshot
	watched   map[string]bool
	connected bool
	listeners []func(models.Tick)

	now func() time.Time
}

type snapshot struct {
	price float64
	at    time.Time
}

// TickerProviderConfig configures a TickerProvider.
type TickerProviderConfig struct {
	Ticker    broker.Ticker
	Resolver  TokenResolver
	Sink      store.SnapshotStore
	MaxAge    time.Duration
	Watchlist []string
}

// NewTickerProvider creates a feed-backed provider.
func NewTickerProvider(cfg TickerProviderConfig, logger zerolog.Logger) *TickerProvider {
	return &TickerProvider{
		ticker:    cfg.Ticker,
		resolver:  cfg.Resolver,
		sink:      cfg.Sink,
		maxAge:    cfg.MaxAge,
		watchlist: cfg.Watchlist,
		logger:    logger.With().Str("component", "market").Logger(),
		prices:    make(map[string]snapshot),
		watched:   make(map[string]bool),
		now:       time.Now,
	}
}

// OnTick registers a listener called for every tick, after the cache update.
// The paper broker uses it to fill resting limit orders.
func (p *TickerProvider) OnTick(fn func(models.Tick)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// LastPrice implements Provider.
func (p *TickerProvider) LastPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	p.mu.RLock()
	snap, ok := p.prices[symbol]
	p.mu.RUnlock()

	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: %s", apperrors.ErrNoMarketPrice, symbol)
	}
	if err := checkFresh(symbol, snap.at, p.maxAge, p.now()); err != nil {
		return 0, time.Time{}, err
	}
	return snap.price, snap.at, nil
}

// Run connects the feed, subscribes the watchlist and blocks until ctx is
// cancelled. Reconnects are handled by the ticker itself.
func (p *TickerProvider) Run(ctx context.Context) error {
	p.ticker.OnTick(p.handleTick)
	p.ticker.OnError(func(err error) {
		p.logger.Warn().Err(err).Msg("Market feed error")
	})
	p.ticker.OnDisconnect(func() {
		p.logger.Warn().Msg("Market feed disconnected")
	})

	if err := p.ticker.Connect(ctx); err != nil {
		return fmt.Errorf("market feed: %w", err)
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info().Int("watchlist", len(p.watchlist)).Msg("Market feed connected")

	if len(p.watchlist) > 0 {
		if err := p.Watch(ctx, p.watchlist); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to subscribe watchlist")
		}
	}

	<-ctx.Done()
	return p.ticker.Disconnect()
}

// Watch subscribes symbols not already streamed. Symbols may carry an
// "EXCHANGE:" prefix; the cache is keyed by the bare trading symbol.
func (p *TickerProvider) Watch(ctx context.Context, symbols []string) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		return fmt.Errorf("%w: market feed not connected", apperrors.ErrConnectionFailed)
	}

	var fresh []string
	for _, s := range symbols {
		exchange, symbol := splitSymbol(s)

		p.mu.RLock()
		seen := p.watched[symbol]
		p.mu.RUnlock()
		if seen {
			continue
		}

		if p.resolver != nil {
			token, err := p.resolver.GetInstrumentToken(ctx, symbol, exchange)
			if err != nil {
				p.logger.Warn().Err(err).Str("symbol", symbol).Msg("No instrument token")
				continue
			}
			p.ticker.RegisterSymbol(symbol, token)
		}
		fresh = append(fresh, symbol)
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := p.ticker.Subscribe(fresh, broker.TickModeLTP); err != nil {
		return err
	}

	p.mu.Lock()
	for _, s := range fresh {
		p.watched[s] = true
	}
	p.mu.Unlock()
	p.logger.Debug().Strs("symbols", fresh).Msg("Subscribed")
	return nil
}

func (p *TickerProvider) handleTick(tick models.Tick) {
	if tick.Symbol == "" || tick.LTP <= 0 {
		return
	}
	at := tick.Timestamp
	if at.IsZero() {
		at = p.now()
	}

	p.mu.Lock()
	p.prices[tick.Symbol] = snapshot{price: tick.LTP, at: at}
	listeners := p.listeners
	p.mu.Unlock()

	if p.sink != nil {
		// Runs on the feed goroutine; a slow disk must not stall ticks for long.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := p.sink.SaveSnapshot(ctx, tick.Symbol, tick.LTP, at); err != nil {
			p.logger.Debug().Err(err).Str("symbol", tick.Symbol).Msg("Snapshot write failed")
		}
		cancel()
	}

	for _, fn := range listeners {
		fn(tick)
	}
}

var (
	_ Provider   = (*TickerProvider)(nil)
	_ Subscriber = (*TickerProvider)(nil)
)
