// Package market provides last-traded-price snapshots for rule-based exits.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
)

// Provider answers "what did this symbol last trade at".
type Provider interface {
	// LastPrice returns the latest price and when it was observed. It fails
	// with ErrNoMarketPrice when no price, or only a stale one, is known.
	LastPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	// Run keeps the provider fed until ctx is cancelled.
	Run(ctx context.Context) error
}

// Subscriber is implemented by providers that stream prices only for
// symbols they were asked about.
type Subscriber interface {
	Watch(ctx context.Context, symbols []string) error
}

// Kind selects a provider implementation.
type Kind string

const (
	KindStore  Kind = "store"
	KindTicker Kind = "ticker"
)

// Options configures NewProvider.
type Options struct {
	Kind      Kind
	MaxAge    time.Duration
	Watchlist []string
	Store     store.SnapshotStore
	Ticker    broker.Ticker
	Resolver  TokenResolver
	// Quotes backs the store provider when a snapshot is missing or stale.
	Quotes QuoteSource
	Logger zerolog.Logger
}

// TokenResolver maps a trading symbol to its instrument token.
type TokenResolver interface {
	GetInstrumentToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error)
}

// QuoteSource fetches a single quote on demand.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// NewProvider builds the provider selected by opts.Kind. The choice is made
// once here; callers only see the Provider interface.
func NewProvider(opts Options) (Provider, error) {
	switch opts.Kind {
	case KindStore, "":
		if opts.Store == nil {
			return nil, fmt.Errorf("%w: store provider needs a snapshot store", apperrors.ErrConfigInvalid)
		}
		p := NewStoreProvider(opts.Store, opts.MaxAge)
		p.quotes = opts.Quotes
		return p, nil
	case KindTicker:
		if opts.Ticker == nil {
			return nil, fmt.Errorf("%w: ticker provider needs a ticker", apperrors.ErrConfigInvalid)
		}
		return NewTickerProvider(TickerProviderConfig{
			Ticker:    opts.Ticker,
			Resolver:  opts.Resolver,
			Sink:      opts.Store,
			MaxAge:    opts.MaxAge,
			Watchlist: opts.Watchlist,
		}, opts.Logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown market provider %q", apperrors.ErrConfigInvalid, opts.Kind)
	}
}

// splitSymbol reads "EXCHANGE:SYMBOL", defaulting to NFO.
func splitSymbol(s string) (models.Exchange, string) {
	if i := strings.IndexByte(s, ':'); i > 0 {
		return models.Exchange(strings.ToUpper(s[:i])), s[i+1:]
	}
	return models.NFO, s
}

func checkFresh(symbol string, at time.Time, maxAge time.Duration, now time.Time) error {
	if maxAge > 0 && now.Sub(at) > maxAge {
		return fmt.Errorf("%w: %s price is %s old", apperrors.ErrNoMarketPrice, symbol, now.Sub(at).Round(time.Second))
	}
	return nil
}
