package market

import (
	"context"
	"time"

	"zerodha-oms/internal/store"
)

// StoreProvider reads prices another process writes to the market_snapshots
// table. With a quote source it fetches what the table lacks and writes it
// back, so a symbol is quoted at most once per maxAge.
type StoreProvider struct {
	snapshots store.SnapshotStore
	quotes    QuoteSource
	maxAge    time.Duration
	now       func() time.Time
}

// NewStoreProvider creates a DB-backed provider. A zero maxAge accepts
// prices of any age.
func NewStoreProvider(snapshots store.SnapshotStore, maxAge time.Duration) *StoreProvider {
	return &StoreProvider{snapshots: snapshots, maxAge: maxAge, now: time.Now}
}

// LastPrice implements Provider.
func (p *StoreProvider) LastPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	price, at, err := p.snapshots.GetSnapshot(ctx, symbol)
	if err == nil {
		err = checkFresh(symbol, at, p.maxAge, p.now())
	}
	if err == nil {
		return price, at, nil
	}
	if p.quotes == nil {
		return 0, time.Time{}, err
	}

	q, qerr := p.quotes.GetQuote(ctx, symbol)
	if qerr != nil || q == nil || q.LTP <= 0 {
		return 0, time.Time{}, err
	}
	at = p.now()
	// A failed write only costs another quote next time.
	_ = p.snapshots.SaveSnapshot(ctx, symbol, q.LTP, at)
	return q.LTP, at, nil
}

// Run has nothing to feed; it waits for cancellation.
func (p *StoreProvider) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

var _ Provider = (*StoreProvider)(nil)
