// Package app wires the order management core together and supervises its
// long-running loops.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/broker"
	"zerodha-oms/internal/config"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/market"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/notify"
	"zerodha-oms/internal/resilience"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
	"zerodha-oms/internal/trading"
)

// App holds every component of a running OMS.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Store   *store.SQLiteStore
	Gateway *resilience.GuardedGateway
	// Paper is set in paper mode.
	Paper *broker.PaperBroker
	// Live is set in live mode.
	Live *broker.ZerodhaBroker

	Access   *security.AccessController
	Audit    *security.AuditLogger
	Guard    *trading.ExecutionGuard
	Commands *trading.CommandService
	Exits    *trading.PositionExitService
	Watcher  *trading.OrderWatcher
	Risk     *trading.RiskGate
	Market   market.Provider
	Health   *resilience.HealthMonitor
	Quality  *resilience.ExecutionQualityTracker
	// Notifier is set when notifications are enabled.
	Notifier *notify.MultiNotifier

	consumers []*trading.IntentConsumer
	api       *api.Server
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	// Paper replaces the paper broker built in paper mode.
	Paper *broker.PaperBroker
	// Ticker feeds the market provider when it is "ticker".
	Ticker broker.Ticker
}

// New builds the component graph. It opens the store and the audit log but
// makes no broker calls.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	s, err := store.NewSQLiteStore(cfg.OMS.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening order store: %w", err)
	}
	a.Store = s

	if cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		if cfg.Security.AuditPath != "" {
			auditCfg.Path = cfg.Security.AuditPath
		}
		a.Audit, err = security.NewAuditLogger(auditCfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}
	a.Access = security.NewAccessController(cfg.Security.ReadOnlyMode, a.Audit)

	var inner broker.Gateway
	if cfg.IsPaperMode() {
		a.Paper = opts.Paper
		if a.Paper == nil {
			var paperCfg broker.PaperBrokerConfig
			if z := cfg.Credentials.Zerodha; z.APIKey != "" {
				// Simulated orders, real quotes and instrument tokens.
				paperCfg.DataBroker = broker.NewZerodhaBroker(broker.ZerodhaConfig{
					APIKey:      z.APIKey,
					APISecret:   z.APISecret,
					UserID:      z.UserID,
					AccessToken: z.AccessToken,
				})
			}
			a.Paper = broker.NewPaperBroker(paperCfg)
		}
		inner = a.Paper
	} else {
		z := cfg.Credentials.Zerodha
		a.Live = broker.NewZerodhaBroker(broker.ZerodhaConfig{
			APIKey:      z.APIKey,
			APISecret:   z.APISecret,
			UserID:      z.UserID,
			AccessToken: z.AccessToken,
		})
		inner = a.Live
	}

	gwCfg := resilience.DefaultGatewayConfig()
	gwCfg.Timeout = cfg.OMS.BrokerTimeout
	gwCfg.Breaker.FailureThreshold = cfg.OMS.BreakerThreshold
	if cfg.OMS.BreakerResetAfter > 0 {
		gwCfg.Breaker.Timeout = cfg.OMS.BreakerResetAfter
	}
	a.Gateway = resilience.NewGuardedGateway(inner, gwCfg, logger)

	if err := a.buildMarket(opts.Ticker); err != nil {
		a.Close()
		return nil, err
	}

	a.Guard = trading.NewExecutionGuard(s, a.Gateway, logger)
	a.Commands = trading.NewCommandService(trading.CommandServiceConfig{
		Store:       s,
		Guard:       a.Guard,
		Gateway:     a.Gateway,
		Access:      a.Access,
		Audit:       a.Audit,
		GuardMaxAge: 2 * cfg.OMS.PollInterval,
	}, logger)
	a.Exits = trading.NewPositionExitService(a.Gateway, a.Commands, a.Guard, a.Access, a.Audit, logger)

	if cfg.Notify.Enabled {
		a.Notifier = notify.NewMultiNotifier(cfg.Notify, logger)
	}

	a.Quality = resilience.NewExecutionQualityTracker(resilience.DefaultExecutionTrackerConfig())
	a.Quality.SetAlertCallback(func(alert resilience.ExecutionAlert) {
		logger.Warn().
			Str("alert", string(alert.Type)).
			Str("command_id", alert.CommandID).
			Str("symbol", alert.Symbol).
			Msg(alert.Message)
		a.Notifier.Notify(notify.ExecutionAlert(alert))
	})

	watcherCfg := trading.OrderWatcherConfig{
		Store:    s,
		Gateway:  a.Gateway,
		Guard:    a.Guard,
		Commands: a.Commands,
		Audit:    a.Audit,
		Quality:  a.Quality,
		OnOrphan: func(o models.Order) { a.Notifier.Notify(notify.OrphanOrder(o)) },
		Interval: cfg.OMS.PollInterval,
	}
	if cfg.OMS.RuleExits {
		watcherCfg.Market = a.Market
	}
	a.Watcher = trading.NewOrderWatcher(watcherCfg, logger)
	a.Commands.SetNotifier(a.Watcher)

	a.Risk = trading.NewRiskGate(a.Gateway, a.Exits, trading.RiskGateConfig{
		DailyLossLimit:    cfg.Risk.DailyLossLimit,
		MaxOpenPositions:  cfg.Risk.MaxOpenPositions,
		ForceExitOnBreach: cfg.Risk.ForceExitOnBreach,
		ExitProduct:       models.ProductType(cfg.Risk.ExitProduct),
		CheckInterval:     cfg.Risk.CheckInterval,
		CacheFor:          time.Second,
		OnForceExit: func(reason string, legs int) {
			a.Notifier.Notify(notify.RiskExit(reason, legs))
		},
	}, logger)
	if cfg.Risk.Enabled {
		a.Commands.AttachRiskGate(a.Risk)
	}

	handlers := map[models.IntentType]trading.IntentHandler{
		models.IntentGeneric:  trading.NewGenericHandler(a.Commands, a.Exits),
		models.IntentAdvanced: trading.NewAdvancedHandler(a.Commands, a.Exits),
		models.IntentBasket:   trading.NewBasketHandler(a.Commands, a.Exits, s, cfg.OMS.SettleTimeout),
		models.IntentStrategy: trading.NewStrategyHandler(trading.NewStrategyManager(a.Commands, a.Exits)),
	}
	for _, t := range []models.IntentType{models.IntentGeneric, models.IntentStrategy, models.IntentAdvanced, models.IntentBasket} {
		a.consumers = append(a.consumers, trading.NewIntentConsumer(trading.IntentConsumerConfig{
			Type:     t,
			Queue:    s,
			Handler:  handlers[t],
			Interval: cfg.OMS.IntentPoll,
		}, logger))
	}

	a.Health = resilience.NewHealthMonitor(5 * time.Second)
	a.Health.RegisterComponent("database", resilience.DatabaseHealthCheck(s.Ping))
	a.Health.RegisterComponent("broker", resilience.BreakerHealthCheck(a.Gateway.Stats))
	staleAfter := 10 * cfg.OMS.PollInterval
	if staleAfter < 30*time.Second {
		staleAfter = 30 * time.Second
	}
	a.Health.RegisterComponent("guard", resilience.FreshnessHealthCheck("reconcile", func() time.Time {
		return a.Guard.State().ReconciledAt
	}, staleAfter))
	a.Health.RegisterComponent("execution", resilience.ExecutionHealthCheck(a.Quality, 0.5, 5))

	if cfg.API.Enabled {
		a.api = api.NewServer(cfg.API, api.Deps{
			Intents: s,
			Orders:  s,
			Risk:    a.Risk,
			Health:  a.Health,
			Access:  a.Access,
			Audit:   a.Audit,
		}, logger)
	}

	return a, nil
}

func (a *App) buildMarket(ticker broker.Ticker) error {
	cfg := a.Config
	opts := market.Options{
		Kind:      market.Kind(cfg.Market.Provider),
		MaxAge:    cfg.Market.MaxAge,
		Watchlist: cfg.Market.Watchlist,
		Store:     a.Store,
		Ticker:    ticker,
		Logger:    a.Logger,
	}
	if opts.Kind == market.KindTicker && opts.Ticker == nil {
		z := cfg.Credentials.Zerodha
		token := z.AccessToken
		if a.Live != nil {
			token = a.Live.AccessToken()
		}
		if z.APIKey == "" || token == "" {
			return fmt.Errorf("%w: market.provider 'ticker' needs an api key and an access token", apperrors.ErrConfigInvalid)
		}
		opts.Ticker = broker.NewZerodhaTicker(broker.ZerodhaTickerConfig{APIKey: z.APIKey, AccessToken: token})
	}
	switch {
	case a.Live != nil:
		opts.Resolver = a.Live
		opts.Quotes = a.Live
	case a.Paper != nil:
		opts.Quotes = a.Paper
		if a.Paper.HasDataBroker() {
			opts.Resolver = a.Paper
		}
	}

	provider, err := market.NewProvider(opts)
	if err != nil {
		return err
	}
	if tp, ok := provider.(*market.TickerProvider); ok && a.Paper != nil {
		// Paper fills at the live price.
		tp.OnTick(a.Paper.ProcessTick)
	}
	a.Market = provider
	return nil
}

// Run reconciles once, then runs the watcher, one consumer per intent
// type, the risk monitor, the market feed and the intake API until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	logger := logging.WithComponent(a.Logger, "app")

	if a.Live != nil && !a.Live.IsAuthenticated() {
		return fmt.Errorf("%w: run 'oms auth' or set ZERODHA_ACCESS_TOKEN", apperrors.ErrNotAuthenticated)
	}

	if a.Config.OMS.ReconcileOnStart {
		// Order book first, so guard exposure already reflects fills that
		// landed while the process was down.
		if err := a.Watcher.Cycle(ctx); err != nil {
			logger.Warn().Err(err).Msg("Startup reconcile incomplete, submissions stay blocked until the guard is built")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Without prices only rule exits stop; orders keep flowing.
		if err := a.Market.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Market provider stopped, rule exits disabled")
		}
		return nil
	})
	g.Go(func() error { return a.Watcher.Run(ctx) })
	for _, c := range a.consumers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	if a.Config.Risk.Enabled {
		g.Go(func() error { return a.Risk.Monitor(ctx) })
	}
	if a.api != nil {
		g.Go(func() error { return a.api.Run(ctx) })
	}
	if a.Notifier != nil {
		g.Go(func() error { return a.Notifier.Run(ctx) })
	}

	logger.Info().
		Str("mode", a.Config.Trading.Mode).
		Bool("read_only", a.Access.IsReadOnly()).
		Bool("risk", a.Config.Risk.Enabled).
		Bool("api", a.api != nil).
		Bool("notify", a.Notifier != nil).
		Str("market", a.Config.Market.Provider).
		Msg("OMS running")

	err := g.Wait()
	logger.Info().Err(err).Msg("OMS stopped")
	return err
}

// Close releases the store and the audit log.
func (a *App) Close() error {
	var errs error
	if a.Store != nil {
		errs = multierr.Append(errs, a.Store.Close())
	}
	if a.Audit != nil {
		errs = multierr.Append(errs, a.Audit.Close())
	}
	return errs
}
