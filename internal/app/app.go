package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"spread-hedge-bot/internal/alerts"
	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/engine"
	"spread-hedge-bot/internal/metrics"
	"spread-hedge-bot/internal/position"
	"spread-hedge-bot/internal/retry"
	"spread-hedge-bot/internal/risk"
	"spread-hedge-bot/internal/state/sqlite"
	"spread-hedge-bot/internal/tradelog"
	"spread-hedge-bot/internal/venue"
	"spread-hedge-bot/internal/venue/rest"

	"go.uber.org/zap"
)

// App wires the venues, the state store, the audit log and the
// coordinator, and owns the main evaluation loop.
type App struct {
	cfg            *config.Config
	log            *zap.Logger
	store          *sqlite.Store
	venueA         venue.Venue
	venueB         venue.Venue
	audit          tradelog.Log
	mirror         *tradelog.Mirror
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	tracker        *position.Tracker
	breaker        *risk.Breaker
	coordinator    *engine.Coordinator
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	venueA := rest.New(cfg.VenueA, os.Getenv(apiKeyEnv(cfg.VenueA.Name)), log)
	venueB := rest.New(cfg.VenueB, os.Getenv(apiKeyEnv(cfg.VenueB.Name)), log)
	return build(cfg, log, store, venueA, venueB)
}

func build(cfg *config.Config, log *zap.Logger, store *sqlite.Store, venueA, venueB venue.Venue) (*App, error) {
	csvLog, err := tradelog.NewCSVLog(cfg.Audit.Dir, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mirror, err := tradelog.NewMirror(cfg.Timescale, log)
	if err != nil {
		_ = csvLog.Close()
		_ = store.Close()
		return nil, err
	}
	audit := tradelog.Log(csvLog)
	if mirror != nil {
		audit = tradelog.Fanout{csvLog, mirror}
	}

	botMetrics := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		botMetrics = prom.Metrics
		metricsHandler = prom.Handler()
	}

	tracker := position.NewTracker(log)
	breaker := risk.NewBreaker(log)
	retryOpts := retry.Options{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	coordinator := engine.New(engine.Params{
		Log:       log,
		Strategy:  cfg.Strategy,
		Risk:      cfg.Risk,
		VenueA:    venueA,
		VenueB:    venueB,
		VenueACfg: cfg.VenueA,
		VenueBCfg: cfg.VenueB,
		Tracker:   tracker,
		Breaker:   breaker,
		Audit:     audit,
		Store:     store,
		Metrics:   botMetrics,
		Alerts:    alerts.NewTelegram(cfg.Telegram),
		RetryOpts: retryOpts,
	})
	return &App{
		cfg:            cfg,
		log:            log,
		store:          store,
		venueA:         venueA,
		venueB:         venueB,
		audit:          audit,
		mirror:         mirror,
		metrics:        botMetrics,
		metricsHandler: metricsHandler,
		tracker:        tracker,
		breaker:        breaker,
		coordinator:    coordinator,
	}, nil
}

// ClearUnhedged lifts the entry halt left by a failed corrective
// close. Operator action, run with the -clear-unhedged flag.
func (a *App) ClearUnhedged(ctx context.Context) error {
	defer a.close()
	return a.coordinator.ClearUnhedged(ctx)
}

// Run drives the bot until ctx is canceled. Shutdown is deliberate
// about what it does NOT do: an open hedge is delta-neutral and is
// left standing for the next start to recover.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	for _, v := range []venue.Venue{a.venueA, a.venueB} {
		if err := v.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize venue %s: %w", v.Name(), err)
		}
	}
	if a.mirror != nil {
		a.mirror.Start(ctx)
	}
	if err := a.coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recover persisted state: %w", err)
	}
	if pos, ok := a.tracker.Snapshot(); ok {
		a.log.Info("resuming with open hedge",
			zap.String("cheap_venue", pos.CheapVenue),
			zap.String("expensive_venue", pos.ExpensiveVenue),
			zap.Float64("size_btc", pos.SizeBTC),
		)
	} else {
		a.log.Info("starting flat")
	}

	onUpdate := func() {
		if err := a.coordinator.OnMarketUpdate(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("evaluation failed", zap.Error(err))
		}
	}
	symbol := a.cfg.Strategy.Symbol
	for _, v := range []venue.Venue{a.venueA, a.venueB} {
		if err := v.SubscribeToMarketData(ctx, symbol, onUpdate); err != nil {
			a.log.Warn("market data subscription failed, relying on tick loop",
				zap.String("venue", v.Name()), zap.Error(err))
		}
	}

	retryOpts := retry.Options{
		MaxAttempts:  a.cfg.Retry.MaxAttempts,
		InitialDelay: a.cfg.Retry.InitialDelay,
		MaxDelay:     a.cfg.Retry.MaxDelay,
		Multiplier:   a.cfg.Retry.Multiplier,
	}
	monitor := risk.NewFundingMonitor(
		a.log,
		symbol,
		a.cfg.Strategy.MinFundingPerHour,
		retryOpts,
		[]risk.FundingSource{a.venueA, a.venueB},
		a.tracker,
		func(netPerHour float64) {
			a.coordinator.OnFundingUnfavorable(ctx, netPerHour)
		},
	)
	go monitor.Run(ctx, a.cfg.Strategy.FundingInterval)

	if a.metricsHandler != nil {
		a.serveMetrics(ctx)
	}

	tick := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer tick.Stop()
	status := time.NewTicker(a.cfg.Strategy.StatusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down, any open hedge is left in place")
			return ctx.Err()
		case <-tick.C:
			onUpdate()
		case <-status.C:
			a.logStatus()
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metricsHandler)
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Listen))
}

func (a *App) logStatus() {
	stats := a.tracker.Stats()
	fields := []zap.Field{
		zap.String("state", string(a.tracker.State())),
		zap.Int("trades", stats.Count),
		zap.Float64("total_pnl_btc", stats.TotalPnlBTC),
		zap.Float64("win_rate", stats.WinRate),
		zap.Float64("avg_hold_seconds", stats.AvgHoldSeconds),
		zap.Int("recent_errors", a.breaker.ErrorCount()),
	}
	if pos, ok := a.tracker.Snapshot(); ok {
		fields = append(fields,
			zap.Float64("entry_gap_usd", pos.EntryGapUSD),
			zap.Duration("held", time.Since(pos.EnteredAt)),
		)
	}
	a.log.Info("status", fields...)
}

func (a *App) close() {
	_ = a.venueA.Close()
	_ = a.venueB.Close()
	_ = a.audit.Close()
	_ = a.store.Close()
}

// apiKeyEnv maps a venue name to its credential variable, e.g.
// "hyperliquid" looks up HYPERLIQUID_API_KEY.
func apiKeyEnv(venueName string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(venueName))
	return name + "_API_KEY"
}
