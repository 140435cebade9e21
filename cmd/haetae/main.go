// Package main wires the haetae autonomous KRX trading platform: one
// binary that screens the universe, scores the daily selection, trades it
// through the KIS open API and serves an ops surface on loopback.
//
// Startup order follows the dependency chain: environment and YAML config,
// logger, database, error ledger, then the brokerage stack (governor,
// cache, token manager, client), the computation registry, the two
// pipeline phases, the risk chain and the engine. Recovery replays
// whatever the downtime window swallowed before the cron table starts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/backup"
	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/config"
	"github.com/haetae-bot/haetae/internal/database"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/engine"
	"github.com/haetae-bot/haetae/internal/errorlog"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/governor"
	"github.com/haetae-bot/haetae/internal/kis"
	"github.com/haetae-bot/haetae/internal/notify"
	"github.com/haetae-bot/haetae/internal/optimization"
	"github.com/haetae-bot/haetae/internal/regime"
	"github.com/haetae-bot/haetae/internal/registry"
	"github.com/haetae-bot/haetae/internal/risk"
	"github.com/haetae-bot/haetae/internal/scheduler"
	"github.com/haetae-bot/haetae/internal/screener"
	"github.com/haetae-bot/haetae/internal/selection"
	"github.com/haetae-bot/haetae/internal/server"
	"github.com/haetae-bot/haetae/internal/telemetry"
	"github.com/haetae-bot/haetae/internal/token"
	"github.com/haetae-bot/haetae/internal/universe"
	"github.com/haetae-bot/haetae/internal/version"
	"github.com/haetae-bot/haetae/pkg/logger"
)

// Exit codes. Every non-zero exit leaves a terminating row in the error
// ledger when the database is reachable; before that point the reason only
// makes it to the log.
const (
	exitOK     = 0
	exitConfig = 2 // bad environment, YAML or registry reference
	exitDeps   = 3 // database or another required dependency unavailable
	exitAuth   = 4 // broker refused our credentials
	exitAbort  = 5 // operator signal before the platform reached steady state
)

// kospiIndex is the benchmark index code shared by the regime detector,
// the market-strength factor and the engine's market-move signal.
const kospiIndex = "0001"

const dbFileName = "haetae.db"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML config path (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("haetae %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return exitOK
	}

	env, err := config.LoadEnv()
	if err != nil {
		blog := bootstrapLog()
		blog.Error().Err(err).Msg("Environment invalid")
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		blog := bootstrapLog()
		blog.Error().Err(err).Msg("Configuration invalid")
		return exitConfig
	}
	if err := applyOverrides(cfg, env); err != nil {
		blog := bootstrapLog()
		blog.Error().Err(err).Msg("Environment override invalid")
		return exitConfig
	}

	log := logger.New(logger.Config{
		Level:   env.LogLevel,
		Pretty:  !env.LogJSON,
		Secrets: env.Secrets(),
	})
	log.Info().
		Str("version", version.Version).
		Str("commit", version.GitCommit).
		Str("env", string(env.Environment)).
		Str("data_root", cfg.Paths.DataRoot).
		Msg("Starting haetae")

	loc := cfg.Location()

	// Database before everything else: the terminating-row contract and
	// every repository hang off it.
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.Paths.DataRoot, dbFileName),
		Profile: database.ProfileLedger,
	})
	if err != nil {
		log.Error().Err(err).Msg("Opening database failed")
		return exitDeps
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error().Err(err).Msg("Migrating database failed")
		return exitDeps
	}

	errRepo := errorlog.NewRepository(db.Conn(), log)
	ledger := errorlog.NewLedger(errRepo, log)
	terminate := func(code int, module string, err error) int {
		ledger.Report(domain.SeverityCritical, "main", module, "terminating", err)
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log)
	ev := events.NewManager(bus, log)
	errorlog.RegisterListeners(bus, ledger, log)

	files := artifacts.NewStore(cfg.Paths.DataRoot)

	gov := governor.New([]governor.Window{
		{Tag: "per_second", Span: time.Second, Cap: cfg.RateLimit.PerSecond},
		{Tag: "per_minute", Span: time.Minute, Cap: cfg.RateLimit.PerMinute},
		{Tag: "per_hour", Span: time.Hour, Cap: cfg.RateLimit.PerHour},
	}, log)

	var rdb *redis.Client
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return terminate(exitConfig, "cache", fmt.Errorf("cache.redis_url: %w", err))
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}
	store := cache.New(rdb, log)
	defer store.Close()
	if rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, cache running memory-only")
		}
		cancel()
	}

	kisCfg := kis.Config{
		Env:       kis.Environment(env.Environment),
		AppKey:    env.AppKey,
		AppSecret: env.AppSecret,
		AccountNo: env.AccountNo,
		Timeout:   cfg.API.Timeout,
		Retry: kis.Retry{
			MaxAttempts: cfg.API.Retry.MaxAttempts,
			BaseDelay:   cfg.API.Retry.BaseDelay,
			MaxDelay:    cfg.API.Retry.MaxDelay,
		},
		MaxInflight: cfg.Concurrency.BrokerageMaxInflight,
		TTLs: kis.TTLs{
			Price:     cfg.Cache.TTLs.Price,
			OHLCV:     cfg.Cache.TTLs.OHLCV,
			Financial: cfg.Cache.TTLs.Financial,
			Universe:  cfg.Cache.TTLs.Universe,
		},
	}
	auth := kis.NewAuthClient(kisCfg, log)
	tokens := token.New(filepath.Join(cfg.Paths.DataRoot, token.FileName(string(env.Environment))), auth, func(expiresAt time.Time) {
		ev.EmitTyped("token", &events.TokenRefreshedData{
			Env:       string(env.Environment),
			ExpiresAt: expiresAt.Format(time.RFC3339),
		})
	}, log)
	broker := kis.New(kisCfg, gov, store, tokens, log)

	reg := registry.New(log)
	if err := registerComputations(reg, log); err != nil {
		return terminate(exitConfig, "registry", err)
	}
	// Config refers to computations by name; resolve both now so a typo
	// dies here instead of at 08:30.
	if _, err := reg.Regime(cfg.Strategies.Regime); err != nil {
		return terminate(exitConfig, "registry", err)
	}
	if _, err := reg.Optimizer(cfg.Strategies.Optimizer); err != nil {
		return terminate(exitConfig, "registry", err)
	}

	detector := regime.NewDetector(broker, kospiIndex, regime.DefaultParams(), 10*time.Minute, log)

	krx := universe.NewKRX("", log)
	stockRepo := universe.NewStockRepository(db.Conn(), log)
	uni := universe.NewService(krx, stockRepo, store, cfg.Cache.TTLs.Universe, log)

	watchRepo := screener.NewWatchlistRepository(db.Conn(), log)
	scr := screener.New(screener.Config{
		Threshold:      cfg.Screener.Threshold,
		MaxWatchlist:   cfg.Screener.MaxWatchlist,
		MinSuccessRate: cfg.Screener.MinSuccessRate,
	}, uni, broker, reg, watchRepo, files, ev, log)

	drawdown, err := risk.NewDrawdownMonitor(risk.DrawdownMonitorConfig{
		Thresholds: risk.DrawdownThresholds{
			Warn:      cfg.Risk.Drawdown.Warn,
			Reduce:    cfg.Risk.Drawdown.Reduce,
			Halt:      cfg.Risk.Drawdown.Halt,
			CloseHalf: cfg.Risk.Drawdown.CloseHalf,
			CloseAll:  cfg.Risk.Drawdown.CloseAll,
		},
		Location: loc,
	}, files.DrawdownPath(), log)
	if err != nil {
		return terminate(exitDeps, "risk", fmt.Errorf("restoring drawdown state: %w", err))
	}

	// The engine does not exist yet when the breaker restores its state,
	// so the trip hook binds late through the closure.
	var eng *engine.Engine
	breaker, err := risk.NewCircuitBreaker(risk.BreakerConfig{
		DailyLossLimit:  cfg.Risk.CircuitBreaker.DailyLoss,
		LossStreakLimit: cfg.Risk.CircuitBreaker.ConsecLosses,
		ErrorLimit:      cfg.Risk.CircuitBreaker.ErrorSpike,
		ErrorWindow:     time.Hour,
		MarketMoveLimit: cfg.Risk.CircuitBreaker.MarketVol,
		ResetKey:        env.ResetKey,
	}, files.CircuitBreakerPath(), func(trip risk.Trip) {
		if eng != nil {
			eng.OnCircuitTrip(trip)
		}
	}, log)
	if err != nil {
		return terminate(exitDeps, "risk", fmt.Errorf("restoring breaker state: %w", err))
	}

	sizer := risk.NewSizer(risk.SizingConfig{
		DefaultFraction: cfg.Risk.Kelly.Fraction,
		MinTrades:       cfg.Risk.Kelly.MinTrades,
		MinFraction:     cfg.Risk.Kelly.MinPos,
		MaxFraction:     cfg.Risk.Kelly.MaxPos,
		Regime: risk.RegimeMultipliers{
			Bull:     cfg.Risk.RegimeAdjustments.Bull,
			Sideways: cfg.Risk.RegimeAdjustments.Sideways,
			Bear:     cfg.Risk.RegimeAdjustments.Bear,
			HighVol:  cfg.Risk.RegimeAdjustments.HighVol,
		},
	}, log)
	gate := risk.NewCorrelationGate(risk.CorrelationConfig{}, broker, log)

	selRepo := selection.NewRepository(db.Conn(), log)
	phase := selection.New(selection.Config{
		Batches: cfg.Phase2.Batches,
		Priority: selection.PriorityWeights{
			Technical:  cfg.Phase2.PriorityCalculation.TechnicalW,
			Volume:     cfg.Phase2.PriorityCalculation.VolumeW,
			Volatility: cfg.Phase2.PriorityCalculation.VolatilityW,
		},
		VolatilityFit: registry.VolatilityFitParams{
			OptimalMin: cfg.Phase2.PriorityCalculation.Volatility.Min,
			OptimalMax: cfg.Phase2.PriorityCalculation.Volatility.Max,
			Scale:      cfg.Phase2.PriorityCalculation.Volatility.Scale,
		},
		Filter: selection.SafetyFilter{
			RiskMax:       cfg.Phase2.LegacyFilter.RiskMax,
			VolumeMin:     cfg.Phase2.LegacyFilter.VolumeMin,
			ConfidenceMin: cfg.Phase2.LegacyFilter.ConfidenceMin,
			TechnicalMin:  cfg.Phase2.LegacyFilter.TechnicalMin,
		},
		Composite: selection.CompositeWeights{
			Technical:  cfg.Phase2.CompositeWeights.Technical,
			Volume:     cfg.Phase2.CompositeWeights.Volume,
			Risk:       cfg.Phase2.CompositeWeights.Risk,
			Confidence: cfg.Phase2.CompositeWeights.Confidence,
		},
		Targets: selection.TargetCounts{
			Bull:    cfg.Phase2.TargetCounts.Bullish,
			Neutral: cfg.Phase2.TargetCounts.Neutral,
			Bear:    cfg.Phase2.TargetCounts.Bearish,
		},
		SectorCap:     cfg.Phase2.SectorCap,
		IndexCode:     kospiIndex,
		OptimizerName: cfg.Strategies.Optimizer,
	}, broker, reg, watchRepo, detector, selRepo, files, ev, log)

	book, err := engine.NewPositionBook(files.PositionsPath(), log)
	if err != nil {
		return terminate(exitDeps, "engine", fmt.Errorf("restoring position book: %w", err))
	}
	trades := engine.NewTradeRepository(db.Conn(), log)
	eng = engine.New(engine.Config{
		MaxHoldingDays:  cfg.Engine.MaxHoldingDays,
		SlippageWarnPct: cfg.Engine.SlippageWarnPct,
		IndexCode:       kospiIndex,
	}, engine.Deps{
		Broker:     broker,
		Selections: selRepo,
		Trades:     trades,
		Book:       book,
		Sizer:      sizer,
		Gate:       gate,
		Drawdown:   drawdown,
		Breaker:    breaker,
		Regime:     detector,
		Events:     ev,
	}, log)

	notifyCfg := notify.Config{}
	if cfg.Notify.Enabled {
		notifyCfg = notify.Config{BotToken: env.TelegramBotToken, ChatID: env.TelegramChatID}
	}
	notifier := notify.New(notifyCfg, log)
	notify.RegisterListeners(bus, notifier, log)

	tel := telemetry.NewMonitor(gov, store, errRepo, cfg.Paths.DataRoot, log)
	telemetry.RegisterListeners(bus, tel)
	go tel.Run(ctx, 5*time.Minute)

	var backupSvc scheduler.BackupService = noopBackup{}
	if cfg.Backup.Enabled {
		if env.BackupAccessKey == "" || env.BackupSecretKey == "" {
			log.Warn().Msg("Backup enabled but BACKUP_ACCESS_KEY/BACKUP_SECRET_KEY absent, backups disabled")
		} else {
			s3c, err := backup.NewS3Client(cfg.Backup.Endpoint, cfg.Backup.Bucket, env.BackupAccessKey, env.BackupSecretKey, log)
			if err != nil {
				return terminate(exitConfig, "backup", err)
			}
			runner := backup.NewRunner(backup.Config{Retention: cfg.Backup.Retention}, db, files, s3c, ev, log)
			backupSvc = scheduler.BackupAdapter{B: runner}
		}
	}

	// Prove the credentials before recovery touches the broker. A refusal
	// here is an auth failure, not a transient.
	authCtx, cancel := context.WithTimeout(ctx, time.Minute)
	_, err = tokens.Token(authCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return terminate(exitAbort, "auth", err)
		}
		return terminate(exitAuth, "auth", err)
	}
	log.Info().Time("token_expires", tokens.ExpiresAt()).Msg("Broker credentials verified")

	sched := scheduler.New(loc, log)
	table := scheduler.NewTable(scheduler.Table{
		Screen:  scheduler.ScreenAdapter{S: scr},
		Phase:   scheduler.PhaseAdapter{P: phase},
		Trading: eng,
		Trades:  trades,
		Notify:  notifier,
		Cache:   scheduler.CacheAdapter{C: store},
		Backup:  backupSvc,
		Files:   files,
		Loc:     loc,
		Batches: cfg.Phase2.Batches,
	}, log)
	if err := table.Register(sched); err != nil {
		return terminate(exitConfig, "scheduler", err)
	}

	var srv *server.Server
	srvErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = server.New(server.Config{Port: cfg.Server.Port, Loc: loc}, server.Deps{
			DB:         db,
			Cache:      store,
			Token:      tokens,
			Governor:   gov,
			Errors:     errRepo,
			Telemetry:  tel,
			Breaker:    breaker,
			Drawdown:   drawdown,
			Selections: selRepo,
			Files:      files,
			Events:     ev,
		}, log)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	// Replay whatever the downtime window swallowed, then hand the day to
	// the cron table. A failed morning phase leaves the platform idle but
	// alive; the next trading day retries on schedule.
	if err := table.CatchUp().Run(ctx); err != nil {
		if ctx.Err() != nil {
			return terminate(exitAbort, "recovery", err)
		}
		ledger.Report(domain.SeverityError, "main", "recovery", "catchup", err)
	}
	if ctx.Err() != nil {
		return terminate(exitAbort, "startup", errors.New("interrupted before steady state"))
	}

	sched.Start(ctx)
	log.Info().Str("timezone", loc.String()).Msg("haetae running")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-srvErr:
		sched.Stop()
		return terminate(exitDeps, "server", err)
	}

	// Restore default signal handling; a second signal now terminates
	// immediately.
	stop()

	sched.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shut down")
		}
	}
	log.Info().Msg("Shutdown complete")
	return exitOK
}

// bootstrapLog is the fallback logger for failures before the configured
// logger exists.
func bootstrapLog() zerolog.Logger {
	return logger.New(logger.Config{Level: "info", Pretty: true})
}

// applyOverrides folds the optional environment overrides into the file
// configuration.
func applyOverrides(cfg *config.Config, env *config.Env) error {
	if env.RedisURL != "" {
		cfg.Cache.RedisURL = env.RedisURL
	}
	if env.MaxInflight > 0 {
		cfg.Concurrency.BrokerageMaxInflight = env.MaxInflight
	}
	if env.DataDir != "" {
		abs, err := filepath.Abs(env.DataDir)
		if err != nil {
			return fmt.Errorf("resolve HAETAE_DATA_DIR: %w", err)
		}
		cfg.Paths.DataRoot = abs
	}
	return nil
}

// registerComputations loads the builtin catalog: the seven factors, the
// banded volatility fit, the trend+volatility regime classifier and the
// three optimizer strategies.
func registerComputations(reg *registry.Registry, log zerolog.Logger) error {
	specs := []registry.Spec{
		{Name: domain.FactorMomentum, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"candles"}, Factor: registry.Momentum},
		{Name: domain.FactorValue, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"quote"}, Factor: registry.Value},
		{Name: domain.FactorQuality, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"fundamentals"}, Factor: registry.Quality},
		{Name: domain.FactorVolume, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"candles"}, Factor: registry.VolumeTrend},
		{Name: domain.FactorVolatility, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"candles"}, Factor: registry.Volatility},
		{Name: domain.FactorTechnical, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"candles", "quote"}, Factor: registry.Technical},
		{Name: domain.FactorMarketStrength, Version: "v1", Kind: registry.KindFactor,
			Inputs: []string{"candles", "index_candles"}, Factor: registry.MarketStrength},
		{Name: "volatility_fit", Version: "v1", Kind: registry.KindVolatilityFit,
			Inputs: []string{"annual_vol"}, VolatilityFit: registry.BandVolatilityFit},
		{Name: "trend_vol", Version: "v1", Kind: registry.KindRegime,
			Inputs: []string{"index_candles"}, Regime: classifyTrendVol},
		{Name: "mean_variance", Version: "v1", Kind: registry.KindOptimizer,
			Inputs: []string{"returns"}, Optimizer: optimization.NewMeanVariance(log).Optimize},
		{Name: "equal_weight", Version: "v1", Kind: registry.KindOptimizer,
			Inputs: []string{"returns"}, Optimizer: equalWeightOptimizer},
		{Name: "inverse_volatility", Version: "v1", Kind: registry.KindOptimizer,
			Inputs: []string{"returns"}, Optimizer: optimization.InverseVolatility},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func classifyTrendVol(index []domain.Candle) (domain.Regime, error) {
	r, err := regime.Classify(index, regime.DefaultParams())
	if err != nil {
		return "", err
	}
	return r.Regime, nil
}

func equalWeightOptimizer(returns [][]float64, _, _ float64) ([]float64, error) {
	return optimization.EqualWeights(len(returns)), nil
}

// noopBackup stands in when backup is disabled: the nightly job is a no-op
// and catch-up never schedules one.
type noopBackup struct{}

func (noopBackup) RunBackup(context.Context) error { return nil }
func (noopBackup) RanOn(string) bool               { return true }
