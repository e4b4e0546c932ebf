package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/selfheal/pkg/action"
	"github.com/Mindburn-Labs/selfheal/pkg/api"
	"github.com/Mindburn-Labs/selfheal/pkg/catalog"
	"github.com/Mindburn-Labs/selfheal/pkg/config"
	"github.com/Mindburn-Labs/selfheal/pkg/crypto"
	"github.com/Mindburn-Labs/selfheal/pkg/database"
	"github.com/Mindburn-Labs/selfheal/pkg/governance"
	"github.com/Mindburn-Labs/selfheal/pkg/learning"
	"github.com/Mindburn-Labs/selfheal/pkg/ledger"
	"github.com/Mindburn-Labs/selfheal/pkg/lifecycle"
	"github.com/Mindburn-Labs/selfheal/pkg/observability"
	"github.com/Mindburn-Labs/selfheal/pkg/runner"
	"github.com/Mindburn-Labs/selfheal/pkg/scheduler"
	"github.com/Mindburn-Labs/selfheal/pkg/store"
	"github.com/Mindburn-Labs/selfheal/pkg/telemetry"
	"github.com/Mindburn-Labs/selfheal/pkg/verify"
)

// Services holds the wired orchestrator.
type Services struct {
	DB        *sql.DB
	Store     store.Store
	Ledger    *ledger.Ledger
	Recorder  *lifecycle.Recorder
	Catalog   *catalog.Catalog
	Learning  *learning.Aggregator
	Gate      *governance.Gate
	Scheduler *scheduler.Scheduler
	Runner    *runner.Runner
	Feed      telemetry.Source
	API       *api.Server
	Obs       *observability.Provider

	redis redis.UniversalClient
	wasm  *action.WasmRuntime
}

// openDatabase connects and migrates both schemas.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, *store.SQLStore, *ledger.SQLStore, error) {
	dialect, err := database.ParseDialect(cfg.DBDialect)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.NewSQLStore(db, dialect)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("migrate run store: %w", err)
	}
	ls := ledger.NewSQLStore(db, dialect)
	if err := ls.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return db, st, ls, nil
}

// ledgerOptions derives the signing key when a seed is configured.
// Without one the chain is hash-linked but unsigned.
func ledgerOptions(cfg *config.Config, logger *slog.Logger) ([]ledger.Option, error) {
	opts := []ledger.Option{ledger.WithLogger(logger.With("component", "ledger"))}
	if cfg.LedgerSeed == "" {
		logger.Warn("SELFHEAL_LEDGER_SEED not set; ledger entries will not be signed")
		return opts, nil
	}
	signer, err := crypto.NewEd25519SignerFromSeed([]byte(cfg.LedgerSeed), cfg.LedgerKeyID)
	if err != nil {
		return nil, fmt.Errorf("ledger signer: %w", err)
	}
	return append(opts, ledger.WithSigner(signer)), nil
}

// NewServices wires every component. The returned Services must be
// closed.
func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	s.Obs, err = observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	db, st, ls, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.DB, s.Store = db, st

	lopts, err := ledgerOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.Ledger = ledger.New(ls, lopts...)

	s.Catalog, err = catalog.Load(cfg.CatalogPath, cfg.Version)
	if err != nil {
		return nil, err
	}
	evaluator, err := verify.NewEvaluator()
	if err != nil {
		return nil, err
	}
	for _, def := range s.Catalog.List() {
		if def.Verify == "" {
			continue
		}
		if err := evaluator.Compile(def.Verify); err != nil {
			return nil, fmt.Errorf("playbook %s: verify: %w", def.ID, err)
		}
	}

	var policy *config.Policy
	if cfg.PolicyPath != "" {
		if policy, err = config.LoadPolicy(cfg.PolicyPath); err != nil {
			return nil, err
		}
	}
	govCfg, err := cfg.Governance(policy)
	if err != nil {
		return nil, err
	}

	actions, err := s.buildActions(ctx, cfg, policy, logger)
	if err != nil {
		return nil, err
	}
	for _, def := range s.Catalog.List() {
		for _, name := range []string{def.Action, def.Rollback} {
			if name == "" {
				continue
			}
			if _, err := actions.Resolve(name); err != nil {
				logger.Warn("playbook action not registered; runs will be aborted",
					"playbook_id", def.ID, "action", name)
			}
		}
	}

	s.Learning = learning.New()
	n, err := s.Learning.Bootstrap(ctx, st)
	if err != nil {
		return nil, err
	}
	logger.Info("learning aggregator bootstrapped", "entries", n)

	s.Recorder = lifecycle.New(s.Ledger, st,
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithMetrics(s.Obs),
	)
	s.Gate = governance.New(st, s.Recorder, s.Catalog, govCfg,
		governance.WithLogger(logger.With("component", "governance")),
		governance.WithStats(s.Learning),
	)

	ropts := []runner.Option{
		runner.WithLogger(logger.With("component", "runner")),
		runner.WithTracker(s.Obs),
	}
	sopts := []scheduler.Option{
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithRanker(s.Learning),
		scheduler.WithMetrics(s.Obs),
	}
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		feed := telemetry.NewRedisFeed(s.redis)
		if n, err := feed.Recover(ctx); err != nil {
			return nil, fmt.Errorf("recover telemetry feed: %w", err)
		} else if n > 0 {
			logger.Info("requeued unacknowledged recommendations", "count", n)
		}
		s.Feed = feed
		sopts = append(sopts, scheduler.WithLimiterStore(scheduler.NewRedisLimiterStore(s.redis)))
		ropts = append(ropts, runner.WithVerification(telemetry.NewRedisProbe(s.redis), evaluator))
	} else {
		logger.Warn("SELFHEAL_REDIS_ADDR not set; using an in-process feed and skipping verification")
		s.Feed = telemetry.NewMemoryFeed()
	}

	s.Runner = runner.New(st, s.Recorder, s.Catalog, actions, cfg.Runner(), ropts...)
	s.Scheduler = scheduler.New(s.Feed, st, s.Gate, cfg.Scheduler(), sopts...)
	s.Gate.OnApproved(func(string) { s.Runner.Notify() })
	s.Recorder.Subscribe(s.Learning.Observe)
	s.Recorder.Subscribe(s.Scheduler.Observe)

	var auth *api.Authenticator
	if cfg.JWTSecret != "" {
		if auth, err = api.NewAuthenticator(cfg.JWTSecret); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("SELFHEAL_JWT_SECRET not set; the API rejects every authenticated request")
	}
	s.API = api.NewServer(api.Deps{
		Store:     st,
		Approvals: s.Gate,
		Learning:  s.Learning,
		Chain:     s.Ledger,
		Counters: map[string]func() any{
			"scheduler":       func() any { return s.Scheduler.Stats() },
			"runner":          func() any { return s.Runner.Stats() },
			"ledger_failures": func() any { return s.Recorder.LedgerFailures() },
			"stranded_runs":   func() any { return s.Gate.Stranded() },
		},
		Auth:   auth,
		Logger: logger.With("component", "api"),
	})
	return s, nil
}

func (s *Services) buildActions(ctx context.Context, cfg *config.Config, policy *config.Policy, logger *slog.Logger) (*action.Registry, error) {
	var ropts []action.RegistryOption
	if cfg.ShadowMode {
		logger.Warn("shadow mode: actions are dry runs")
		ropts = append(ropts, action.WithShadow())
	}
	reg := action.NewRegistry(ropts...)

	if policy != nil {
		for _, w := range policy.Webhooks {
			if err := reg.Register(action.NewWebhookAction(w.Name, w.URL, action.WithBearerToken(w.Token()))); err != nil {
				return nil, err
			}
		}
	}
	if cfg.WasmDir != "" {
		s.wasm = action.NewWasmRuntime(ctx, action.WasmConfig{MemoryLimitBytes: uint64(cfg.WasmMemMB) << 20})
		names, err := s.wasm.LoadDir(ctx, cfg.WasmDir, reg)
		if err != nil {
			return nil, err
		}
		logger.Info("wasm actions loaded", "actions", names)
	}
	return reg, nil
}

// Close releases every resource that was opened.
func (s *Services) Close(ctx context.Context) {
	var errs []error
	if s.wasm != nil {
		errs = append(errs, s.wasm.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Obs != nil {
		errs = append(errs, s.Obs.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}
