package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
	"github.com/torobias/torobias/internal/domain/factor"
	"github.com/torobias/torobias/internal/domain/outcome"
	"github.com/torobias/torobias/internal/engine"
	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/gateway/postgres"
	gwredis "github.com/torobias/torobias/internal/gateway/redis"
	httpx "github.com/torobias/torobias/internal/interfaces/http"
	"github.com/torobias/torobias/internal/provider"
	"github.com/torobias/torobias/internal/scheduler"
)

const shutdownBudget = 30 * time.Second

// App is the composed system: gateways, actors, scheduler, and the HTTP
// surface, wired from one config.
type App struct {
	cfg      Config
	registry *factor.Registry

	db    *sqlx.DB
	redis *goredis.Client
	kv    *gwredis.KV
	hub   *broadcast.Hub

	recompute *engine.Recomputer
	breaker   *engine.BreakerService
	runner    *scheduler.Runner
	server    *httpx.Server
}

// New builds the full system. Both gateways must be reachable at startup.
func New(ctx context.Context, cfg Config) (*App, error) {
	registry, err := factor.LoadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, err
	}

	rdb := gwredis.NewClient(cfg.Redis.Addr, cfg.Redis.DB)
	kv := gwredis.NewKV(rdb)
	journal := gwredis.NewAppendLog(rdb, cfg.Redis.StreamMaxLen)
	hub := broadcast.NewHub(journal)

	queryTimeout := postgres.DefaultQueryTimeout
	readings := postgres.NewReadingsRepo(db, queryTimeout)
	biasRepo := postgres.NewBiasRepo(db, queryTimeout)
	breakerRepo := postgres.NewBreakerRepo(db, queryTimeout)
	signalsRepo := postgres.NewSignalsRepo(db, queryTimeout)
	outcomesRepo := postgres.NewOutcomesRepo(db, queryTimeout)

	calendar, err := scheduler.NewCalendar(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	breakerSvc := engine.NewBreakerService(breakerRepo, hub, calendar)
	recompute := engine.NewRecomputer(registry, readings, biasRepo, kv, hub, breakerSvc)
	breakerSvc.BindRecomputer(recompute)

	ingestor := engine.NewIngestor(registry, readings, kv, hub, recompute)
	signalSvc := engine.NewSignalService(signalsRepo, kv, hub, breakerSvc, cfg.Sectors)

	client := provider.NewClient(cfg.Provider.Build(), kv)
	macro := provider.NewMacroPuller(client, ingestor)
	cape := provider.NewCapePuller(client, ingestor)
	bars := provider.NewBarFetcher(client, kv)
	outcomeSvc := engine.NewOutcomeService(outcomesRepo, bars, hub,
		outcome.NewReplayer(cfg.Outcome.MaxAgeDays, cfg.Outcome.IntrabarPolicy))

	app := &App{
		cfg:       cfg,
		registry:  registry,
		db:        db,
		redis:     rdb,
		kv:        kv,
		hub:       hub,
		recompute: recompute,
		breaker:   breakerSvc,
	}

	if err := app.buildScheduler(calendar, macro, cape, outcomeSvc); err != nil {
		return nil, err
	}

	handlers := &httpx.Handlers{
		Ingest:      ingestor,
		Breaker:     breakerSvc,
		Signals:     signalSvc,
		Override:    recompute,
		Bias:        biasRepo,
		Readings:    readings,
		Active:      signalsRepo,
		Outcomes:    outcomesRepo,
		KV:          kv,
		CacheHealth: kv,
		StoreHealth: dbPinger{db},
	}
	app.server = httpx.NewServer(cfg.Server, handlers, hub)
	return app, nil
}

type dbPinger struct{ db *sqlx.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// buildScheduler binds configured jobs to their handlers. A job name the
// binary does not know is a config error, not a silent no-op.
func (a *App) buildScheduler(calendar *scheduler.Calendar, macro *provider.MacroPuller, cape *provider.CapePuller, outcomes *engine.OutcomeService) error {
	specs, err := scheduler.LoadJobs(a.cfg.Jobs)
	if err != nil {
		return factor.Reject(factor.ReasonConfigInvalid, "load jobs: %v", err)
	}

	handlers := map[string]scheduler.Handler{
		"market_pull":    macro.Pull,
		"vix_pull":       macro.PullVIX,
		"cape_pull":      cape.Pull,
		"outcome_replay": outcomes.ReplayPending,
		"breaker_autoreset": func(ctx context.Context) error {
			return a.breaker.CheckAutoReset(ctx)
		},
		"composite_recompute": func(context.Context) error {
			a.recompute.Request()
			return nil
		},
		"cache_sweep": func(ctx context.Context) error {
			_, err := engine.Sweep(ctx, a.kv, a.registry, a.hub)
			return err
		},
		"heartbeat": a.heartbeat,
	}

	a.runner = scheduler.NewRunner(calendar)
	for _, spec := range specs {
		h, ok := handlers[spec.Name]
		if !ok {
			return factor.Reject(factor.ReasonConfigInvalid, "unknown job %q", spec.Name)
		}
		if err := a.runner.Register(spec, h); err != nil {
			return factor.Reject(factor.ReasonConfigInvalid, "%v", err)
		}
	}
	return nil
}

func (a *App) heartbeat(ctx context.Context) error {
	snap := a.breaker.Snapshot()
	err := a.kv.Ping(ctx)
	log.Info().
		Int("breaker_triggers", len(snap.ActiveTriggers)).
		Bool("cache_ok", err == nil).
		Msg("heartbeat")
	return nil
}

// Run starts the system and blocks until ctx is canceled or the HTTP
// listener fails, then shuts down within the budget: stop ingest first,
// drain the actors, close the fabric, release the gateways.
func (a *App) Run(ctx context.Context) error {
	if err := a.breaker.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("continuing without restored breaker state")
	}
	if evicted, err := engine.Sweep(ctx, a.kv, a.registry, a.hub); err != nil {
		log.Warn().Err(err).Msg("startup cache sweep failed")
	} else if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("startup cache sweep evicted entries")
	}

	actorCtx, stopActors := context.WithCancel(context.Background())
	defer stopActors()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.recompute.Run(actorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("recompute actor exited")
		}
	}()
	go func() {
		defer wg.Done()
		a.runner.Run(actorCtx)
	}()

	// Seed the composite so subscribers have a snapshot before the first
	// ingest arrives.
	a.recompute.Request()

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	stopActors()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Error().Msg("actors did not drain within the shutdown budget")
	}

	a.hub.Close()
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("record store close failed")
	}
	if err := a.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close failed")
	}
	log.Info().Msg("shutdown complete")
	return runErr
}

// Breaker exposes the breaker service for admin commands.
func (a *App) Breaker() *engine.BreakerService { return a.breaker }

// KV exposes the cache for admin commands.
func (a *App) KV() gateway.KV { return a.kv }
