package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atp-project/routecore/internal/alerts"
	"github.com/atp-project/routecore/internal/anomaly"
	"github.com/atp-project/routecore/internal/budget"
	"github.com/atp-project/routecore/internal/cache"
	"github.com/atp-project/routecore/internal/carbon"
	"github.com/atp-project/routecore/internal/catalog"
	"github.com/atp-project/routecore/internal/clock"
	"github.com/atp-project/routecore/internal/costs"
	"github.com/atp-project/routecore/internal/events"
	"github.com/atp-project/routecore/internal/httpapi"
	"github.com/atp-project/routecore/internal/incident"
	"github.com/atp-project/routecore/internal/logging"
	"github.com/atp-project/routecore/internal/metrics"
	"github.com/atp-project/routecore/internal/orchestrator"
	"github.com/atp-project/routecore/internal/pricing"
	"github.com/atp-project/routecore/internal/ratelimit"
	"github.com/atp-project/routecore/internal/regret"
	"github.com/atp-project/routecore/internal/remediation"
	"github.com/atp-project/routecore/internal/selection"
	"github.com/atp-project/routecore/internal/slo"
	"github.com/atp-project/routecore/internal/store"
	"github.com/atp-project/routecore/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	logger   *slog.Logger
	registry *catalog.Registry
	repo     store.Repository
	queued   *store.Queued
	orch     *orchestrator.Orchestrator
	pricing  *pricing.Manager
	slo      *slo.Tracker
	watcher  *catalog.Watcher
	trigger  *incident.Trigger
	alerter  *alerts.Emitter
	budgets  *budget.Manager
	bus      *events.Bus

	cacheStore      cache.Store
	remediationMgr  *remediation.Manager
	tracingShutdown func(context.Context) error
	limiter         *ratelimit.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)
	clk := clock.System()
	bus := events.NewBus()
	m := metrics.New()

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "routecore",
	})
	if err != nil {
		return nil, err
	}

	alerter := alerts.NewEmitter(bus, clk,
		alerts.WithCounters(m.AlertsEmitted, m.AlertsSuppressed))

	// Model registry: strict load at startup, lenient on reload/watch.
	registry := catalog.NewRegistry(clk,
		catalog.WithEventBus(bus),
		catalog.WithRejectedCounter(m.RegistryRejectedRecords))
	if _, statErr := os.Stat(cfg.CatalogPath); statErr == nil {
		if err := registry.LoadFile(cfg.CatalogPath, true); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no catalog file at startup, registry empty",
			slog.String("path", cfg.CatalogPath))
	}

	var custody *catalog.CustodyLog
	if cfg.CustodyKey != "" {
		custody, err = catalog.OpenCustodyLog(cfg.CustodyLogPath, []byte(cfg.CustodyKey))
		if err != nil {
			return nil, err
		}
	}
	watcher := catalog.NewWatcher(registry, custody, cfg.CatalogPath)

	// Enforcement state store: Redis when configured, in-memory otherwise.
	var cacheStore cache.Store
	if cfg.RedisAddr != "" {
		cacheStore, err = cache.NewRedis(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		logger.Info("budget state store connected", slog.String("addr", cfg.RedisAddr))
	} else {
		cacheStore = cache.NewMemory(clk)
	}

	budgets := budget.NewManager(budget.Config{
		WarningThresholdPct:  cfg.BudgetWarningPct,
		CriticalThresholdPct: cfg.BudgetCriticalPct,
	}, clk,
		budget.WithStore(cacheStore),
		budget.WithAlerter(alerter),
		budget.WithEnforcementCounter(m.BudgetEnforcementsTotal))

	// Pricing pipeline: the mock source is always present; live sources join
	// when their endpoints are configured.
	priceCache := pricing.NewCache(clk, pricingCacheTTL(cfg), cfg.PricingChangeThresholdPct,
		pricing.WithChangeBus(bus),
		pricing.WithChangeCounter(m.PricingChangesTotal))
	sources := []pricing.Source{pricing.DefaultMockSource()}
	sources = append(sources, liveSources(logger)...)
	pricingMgr := pricing.NewManager(pricing.ManagerConfig{
		UpdateInterval:     cfg.PricingUpdateInterval,
		StalenessTolerance: cfg.PricingStalenessTolerance,
		FallbackToStatic:   true,
	}, clk, priceCache, sources,
		pricing.WithFetchErrorCounter(m.PricingFetchErrors))

	carbonTracker := carbon.NewTracker(cfg.CarbonAware)
	if cfg.CarbonAware && cfg.CarbonIntensityPath != "" {
		if err := carbonTracker.LoadIntensities(cfg.CarbonIntensityPath); err != nil {
			return nil, err
		}
	}

	selCfg := selection.Config{
		Strategy:         selection.Strategy(cfg.SelectionStrategy),
		FallbackStrategy: selection.Strategy(cfg.FallbackStrategy),
		BaseWeights: selection.Weights{
			Cost:    cfg.CostWeight,
			Quality: cfg.QualityWeight,
			Latency: cfg.LatencyWeight,
		},
		ExplorationRate:        cfg.ExplorationRate,
		MinExplorationRequests: 10,
		LocalPreference:        cfg.LocalPreference,
		MinQualityThreshold:    cfg.MinQualityThreshold,
		LocalQualityBonus:      0.05,
		LocalLatencyPenalty:    1.2,
	}
	if err := selCfg.Validate(); err != nil {
		return nil, err
	}
	engine := selection.NewEngine(selCfg, pricingMgr, nil, nil,
		selection.WithGate(orchestrator.Gate{Budgets: budgets}),
		selection.WithCarbon(carbonTracker),
		selection.WithSwallowedCounter(m.SwallowedErrors))

	aggregator := costs.NewAggregator(5.0,
		costs.WithValidationCounter(m.PricingValidationErrors),
		costs.WithAlerter(alerter))
	detector := anomaly.NewDetector(anomaly.Config{
		ThresholdStd: cfg.AnomalyThresholdStd,
		WindowHours:  cfg.AnomalyWindowHours,
	}, clk,
		anomaly.WithAlerter(alerter),
		anomaly.WithCounter(m.AnomaliesTotal))
	sloTracker := slo.NewTracker(clk, slo.DefaultTargets(), slo.WithAlerter(alerter))

	repo, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = repo.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))
	queued := store.NewQueued(repo,
		store.WithDroppedCounter(m.CostRecordsDropped),
		store.WithAlerter(alerter))

	// Remediation: a Temporal-backed dispatcher when configured, otherwise a
	// logging noop. The activities report back into the trigger's history.
	var dispatcher incident.Dispatcher = remediation.NoopDispatcher{}
	var remMgr *remediation.Manager
	acts := &remediation.Activities{
		Client:      &http.Client{Timeout: 65 * time.Second, Transport: tracing.HTTPTransport(nil)},
		ExecutorURL: cfg.ExecutorURL,
		Bus:         bus,
	}
	if cfg.TemporalEnabled {
		remMgr, err = remediation.New(remediation.Config{
			HostPort:    cfg.TemporalHostPort,
			Namespace:   cfg.TemporalNamespace,
			TaskQueue:   cfg.TemporalTaskQueue,
			ExecutorURL: cfg.ExecutorURL,
		}, acts)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		dispatcher = remMgr
	}
	trigger := incident.NewTrigger(clk, dispatcher, nil)
	acts.Completer = trigger

	orch := orchestrator.New(orchestrator.Deps{
		Clock:    clk,
		Registry: registry,
		Engine:   engine,
		Pricing:  pricingMgr,
		Costs:    aggregator,
		Budgets:  budgets,
		Anomaly:  detector,
		SLO:      sloTracker,
		Regret:   regret.NewCalculator(m.RegretPct),
		Queued:   queued,
		Repo:     repo,
		Bus:      bus,
	})

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	allowed := cfg.CORSOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(limiter.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator: orch,
		Registry:     registry,
		Engine:       engine,
		Budgets:      budgets,
		Pricing:      pricingMgr,
		SLO:          sloTracker,
		Anomaly:      detector,
		Costs:        aggregator,
		Incidents:    trigger,
		Metrics:      m,
		EventBus:     bus,
		Repo:         repo,
		CatalogPath:  cfg.CatalogPath,
	})

	return &Server{
		cfg:             cfg,
		r:               r,
		logger:          logger,
		registry:        registry,
		repo:            repo,
		queued:          queued,
		orch:            orch,
		pricing:         pricingMgr,
		slo:             sloTracker,
		watcher:         watcher,
		trigger:         trigger,
		alerter:         alerter,
		budgets:         budgets,
		bus:             bus,
		cacheStore:      cacheStore,
		remediationMgr:  remMgr,
		tracingShutdown: tracingShutdown,
		limiter:         limiter,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Start launches the background loops: pricing refresh, SLO recompute, cost
// record persistence, incident consumption, registry hot reload, and the
// periodic housekeeping ticker.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.remediationMgr != nil {
		if err := s.remediationMgr.Start(); err != nil {
			cancel()
			return err
		}
	}

	s.spawn("pricing", func() { _ = s.pricing.Run(ctx) })
	s.spawn("slo", func() { _ = s.slo.Run(ctx) })
	s.spawn("cost-writer", func() { _ = s.queued.Run(ctx) })
	s.spawn("incidents", func() { _ = s.trigger.Run(ctx, s.bus) })
	s.spawn("registry-watcher", func() {
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("registry watcher stopped", slog.String("error", err.Error()))
		}
	})
	s.spawn("housekeeping", func() { s.housekeeping(ctx) })

	return nil
}

func (s *Server) spawn(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Debug("background task started", slog.String("task", name))
		fn()
	}()
}

// housekeeping rolls budget windows, expires alert cooldowns, and evicts
// abandoned pending decisions.
func (s *Server) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.budgets.RollAll(ctx)
			s.alerter.GC()
			if n := s.orch.GC(); n > 0 {
				s.logger.Info("pending decisions evicted", slog.Int("count", n))
			}
		}
	}
}

// ReloadRegistry re-reads the catalog file leniently. Used for SIGHUP.
func (s *Server) ReloadRegistry() {
	if err := s.registry.LoadFile(s.cfg.CatalogPath, false); err != nil {
		s.logger.Error("registry reload failed", slog.String("error", err.Error()))
	}
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.remediationMgr != nil {
		s.remediationMgr.Stop()
	}
	s.limiter.Stop()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.cacheStore != nil {
		_ = s.cacheStore.Close()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// pricingCacheTTL sizes the cache entry TTL from the refresh cadence, so a
// few missed fetches never evict prices. The staleness tolerance only
// governs reporting; entries must outlive it or stale prices would vanish
// before they can be reported stale.
func pricingCacheTTL(cfg Config) time.Duration {
	ttl := 4 * cfg.PricingUpdateInterval
	if ttl < cfg.PricingStalenessTolerance {
		ttl = cfg.PricingStalenessTolerance
	}
	return ttl
}

// liveSources builds HTTP pricing sources for every provider whose endpoint
// is configured. Unconfigured providers are skipped without error.
func liveSources(logger *slog.Logger) []pricing.Source {
	const timeout = 10 * time.Second
	var out []pricing.Source
	if url := os.Getenv("ROUTECORE_OPENAI_PRICING_URL"); url != "" {
		out = append(out, pricing.NewOpenAISource(url, os.Getenv("ROUTECORE_OPENAI_API_KEY"), timeout))
		logger.Info("pricing source registered", slog.String("provider", "openai"))
	}
	if url := os.Getenv("ROUTECORE_ANTHROPIC_PRICING_URL"); url != "" {
		out = append(out, pricing.NewAnthropicSource(url, os.Getenv("ROUTECORE_ANTHROPIC_API_KEY"), timeout))
		logger.Info("pricing source registered", slog.String("provider", "anthropic"))
	}
	if url := os.Getenv("ROUTECORE_GOOGLE_PRICING_URL"); url != "" {
		out = append(out, pricing.NewGoogleSource(url, os.Getenv("ROUTECORE_GOOGLE_API_KEY"), timeout))
		logger.Info("pricing source registered", slog.String("provider", "google"))
	}
	return out
}
