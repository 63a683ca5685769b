package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/dawsonblock/dsrouter/internal/audit"
	"github.com/dawsonblock/dsrouter/internal/budget"
	"github.com/dawsonblock/dsrouter/internal/cache"
	"github.com/dawsonblock/dsrouter/internal/circuit"
	"github.com/dawsonblock/dsrouter/internal/events"
	"github.com/dawsonblock/dsrouter/internal/health"
	"github.com/dawsonblock/dsrouter/internal/httpapi"
	"github.com/dawsonblock/dsrouter/internal/idempotency"
	"github.com/dawsonblock/dsrouter/internal/logging"
	"github.com/dawsonblock/dsrouter/internal/metrics"
	"github.com/dawsonblock/dsrouter/internal/pipeline"
	"github.com/dawsonblock/dsrouter/internal/ratelimit"
	"github.com/dawsonblock/dsrouter/internal/routing"
	"github.com/dawsonblock/dsrouter/internal/store"
	"github.com/dawsonblock/dsrouter/internal/tracing"
)

const providerTimeout = 120 * time.Second

// Init failure classes, used by the binary to pick an exit code.
var (
	ErrConfigInit   = errors.New("config init")
	ErrStoreInit    = errors.New("store init")
	ErrProviderInit = errors.New("provider init")
)

// Server owns every long-lived component and the HTTP router.
type Server struct {
	cfg Config

	r *chi.Mux

	engine       *routing.Engine
	tracker      *health.Tracker
	gov          *budget.Governor
	orchestrator *pipeline.Orchestrator
	store        store.Store
	bus          *events.Bus
	respCache    *cache.Memory
	limiter      *ratelimit.Limiter
	idem         *idempotency.Cache
	cron         *cron.Cron
	watcher      *descriptorWatcher
	auditFile    io.WriteCloser
	traceStop    func(context.Context) error
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewServer wires the full router: store, health tracking, budget governor,
// routing engine, pipeline orchestrator, and the HTTP surface.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceStop, err := tracing.Setup(tracing.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "dsrouter",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreInit, cfg.DBDSN, err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreInit, err)
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	met := metrics.New()
	bus := events.NewBus()

	tracker := health.NewTracker(health.TrackerConfig{
		Window:           time.Duration(cfg.CircuitWMs) * time.Millisecond,
		MaxSamples:       cfg.CircuitSMax,
		FailureThreshold: cfg.CircuitFOpen,
		ErrorRateToOpen:  cfg.CircuitROpen,
		MinSamplesToOpen: cfg.CircuitNMin,
		Cooldown:         time.Duration(cfg.CircuitCooldownMs) * time.Millisecond,
	}, health.WithOnStateChange(func(provider string, from, to circuit.State) {
		logger.Info("circuit state change",
			slog.String("provider", provider),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		met.CircuitState.WithLabelValues(provider).Set(circuitGaugeValue(to))
		bus.Publish(events.Event{
			Type:     events.EventHealthChange,
			Provider: provider,
			OldState: from.String(),
			NewState: to.String(),
		})
	}))

	gov := budget.New(budget.Config{
		DailyTokenCap:       cfg.DailyTokenCap,
		DailyCreditCapMicro: cfg.DailyCreditCapMicro,
		Mode:                budget.Mode(cfg.BudgetMode),
		OvershootAllowance:  cfg.OvershootAllowance,
		Location:            cfg.Location(),
	}, db, budget.WithOnWarn(func(dayKey, reason string) {
		logger.Warn("budget warn-mode admit",
			slog.String("day_key", dayKey), slog.String("reason", reason))
		bus.Publish(events.Event{
			Type:   events.EventBudgetWarn,
			DayKey: dayKey,
			Reason: reason,
		})
	}))
	if err := gov.Load(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load budget state: %v", ErrStoreInit, err)
	}

	engine := routing.NewEngine(tracker, gov)
	if err := engine.SetThresholds(routing.Thresholds{
		ConfThreshold:    cfg.ConfThreshold,
		SupportThreshold: cfg.SupportThreshold,
		MaxCoTTokens:     cfg.MaxCoTTokens,
		ForcedOverride:   cfg.ForcedOverride,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("thresholds: %w", err)
	}

	// Outgoing provider calls share one instrumented client.
	httpClient := &http.Client{Transport: tracing.HTTPTransport(nil)}

	s := &Server{
		cfg:        cfg,
		r:          r,
		engine:     engine,
		tracker:    tracker,
		gov:        gov,
		store:      db,
		bus:        bus,
		traceStop:  traceStop,
		httpClient: httpClient,
		logger:     logger,
	}

	if err := s.loadProviders(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrProviderInit, err)
	}

	auditOpts := []audit.Option{audit.WithStore(db)}
	if cfg.AuditPath != "" {
		f, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		s.auditFile = f
		auditOpts = append(auditOpts, audit.WithWriter(f))
	}
	rec := audit.New(logger, auditOpts...)

	s.respCache = cache.NewMemory(cfg.CacheTTL, cfg.CacheMaxEntries)
	s.orchestrator = pipeline.New(pipeline.Config{
		SafetyPrefixBytes: cfg.SafetyPrefixBytes,
		DefaultDeadline:   time.Duration(cfg.DeadlineMsDefault) * time.Millisecond,
	}, engine, tracker, gov, rec, met, bus, logger,
		pipeline.WithCache(s.respCache))

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second)
	s.idem = idempotency.New(time.Hour, 10_000)

	var admin *httpapi.AdminCredential
	if cfg.AdminToken != "" {
		admin, err = httpapi.NewAdminCredential(cfg.AdminToken)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: admin credential: %v", ErrConfigInit, err)
		}
	} else {
		logger.Warn("DSROUTER_ADMIN_TOKEN not set, admin endpoints are unauthenticated")
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator:    s.orchestrator,
		Engine:          engine,
		Health:          tracker,
		Budget:          gov,
		Metrics:         met,
		Store:           db,
		EventBus:        bus,
		Admin:           admin,
		RateLimiter:     s.limiter,
		Idempotency:     s.idem,
		ReloadSecrets:   s.reloadProviders,
		ReloadProviders: s.reloadProviders,
	})

	// Budget day rolls over at local midnight; Reserve also rolls lazily, the
	// cron just keeps the persisted snapshot and metrics fresh on idle days.
	s.cron = cron.New(cron.WithLocation(cfg.Location()))
	if _, err := s.cron.AddFunc("0 0 * * *", func() {
		gov.Rollover(context.Background())
		logger.Info("budget day rolled over")
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("schedule rollover: %w", err)
	}
	s.cron.Start()

	if cfg.ProvidersFile != "" {
		w, err := newDescriptorWatcher(cfg.ProvidersFile, 500*time.Millisecond, func() {
			if err := s.reloadProviders(context.Background()); err != nil {
				logger.Error("provider hot reload failed", slog.Any("error", err))
				return
			}
			logger.Info("providers reloaded", slog.String("file", cfg.ProvidersFile))
		}, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("watch providers file: %w", err)
		}
		s.watcher = w
	}

	return s, nil
}

// loadProviders reads the descriptor file (or the built-in local fallback),
// builds adapters, and installs them on the engine.
func (s *Server) loadProviders(ctx context.Context) error {
	descs := DefaultDescriptors()
	if s.cfg.ProvidersFile != "" {
		loaded, overrides, err := LoadDescriptors(s.cfg.ProvidersFile)
		if err != nil {
			return err
		}
		descs = loaded
		if overrides != nil {
			t := s.engine.GetThresholds()
			if overrides.ConfThreshold != nil {
				t.ConfThreshold = *overrides.ConfThreshold
			}
			if overrides.SupportThreshold != nil {
				t.SupportThreshold = *overrides.SupportThreshold
			}
			if overrides.MaxCoTTokens != nil {
				t.MaxCoTTokens = *overrides.MaxCoTTokens
			}
			if err := s.engine.SetThresholds(t); err != nil {
				return fmt.Errorf("threshold overrides: %w", err)
			}
		}
	}
	ps, err := BuildProviders(descs, providerTimeout, s.httpClient, s.logger)
	if err != nil {
		return err
	}
	s.engine.SetProviders(ps)
	for _, p := range ps {
		s.logger.Info("registered provider",
			slog.String("provider", p.Name()),
			slog.String("tier", string(p.Descriptor().Tier)))
	}
	if err := mirrorDescriptors(ctx, s.store, descs, time.Now().UTC()); err != nil {
		s.logger.Warn("persisting descriptors", slog.Any("error", err))
	}
	return nil
}

// reloadProviders re-reads descriptors and re-resolves API keys, then swaps
// the provider table atomically. In-flight requests keep their plan.
func (s *Server) reloadProviders(ctx context.Context) error {
	return s.loadProviders(ctx)
}

// Reload applies the runtime-tunable parts of a fresh config: log level,
// thresholds, budget mode and caps, and the provider set. Listen address,
// DSN, and file paths need a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	if err := s.engine.SetThresholds(routing.Thresholds{
		ConfThreshold:    cfg.ConfThreshold,
		SupportThreshold: cfg.SupportThreshold,
		MaxCoTTokens:     cfg.MaxCoTTokens,
		ForcedOverride:   cfg.ForcedOverride,
	}); err != nil {
		s.logger.Warn("reload thresholds", slog.Any("error", err))
	}
	s.gov.SetMode(budget.Mode(cfg.BudgetMode))
	s.gov.SetCaps(cfg.DailyTokenCap, cfg.DailyCreditCapMicro)
	if err := s.reloadProviders(context.Background()); err != nil {
		s.logger.Warn("reload providers", slog.Any("error", err))
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// Close releases every component. Safe to call on a partially built server.
func (s *Server) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.respCache != nil {
		s.respCache.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.auditFile != nil {
		s.auditFile.Close()
	}
	if s.traceStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceStop(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown", slog.Any("error", err))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// circuitGaugeValue maps breaker states onto the gauge encoding
// (0=closed, 1=half_open, 2=open).
func circuitGaugeValue(st circuit.State) float64 {
	switch st {
	case circuit.HalfOpen:
		return 1
	case circuit.Open:
		return 2
	default:
		return 0
	}
}
