// Package app wires all MirrorTalk subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithKnowledgeStore).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/mirrortalk/mirrortalk/internal/asr"
	"github.com/mirrortalk/mirrortalk/internal/auth"
	"github.com/mirrortalk/mirrortalk/internal/config"
	"github.com/mirrortalk/mirrortalk/internal/gateway"
	"github.com/mirrortalk/mirrortalk/internal/genstream"
	"github.com/mirrortalk/mirrortalk/internal/guard"
	"github.com/mirrortalk/mirrortalk/internal/health"
	"github.com/mirrortalk/mirrortalk/internal/observe"
	"github.com/mirrortalk/mirrortalk/internal/pipeline"
	"github.com/mirrortalk/mirrortalk/internal/resilience"
	"github.com/mirrortalk/mirrortalk/internal/retrieval"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/transcript"
	"github.com/mirrortalk/mirrortalk/internal/voicestream"
	"github.com/mirrortalk/mirrortalk/pkg/knowledge"
	kbpostgres "github.com/mirrortalk/mirrortalk/pkg/knowledge/postgres"
	asrprov "github.com/mirrortalk/mirrortalk/pkg/provider/asr"
	"github.com/mirrortalk/mirrortalk/pkg/provider/embeddings"
	"github.com/mirrortalk/mirrortalk/pkg/provider/lipsync"
	"github.com/mirrortalk/mirrortalk/pkg/provider/llm"
	"github.com/mirrortalk/mirrortalk/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. LipSync may be nil
// to disable video; the remaining slots are required. Populated by main.go
// from the config.
type Providers struct {
	ASR        asrprov.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	LipSync    lipsync.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the conversation endpoint.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	collector *observe.Collector
	breakers  *guard.Breakers
	store     knowledge.Store
	sessions  *session.Manager
	gateway   *gateway.Gateway
	mux       *http.ServeMux
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKnowledgeStore injects a knowledge store instead of connecting to
// postgres from config.
func WithKnowledgeStore(s knowledge.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Initialisation is synchronous: telemetry provider,
// knowledge store connection, circuit breakers, per-stage streamers, and the
// websocket gateway.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	if providers.ASR == nil || providers.LLM == nil || providers.TTS == nil || providers.Embeddings == nil {
		return nil, errors.New("app: asr, llm, tts, and embeddings providers are required")
	}

	// Telemetry first so every later init records into real instruments.
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "mirrortalk"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownOTel)

	a.sessions = session.NewManager(session.ManagerConfig{
		MaxSessions:    cfg.Session.MaxSessions,
		ReconnectGrace: cfg.Session.ReconnectGrace,
		IdleEviction:   cfg.Session.IdleEviction,
		HistoryTurns:   cfg.Conversation.HistoryTurns,
	}, a.logger)

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider(), a.sessions.Active)
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}
	a.collector = observe.NewCollector(a.metrics, a.sessions.Active, observe.CollectorConfig{
		Thresholds: observe.Thresholds{
			MinSuccessRate:    cfg.Alerts.MinSuccessRate,
			MaxAvgConnectTime: cfg.Alerts.MaxAvgConnectTime,
			MaxTimeoutRate:    cfg.Alerts.MaxTimeoutRate,
		},
	})

	a.breakers = guard.NewBreakers(resilience.CircuitBreakerConfig{}, a.collector.BreakerStateChanged)

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge store: %w", err)
	}

	a.initGateway()
	a.initHTTP()

	return a, nil
}

// initStore connects the pgvector store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Knowledge.PostgresDSN
	if dsn == "" {
		return errors.New("knowledge.postgres_dsn is required when no store is injected")
	}
	dims := a.cfg.Knowledge.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}

	store, err := kbpostgres.New(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	return nil
}

// initGateway builds the guarded per-stage streamers and the websocket
// gateway around them.
func (a *App) initGateway() {
	cfg := a.cfg

	asrStreamer := asr.NewStreamer(guard.ASR(a.providers.ASR, a.breakers.ASR), asr.Config{
		VADSilence:     cfg.Conversation.VADSilence,
		InterimCadence: cfg.Conversation.InterimCadence,
	}, a.logger)

	rag := retrieval.New(
		guard.Embeddings(a.providers.Embeddings, a.breakers.Embeddings),
		a.store,
		retrieval.Config{
			TopK:      cfg.Knowledge.TopK,
			MinScore:  cfg.Knowledge.MinScore,
			CacheSize: cfg.Knowledge.CacheSize,
			CacheTTL:  cfg.Knowledge.CacheTTL,
		}, a.logger)

	gen := genstream.New(guard.LLM(a.providers.LLM, a.breakers.LLM), genstream.Config{}, a.logger)

	var corrector *transcript.Corrector
	if len(cfg.Conversation.Vocabulary) > 0 {
		corrector = transcript.New(cfg.Conversation.Vocabulary)
	}

	var guardedLipSync lipsync.Provider
	if a.providers.LipSync != nil {
		guardedLipSync = guard.LipSync(a.providers.LipSync, a.breakers.LipSync)
	}
	synth := voicestream.New(guard.TTS(a.providers.TTS, a.breakers.TTS), guardedLipSync,
		voicestream.Config{}, a.logger)

	factory := func(s *session.Session) *pipeline.Controller {
		return pipeline.NewController(pipeline.Deps{
			Session:   s,
			Persona:   cfg.Conversation.Persona,
			ASR:       asrStreamer,
			Corrector: corrector,
			Retrieval: rag,
			Generator: gen,
			Synth:     synth,
			Estimator: &voicestream.QualityEstimator{},
			Recorder:  a.collector,
			Logger:    a.logger,
		}, pipeline.Config{
			MinUnitRunes: cfg.Conversation.MinPrefetchChars,
			Parallelism:  cfg.Conversation.TTSParallelism,
			ReorderStall: cfg.Conversation.ReorderStall,
			QueueDepth:   cfg.Conversation.OutboundQueue,
			RAGBudget:    cfg.Conversation.RAGBudget,
			BargeIn:      cfg.Conversation.BargeIn,
		})
	}

	validator := auth.NewValidator(auth.ValidatorConfig{
		JWTSecret:   cfg.Auth.JWTSecret,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		AllowGuests: cfg.Auth.AllowGuests,
		GuestMaxAge: cfg.Auth.GuestTokenMaxAge,
	})

	a.gateway = gateway.New(validator, a.sessions, factory, gateway.Config{
		BindTimeout:    cfg.Session.BindTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
	}, a.collector, a.logger)
}

// initHTTP assembles the route table. The websocket endpoint is mounted
// bare: the observability middleware's response wrapper would hide the
// Hijacker the websocket accept needs.
func (a *App) initHTTP() {
	checkers := []health.Checker{health.StoreChecker(a.store)}
	checkers = append(checkers, health.BreakerCheckers(a.breakers)...)
	h := health.New(checkers...)

	instrumented := http.NewServeMux()
	h.Register(instrumented)
	instrumented.Handle("GET /metrics", promhttp.Handler())
	instrumented.Handle("GET /stats", a.collector.StatsHandler())

	a.mux = http.NewServeMux()
	a.mux.Handle("/ws", a.gateway)
	a.mux.Handle("/", observe.Middleware(a.metrics)(instrumented))

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root HTTP handler. Tests serve it via httptest.
func (a *App) Handler() http.Handler {
	return a.mux
}

// Run starts the idle-session evictor and the HTTP server, then blocks until
// ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	go a.sessions.RunEvictor(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	a.logger.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"max_sessions", a.cfg.Session.MaxSessions)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Shutdown tears down all subsystems: HTTP drain first so no new
// connections arrive, then sessions (which closes every live controller via
// eviction), then the closers in init order. It respects the context
// deadline: if ctx expires, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Warn("http shutdown error", "err", err)
			}
		}

		a.sessions.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
