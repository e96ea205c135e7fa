// Package server composes the workflow service from configuration.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	defer srv.Close(ctx)
//	err = srv.Serve(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codeYAY/SPACE/internal/api"
	"github.com/codeYAY/SPACE/internal/api/handlers"
	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/internal/dataspace"
	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/internal/sandbox"
	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/internal/store"
	"github.com/codeYAY/SPACE/internal/stream"
	"github.com/codeYAY/SPACE/internal/telemetry"
	"github.com/codeYAY/SPACE/internal/trigger"
	"github.com/codeYAY/SPACE/internal/workflow"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized workflow service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Engine *workflow.Engine
	Store  store.Store
	Hub    *stream.Hub
	Config *config.Config

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error

	steps    steps.Store
	nc       *nats.Conn
	consumer *trigger.NATSConsumer
	janitor  context.CancelFunc
}

// Option overrides a component built from configuration.
type Option func(*overrides)

type overrides struct {
	llm      llm.Client
	provider sandbox.Provider
	loader   workflow.ContextLoader
}

// WithLLM replaces the configured LLM client.
func WithLLM(c llm.Client) Option { return func(o *overrides) { o.llm = c } }

// WithSandboxProvider replaces the configured sandbox provider.
func WithSandboxProvider(p sandbox.Provider) Option { return func(o *overrides) { o.provider = p } }

// WithContextLoader replaces the data-space loader.
func WithContextLoader(l workflow.ContextLoader) Option { return func(o *overrides) { o.loader = l } }

// New initializes every component and returns a ready Server. Nothing is
// served until Serve is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	srv := &Server{Config: cfg, ShutdownFunc: shutdown}
	ok := false
	defer func() {
		if !ok {
			_ = srv.Close(context.Background())
		}
	}()

	var pool *pgxpool.Pool
	srv.Store, pool, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	srv.steps, err = openStepStore(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}

	provider := ov.provider
	if provider == nil {
		provider, err = openSandboxProvider(cfg.Sandbox)
		if err != nil {
			return nil, err
		}
	}
	if dp, isDocker := provider.(*sandbox.DockerProvider); isDocker && cfg.Sandbox.ReapEvery > 0 {
		janitorCtx, cancel := context.WithCancel(context.Background())
		srv.janitor = cancel
		go dp.Janitor(janitorCtx, cfg.Sandbox.ReapEvery)
	}
	sandboxes := sandbox.NewManager(provider,
		sandbox.WithPort(cfg.Sandbox.Port),
		sandbox.WithURLScheme(cfg.Sandbox.URLScheme),
	)

	client := ov.llm
	if client == nil {
		client, err = llm.New(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
	}
	log.Info().Str("provider", cfg.LLM.Provider).Msg("✅ LLM client initialized")

	loader := ov.loader
	if loader == nil {
		loader = dataspace.NewLoader(cfg.DataSpace)
	}

	srv.Hub = stream.NewHub(256)
	transport := stream.Fanout{srv.Hub}
	if cfg.NATS.URL != "" {
		srv.nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Agent.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		transport = append(transport, stream.NewNATSTransport(srv.nc, cfg.NATS.StreamPrefix))
		log.Info().Str("url", cfg.NATS.URL).Msg("✅ NATS connected")
	}

	srv.Engine = workflow.NewEngine(srv.Store, steps.NewExecutor(srv.steps), sandboxes, client, loader, transport, workflow.OptionsFromConfig(cfg))
	log.Info().Msg("✅ Workflow Engine initialized")

	if srv.nc != nil {
		srv.consumer = trigger.NewNATSConsumer(srv.nc, cfg.NATS.TriggerSubject, cfg.NATS.QueueGroup, srv.Engine)
	}

	h := handlers.New(srv.Engine, srv.Store, srv.Hub)
	srv.Handler = api.NewRouter(cfg, h)

	ok = true
	return srv, nil
}

// Serve starts the trigger consumer and the HTTP server, and blocks until
// ctx is done. Shutdown is graceful.
func (s *Server) Serve(ctx context.Context) error {
	if s.consumer != nil {
		if err := s.consumer.Start(); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.Config.Port),
		Handler:     s.Handler,
		ReadTimeout: 30 * time.Second,
		// SSE responses stay open, so writes have no deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Config.Port).Msg("🔥 Rushed agent is ready!")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, failed := <-errCh:
		if failed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Close stops the consumer, cancels running executions and releases every
// connection.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.consumer != nil {
		errs = append(errs, s.consumer.Stop())
	}
	if s.Engine != nil {
		s.Engine.Shutdown()
	}
	if s.janitor != nil {
		s.janitor()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if s.steps != nil {
		errs = append(errs, s.steps.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.ShutdownFunc != nil {
		errs = append(errs, s.ShutdownFunc(ctx))
	}
	return errors.Join(errs...)
}

// ── Components ───────────────────────────────────────────────

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		log.Info().Str("snapshot", cfg.SnapshotPath).Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(cfg.SnapshotPath), nil, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, pg.Pool(), nil
}

func openStepStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (steps.Store, error) {
	switch strings.ToLower(cfg.Agent.StepStore) {
	case "", "memory":
		return steps.NewMemoryStore(), nil
	case "postgres":
		if pool != nil {
			return steps.NewPostgresStoreFromPool(ctx, pool)
		}
		if cfg.Database.URL == "" {
			return nil, errors.New("postgres step store requires DATABASE_URL")
		}
		return steps.NewPostgresStore(ctx, cfg.Database.URL)
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, errors.New("redis step store requires REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("✅ Redis step store initialized")
		return steps.NewRedisStore(rdb, cfg.Redis.StepTTL), nil
	default:
		return nil, fmt.Errorf("unknown step store %q", cfg.Agent.StepStore)
	}
}

func openSandboxProvider(cfg config.SandboxConfig) (sandbox.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "docker":
		return sandbox.NewDockerProvider(sandbox.DockerOptions{
			Image:      cfg.Image,
			PublicHost: cfg.PublicHost,
			Workdir:    cfg.Workdir,
			Port:       cfg.Port,
		}), nil
	case "memory":
		log.Warn().Msg("Using in-memory sandboxes; generated apps are not served")
		return sandbox.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.Provider)
	}
}
