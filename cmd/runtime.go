package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater-ai/keel/internal/agent"
	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/store"
	"github.com/tidewater-ai/keel/internal/store/file"
	"github.com/tidewater-ai/keel/internal/store/pg"
	"github.com/tidewater-ai/keel/internal/tools"
	"github.com/tidewater-ai/keel/internal/tools/selector"
	"github.com/tidewater-ai/keel/internal/tracing"
	"github.com/tidewater-ai/keel/internal/workflow"
)

// appRuntime is the fully wired engine plus its collaborators.
type appRuntime struct {
	cfg      *config.Config
	engine   *agent.Engine
	sessions store.SessionStore
	events   *bus.Bus
	cache    *selector.Cache

	shutdownTracing func(context.Context) error
}

// buildRuntime wires the whole stack from configuration: Gemini transport and
// embedder, tool catalog with the builtin executor, selector with its
// embedding cache, pipeline, engine and session store.
func buildRuntime(ctx context.Context) (*appRuntime, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint, Version)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	gemini, err := providers.NewGeminiClient(ctx, providers.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.Agent.Model,
		EmbeddingModel: cfg.Selector.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	catalog := tools.NewCatalog()
	exec := tools.NewBuiltinExecutor()
	for _, def := range exec.Definitions() {
		if err := catalog.Register(def); err != nil {
			return nil, fmt.Errorf("register builtin tool: %w", err)
		}
	}
	exec.Bind(catalog)

	cache := selector.LoadCache(
		config.ExpandHome(cfg.Selector.CachePath),
		time.Duration(cfg.Selector.AutoSaveInterval)*time.Second,
	)
	sel := selector.New(cfg.Selector, cfg.SchemaOpt, gemini, cache)
	pipeline := tools.NewPipeline(exec, nil, cfg.Tools)
	engine := agent.NewEngine(cfg, gemini, sel, pipeline, catalog, workflow.NewRegistry())

	sessions, err := openSessionStore(cfg)
	if err != nil {
		return nil, err
	}

	return &appRuntime{
		cfg:             cfg,
		engine:          engine,
		sessions:        sessions,
		events:          bus.New(),
		cache:           cache,
		shutdownTracing: shutdownTracing,
	}, nil
}

func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.Sessions.Backend == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions backend is postgres but KEEL_POSTGRES_DSN is not set")
		}
		s, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres session store: %w", err)
		}
		return s, nil
	}
	s, err := file.New(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		return nil, fmt.Errorf("open file session store: %w", err)
	}
	return s, nil
}

// close flushes the embedding cache and tears the stack down.
func (r *appRuntime) close(ctx context.Context) {
	// Best effort: a fresh process rebuilds the cache anyway.
	if err := r.cache.Save(); err != nil {
		slog.Warn("embedding cache save failed", "error", err)
	}
	r.sessions.Close()
	if r.shutdownTracing != nil {
		r.shutdownTracing(ctx)
	}
}
