// Package server is the composition root for the HLCS core: it wires
// configuration, the memory store, the engines, and the HTTP router
// into a ready-to-serve process.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/api"
	"github.com/hlcs/hlcs/internal/api/handlers"
	"github.com/hlcs/hlcs/internal/bus"
	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/internal/flags"
	"github.com/hlcs/hlcs/internal/memory"
	"github.com/hlcs/hlcs/internal/meta"
	"github.com/hlcs/hlcs/internal/orchestrator"
	"github.com/hlcs/hlcs/internal/planner"
	"github.com/hlcs/hlcs/internal/reasoner"
	"github.com/hlcs/hlcs/internal/telemetry"
	"github.com/hlcs/hlcs/internal/toolserver"
)

// Server holds the initialized HLCS core.
type Server struct {
	Handler      http.Handler
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Tools        *toolserver.Client
	Memory       memory.Store

	bus      *bus.Bus
	flags    *flags.Registry
	cron     *cron.Cron
	shutdown func(context.Context) error
}

// New initializes all components from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	eventBus := bus.New()

	var mem memory.Store
	switch cfg.Memory.Backend {
	case "redis":
		mem, err = memory.NewRedisStore(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("init redis memory store: %w", err)
		}
	default:
		mem = memory.NewInMemStore(cfg.Memory)
	}

	flagRegistry, err := flags.NewRegistry(cfg.FeatureFlags, cfg.Memory.PersistDir)
	if err != nil {
		return nil, fmt.Errorf("init feature flags: %w", err)
	}

	consensusEngine := consensus.NewEngine(cfg.Consensus, cfg.Memory.PersistDir, eventBus)
	plannerEngine := planner.New(int64(cfg.MaxConcurrentRequests), 2, eventBus)
	metaEngine := meta.New(cfg.StrategyDefault)
	tools := toolserver.NewClient(cfg.Backends.ToolServer, cfg.Capabilities)
	local := reasoner.New(cfg.Backends.LocalReasoner)

	orch := orchestrator.New(cfg, metaEngine, consensusEngine, tools, local, mem, eventBus)

	// Cross-component hooks: completed queries and closed decisions are
	// observed for logging today; subscribers are registered here, at
	// startup.
	eventBus.Subscribe("audit", bus.TopicQueryProcessed, 64, func(evt bus.Event) {
		log.Debug().Interface("data", evt.Data).Msg("query processed")
	})
	eventBus.Subscribe("audit", bus.TopicConsensusClosed, 64, func(evt bus.Event) {
		log.Debug().Interface("data", evt.Data).Msg("consensus closed")
	})

	h := handlers.New(cfg, orch, plannerEngine, consensusEngine, tools, local, mem, flagRegistry)
	router := api.NewRouter(cfg, h)

	// Scheduled memory consolidation.
	c := cron.New()
	if cfg.Memory.ConsolidateSchedule != "" {
		_, err := c.AddFunc(cfg.Memory.ConsolidateSchedule, func() {
			result, err := mem.Consolidate(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("Scheduled consolidation failed")
				return
			}
			eventBus.Publish(bus.TopicMemoryConsolidated, "server", map[string]any{
				"promoted": result.Promoted,
				"expired":  result.Expired,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("schedule consolidation (%q): %w", cfg.Memory.ConsolidateSchedule, err)
		}
		c.Start()
	}

	log.Info().
		Str("listen", cfg.ListenAddress).
		Str("memory_backend", cfg.Memory.Backend).
		Bool("local_reasoner", local.Available()).
		Msg("HLCS core initialized")

	return &Server{
		Handler:      router,
		Config:       cfg,
		Orchestrator: orch,
		Tools:        tools,
		Memory:       mem,
		bus:          eventBus,
		flags:        flagRegistry,
		cron:         c,
		shutdown:     shutdownTelemetry,
	}, nil
}

// Close drains in-flight work and releases resources.
func (s *Server) Close(ctx context.Context) error {
	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	s.Orchestrator.Drain()
	s.flags.Close()
	s.bus.Close()
	if err := s.Memory.Close(); err != nil {
		log.Warn().Err(err).Msg("Memory store close failed")
	}
	return s.shutdown(ctx)
}
