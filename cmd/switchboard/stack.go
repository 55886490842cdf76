package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/core/telemetry"
	"github.com/vango-go/vai-switchboard/pkg/core/voice/tts"
	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/handlers"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/store"
	"github.com/vango-go/vai-switchboard/pkg/gateway/tools"
)

const metricsNamespace = "switchboard"

// stack holds the process-wide collaborators shared by every session.
type stack struct {
	registry *prometheus.Registry
	agents   *agents.Registry
	pool     *pool.Pool
	store    store.Store
	fallback *store.Fallback
	bus      *messenger.Bus
	builder  *handlers.SessionBuilder

	closers []func() error
}

func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	reg, err := agents.LoadFile(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	if cfg.StartAgent != "" {
		if _, err := reg.GetAgent(cfg.StartAgent); err != nil {
			return nil, fmt.Errorf("SWITCHBOARD_START_AGENT: %w", err)
		}
	}

	s := &stack{registry: prometheus.NewRegistry(), agents: reg}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	turnMetrics := telemetry.NewMetrics(metricsNamespace, s.registry)
	poolMetrics := pool.NewMetrics(metricsNamespace, s.registry)

	memory := store.NewMemoryStore(cfg.StoreTTL)
	s.store = memory
	if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("SWITCHBOARD_REDIS_URL: %w", err)
		}
		s.closers = append(s.closers, rdb.Close)
		s.fallback = store.NewFallback(store.NewRedisStore(rdb, cfg.StorePrefix), memory, logger)
		s.store = s.fallback
	}

	toolRegistry := tools.NewRegistry(cfg.ToolTimeout)
	if cfg.ToolWebhookURL != "" {
		toolRegistry.Fallback = tools.NewWebhook(cfg.ToolWebhookURL, cfg.ToolWebhookToken, &http.Client{Timeout: cfg.ToolTimeout})
	}

	if cfg.SynthesizeSpeech {
		factory := tts.NewLiveConnFactory(tts.LiveConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseWSURL:    cfg.ElevenLabsBaseURL,
			DefaultVoice: cfg.ElevenLabsVoice,
			ModelID:      cfg.ElevenLabsModel,
			SampleRate:   cfg.Profile().SampleRate,
			Logger:       logger,
		})
		p, err := pool.New(factory, cfg.Pool(), pool.WithLogger(logger), pool.WithMetrics(poolMetrics))
		if err != nil {
			s.close()
			return nil, fmt.Errorf("speech pool: %w", err)
		}
		s.closers = append(s.closers, p.Close)
		if err := p.Start(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("start speech pool: %w", err)
		}
		s.pool = p
	}

	s.bus = messenger.NewBus(logger)
	s.closers = append(s.closers, s.bus.Close)

	s.builder = &handlers.SessionBuilder{
		Config:      cfg,
		Registry:    reg,
		Pool:        s.pool,
		PoolMetrics: poolMetrics,
		Tools:       toolRegistry,
		Store:       s.store,
		Bus:         s.bus,
		Metrics:     turnMetrics,
		Logger:      logger,
	}
	return s, nil
}

// close releases resources in reverse order of creation.
func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}
