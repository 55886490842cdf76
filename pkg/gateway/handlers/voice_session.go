package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/core/pool"
	"github.com/vango-go/vai-switchboard/pkg/core/telemetry"
	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
	"github.com/vango-go/vai-switchboard/pkg/gateway/store"
	"github.com/vango-go/vai-switchboard/pkg/gateway/tools"
)

// SessionParams describe one accepted hello.
type SessionParams struct {
	SessionID string
	Agent     string
	Profile   audio.Profile
}

// VoiceSession is the per-connection runtime a SessionFactory builds.
type VoiceSession struct {
	Orchestrator *session.Orchestrator
	Bridge       *audio.Bridge
	Agent        string
	// Release runs after the session ends.
	Release func()
}

type SessionFactory interface {
	NewSession(ctx context.Context, p SessionParams) (*VoiceSession, error)
}

type DialFunc func(ctx context.Context, cfg realtime.Config) (realtime.Conn, error)

// SessionBuilder dials the dialogue provider and assembles the bridge and
// orchestrator for each connection.
type SessionBuilder struct {
	Config   config.Config
	Registry *agents.Registry
	// Pool is required when Config.SynthesizeSpeech is set.
	Pool        *pool.Pool
	PoolMetrics *pool.Metrics
	Tools       tools.Executor
	Store       store.Store
	Bus         *messenger.Bus
	Metrics     *telemetry.Metrics
	Sinks       []telemetry.Sink
	Tracer      trace.Tracer
	Logger      *slog.Logger
	// Dial defaults to realtime.Dial.
	Dial DialFunc
}

func (b *SessionBuilder) NewSession(ctx context.Context, p SessionParams) (*VoiceSession, error) {
	if b.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if b.Config.SynthesizeSpeech && b.Pool == nil {
		return nil, fmt.Errorf("speech synthesis requires a speech pool")
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	startAgent := p.Agent
	if startAgent == "" {
		startAgent = b.Config.StartAgent
	}
	if startAgent == "" {
		startAgent = b.Registry.Default().Name
	}
	if _, err := b.Registry.GetAgent(startAgent); err != nil {
		return nil, err
	}

	var handles audio.HandlePool
	if b.Pool != nil {
		handles = b.Pool
	}
	bridge := audio.NewBridge(audio.Config{
		SessionID:     p.SessionID,
		Profile:       p.Profile,
		Pool:          handles,
		Logger:        logger,
		Metrics:       b.PoolMetrics,
		WarmUpTimeout: b.Config.PoolWarmUpTimeout,
		SendQueue:     b.Config.AudioSendQueue,
		PlaybackQueue: b.Config.AudioPlaybackQueue,
	})

	dial := b.Dial
	if dial == nil {
		dial = dialRealtime
	}
	conn, err := dial(ctx, realtime.Config{
		URL:          b.Config.RealtimeURL,
		APIKey:       b.Config.RealtimeAPIKey,
		Model:        b.Config.RealtimeModel,
		Logger:       logger.With("session_id", p.SessionID),
		WriteTimeout: b.Config.VoiceWriteTimeout,
		PingInterval: b.Config.VoicePingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime provider: %w", err)
	}

	var msgr messenger.Messenger = messenger.Nop{}
	if b.Bus != nil {
		msgr = b.Bus.For(p.SessionID)
	}
	o, err := session.New(session.Dependencies{
		SessionID:  p.SessionID,
		Conn:       conn,
		Registry:   b.Registry,
		Strategies: Strategies(b.Registry),
		Tools:      b.Tools,
		Messenger:  msgr,
		Bridge:     bridge,
		Store:      b.Store,
		Sinks:      b.Sinks,
		Metrics:    b.Metrics,
		Logger:     logger,
		Tracer:     b.Tracer,
		Config: session.Config{
			StartAgent:       startAgent,
			GreetingTimeout:  b.Config.GreetingTimeout,
			ToolTimeout:      b.Config.ToolTimeout,
			PersistentKeys:   b.Config.PersistentKeys,
			StoreTTL:         b.Config.StoreTTL,
			SynthesizeSpeech: b.Config.SynthesizeSpeech,
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	release := func() {}
	if b.Pool != nil {
		release = func() { b.Pool.ReleaseSession(p.SessionID) }
	}
	return &VoiceSession{Orchestrator: o, Bridge: bridge, Agent: startAgent, Release: release}, nil
}

func dialRealtime(ctx context.Context, cfg realtime.Config) (realtime.Conn, error) {
	c, err := realtime.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Strategies returns the handoff strategies for a registry: tool handoffs
// always, state rules when the registry declares any.
func Strategies(reg *agents.Registry) []handoff.Strategy {
	out := []handoff.Strategy{handoff.NewToolStrategy(reg.HandoffRoutes())}
	rules := reg.StateRules()
	if len(rules) == 0 {
		return out
	}
	converted := make([]handoff.StateRule, 0, len(rules))
	for _, r := range rules {
		rule := handoff.StateRule{
			Name:   r.Name,
			Key:    r.Key,
			When:   handoff.ChangedTo,
			Target: r.Target,
			Routes: r.Routes,
			Reason: r.Reason,
		}
		if r.When == agents.WhenBecameTrue {
			rule.When = handoff.BecameTrue
		}
		converted = append(converted, rule)
	}
	return append(out, handoff.NewStateStrategy(converted...))
}
