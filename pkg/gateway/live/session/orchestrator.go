// Package session runs the per-connection state machine: which agent is
// active, when control moves between agents, and how tool calls, greetings
// and responses are ordered against the provider connection.
//
// All state is owned by the goroutine running Run. Other goroutines (tool
// workers, timers, audio workers) hand results back with Post.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/core/telemetry"
	"github.com/vango-go/vai-switchboard/pkg/gateway/messenger"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
	"github.com/vango-go/vai-switchboard/pkg/gateway/store"
	"github.com/vango-go/vai-switchboard/pkg/gateway/tools"
)

var (
	ErrSwitchInProgress       = errors.New("agent switch already in progress")
	ErrMalformedToolArguments = errors.New("malformed tool arguments")
	ErrClosed                 = errors.New("session closed")
)

const (
	defaultGreetingTimeout = 1500 * time.Millisecond
	defaultPostQueue       = 64
	storeTimeout           = 2 * time.Second
	tracerName             = "github.com/vango-go/vai-switchboard/pkg/gateway/live/session"
)

type State int

const (
	StateInitializing State = iota
	StateAgentActive
	StateSwitching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAgentActive:
		return "agent_active"
	case StateSwitching:
		return "switching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AudioBridge is the part of *audio.Bridge the orchestrator drives.
type AudioBridge interface {
	Synthesize(ctx context.Context, req audio.SynthesisRequest) (audio.SynthesisResult, error)
	EnqueuePCM(data []byte, responseID string) int
	StopPlayback() int
	PlaybackDepth() int
}

type Config struct {
	// StartAgent defaults to the registry default.
	StartAgent      string
	GreetingTimeout time.Duration
	ToolTimeout     time.Duration
	PersistentKeys  []string
	StoreTTL        time.Duration
	// SynthesizeSpeech asks the provider for text only and voices it through
	// the bridge's speech pool. Otherwise provider audio is played as-is.
	SynthesizeSpeech bool
	PostQueue        int
}

type Dependencies struct {
	SessionID  string
	Conn       realtime.Conn
	Registry   *agents.Registry
	Strategies []handoff.Strategy
	Tools      tools.Executor
	Messenger  messenger.Messenger
	Bridge     AudioBridge
	Store      store.Store
	Sinks      []telemetry.Sink
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Config     Config
	Now        func() time.Time
}

type pendingGreeting struct {
	agent string
	text  string
}

type Orchestrator struct {
	sessionID  string
	conn       realtime.Conn
	registry   *agents.Registry
	strategies []handoff.Strategy
	tools      tools.Executor
	messenger  messenger.Messenger
	bridge     AudioBridge
	store      store.Store
	sinks      []telemetry.Sink
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	cfg        Config
	tracker    *telemetry.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	posted chan func()

	workers      errgroup.Group
	running      atomic.Bool
	opened       atomic.Bool
	closeOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}

	switching atomic.Bool
	greeting  atomic.Pointer[pendingGreeting]
	greetMu   sync.Mutex
	greetStop func() bool

	canceled canceledResponses

	// Guarded by mu for Snapshot; written only on the loop goroutine.
	mu               sync.RWMutex
	state            State
	active           string
	visited          map[string]bool
	vars             handoff.Variables
	lastUtterance    string
	activeResponseID string

	// Loop-only.
	createInFlight bool
	staleCreate    bool
	pendingCreate  *realtime.ResponseOptions
}

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("provider connection is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Messenger == nil {
		deps.Messenger = messenger.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Config.GreetingTimeout <= 0 {
		deps.Config.GreetingTimeout = defaultGreetingTimeout
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = tools.DefaultTimeout
	}
	if deps.Config.PersistentKeys == nil {
		deps.Config.PersistentKeys = handoff.DefaultPersistentKeys
	}
	if deps.Config.StoreTTL <= 0 {
		deps.Config.StoreTTL = store.DefaultTTL
	}
	if deps.Config.PostQueue <= 0 {
		deps.Config.PostQueue = defaultPostQueue
	}
	if deps.Config.StartAgent != "" {
		if _, err := deps.Registry.GetAgent(deps.Config.StartAgent); err != nil {
			return nil, fmt.Errorf("start agent: %w", err)
		}
	}
	if deps.Config.SynthesizeSpeech && deps.Bridge == nil {
		return nil, fmt.Errorf("speech synthesis requires an audio bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		sessionID:  deps.SessionID,
		conn:       deps.Conn,
		registry:   deps.Registry,
		strategies: deps.Strategies,
		tools:      deps.Tools,
		messenger:  deps.Messenger,
		bridge:     deps.Bridge,
		store:      deps.Store,
		sinks:      deps.Sinks,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		tracer:     deps.Tracer,
		cfg:        deps.Config,
		tracker:    telemetry.NewTracker(deps.Now),
		ctx:        ctx,
		cancel:     cancel,
		posted:     make(chan func(), deps.Config.PostQueue),
		done:       make(chan struct{}),
		visited:    make(map[string]bool),
		vars:       handoff.Variables{},
	}
	o.canceled.init()
	return o, nil
}

// Run drives the session until ctx ends, Close is called or the provider
// connection closes. Provider events and posted continuations are handled
// strictly one at a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s is already running", o.sessionID)
	}
	defer o.shutdown()

	events := o.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				o.logger.Info("provider connection closed")
				return nil
			}
			o.safeHandle(ev)
		case fn := <-o.posted:
			o.safeRun(fn)
		}
	}
}

// Post schedules fn on the loop goroutine. It reports false once the
// session has shut down.
func (o *Orchestrator) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-o.ctx.Done():
		return false
	default:
	}
	select {
	case o.posted <- fn:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// Close ends the session. It is safe to call more than once and from any
// goroutine; Run returns after the shutdown sequence completes.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.cancel()
		if !o.running.Load() {
			o.shutdown()
		}
	})
	return nil
}

// Done is closed after shutdown.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) shutdown() {
	o.shutdownOnce.Do(func() {
		o.cancel()
		o.cancelGreeting()
		if o.bridge != nil {
			o.bridge.StopPlayback()
		}
		o.flushTurnRecord()
		_ = o.workers.Wait()

		// A session that never started has nothing worth persisting.
		if o.opened.Load() {
			o.mu.RLock()
			vars := o.vars.Clone()
			o.mu.RUnlock()
			o.saveProfile(vars)
		}

		o.setState(StateClosed)
		if o.opened.Load() {
			o.metrics.SessionClosed()
		}
		if err := o.conn.Close(); err != nil {
			o.logger.Debug("provider close failed", "error", err)
		}
		close(o.done)
		o.logger.Info("session closed")
	})
}

func (o *Orchestrator) safeHandle(ev realtime.Event) {
	defer o.recoverTurn("event", string(ev.Type))
	o.HandleEvent(ev)
}

func (o *Orchestrator) safeRun(fn func()) {
	defer o.recoverTurn("continuation", "")
	fn()
}

// recoverTurn keeps a single failing turn from tearing the session down.
func (o *Orchestrator) recoverTurn(kind, detail string) {
	if r := recover(); r != nil {
		o.logger.Error("turn handler panicked", "kind", kind, "detail", detail, "panic", r)
		o.reportTurnFailure(fmt.Errorf("internal error: %v", r))
	}
}

// Snapshot is a point-in-time view of session state.
type Snapshot struct {
	SessionID         string
	State             State
	ActiveAgent       string
	VisitedAgents     []string
	ActiveResponseID  string
	PendingGreeting   string
	LastUserUtterance string
	Variables         handoff.Variables
}

// Snapshot is safe to call from any goroutine.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	visited := make([]string, 0, len(o.visited))
	for name := range o.visited {
		visited = append(visited, name)
	}
	sort.Strings(visited)
	snap := Snapshot{
		SessionID:         o.sessionID,
		State:             o.state,
		ActiveAgent:       o.active,
		VisitedAgents:     visited,
		ActiveResponseID:  o.activeResponseID,
		LastUserUtterance: o.lastUtterance,
		Variables:         o.vars.Clone(),
	}
	if p := o.greeting.Load(); p != nil {
		snap.PendingGreeting = p.agent
	}
	return snap
}

// IsResponseCanceled reports whether audio for responseID must be dropped.
// Safe from any goroutine.
func (o *Orchestrator) IsResponseCanceled(responseID string) bool {
	return o.canceled.has(responseID)
}

func (o *Orchestrator) SessionID() string { return o.sessionID }

// SendAudio forwards one captured frame to the provider. Loop goroutine only;
// capture goroutines reach it through Post.
func (o *Orchestrator) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if err := o.conn.AppendAudio(o.ctx, pcm); err != nil {
		o.logger.Debug("append audio failed", "bytes", len(pcm), "error", err)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setActiveResponse(id string) {
	o.mu.Lock()
	o.activeResponseID = id
	o.mu.Unlock()
}

func (o *Orchestrator) setVars(v handoff.Variables) {
	o.mu.Lock()
	o.vars = v
	o.mu.Unlock()
}

func (o *Orchestrator) flushTurnRecord() {
	if o.active == "" || !o.tracker.HasActivity() {
		o.tracker.Flush(o.active)
		return
	}
	rec := o.tracker.Flush(o.active)
	o.logger.Info("turn record",
		"agent", rec.Agent,
		"turns", rec.Turns,
		"responses", rec.ResponseCount,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
		"ttft_ms", rec.TTFT.Milliseconds(),
		"duration_ms", rec.Duration.Milliseconds(),
	)
	sinks := o.sinks
	if o.metrics != nil {
		sinks = append(append([]telemetry.Sink(nil), sinks...), o.metrics)
	}
	telemetry.Emit(o.logger, rec, sinks...)
}

func (o *Orchestrator) saveProfile(vars handoff.Variables) {
	if o.store == nil || o.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.Save(ctx, o.sessionID, vars, o.cfg.StoreTTL); err != nil {
		o.logger.Warn("profile store save failed", "error", err)
	}
}

// persistAsync saves a copy of vars without blocking the loop.
func (o *Orchestrator) persistAsync(vars handoff.Variables) {
	if o.store == nil || o.sessionID == "" {
		return
	}
	snapshot := vars.Clone()
	o.workers.Go(func() error {
		o.saveProfile(snapshot)
		return nil
	})
}

func (o *Orchestrator) loadProfile() handoff.Variables {
	if o.store == nil || o.sessionID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(o.ctx, storeTimeout)
	defer cancel()
	vars, err := o.store.Load(ctx, o.sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("profile store load failed", "error", err)
		}
		return nil
	}
	return handoff.Variables(vars)
}
