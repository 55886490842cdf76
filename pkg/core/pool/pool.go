// Package pool hands out pre-initialized speech engine handles to live
// sessions, bounding both the warm set and the temporary fallback handles.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolExhausted = errors.New("speech pool exhausted")
	ErrWarmUpTimeout = errors.New("voice warm-up timed out")
	ErrNotOwner      = errors.New("handle is not owned by session")
	ErrClosed        = errors.New("speech pool closed")
	ErrUnknownKind   = errors.New("unknown handle kind")
)

type Stats struct {
	Free      int
	InUse     int
	Temporary int
	Creating  int
}

// Warm is the number of warm handles counted against the high watermark.
func (s Stats) Warm() int {
	return s.Free + s.InUse + s.Creating
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is safe for concurrent use. All membership changes happen under mu.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	kinds  map[Kind]*kindState
	closed bool

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

type kindState struct {
	kind     Kind
	cfg      KindConfig
	free     []*Entry
	inUse    map[string]*Entry
	affinity map[string]*Entry
	waiters  []*waiter
	creating int
	temp     *semaphore.Weighted
	tempOut  int
}

type waiter struct {
	sessionID string
	ch        chan *Entry
}

func New(factory Factory, cfg Config, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("pool factory is required")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  slog.Default(),
		now:     time.Now,
		kinds:   make(map[Kind]*kindState, len(cfg.Kinds)),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for kind, kc := range cfg.Kinds {
		p.kinds[kind] = &kindState{
			kind:     kind,
			cfg:      kc,
			inUse:    make(map[string]*Entry),
			affinity: make(map[string]*Entry),
			temp:     semaphore.NewWeighted(int64(kc.MaxTemporary)),
		}
	}
	return p, nil
}

func (p *Pool) Config() Config { return p.cfg }

// Start pre-warms every kind up to its low watermark and launches the
// background refresher. Creation failures are logged; the pool stays usable
// and the refresher keeps trying.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.refresh(ctx)
	p.startOnce.Do(func() {
		go p.refreshLoop()
	})
	return nil
}

// AcquireForSession returns a handle for sessionID. Precedence: the handle
// reserved for this session, any free warm handle, a warm handle released or
// created within AcquireTimeout, a temporary handle. When all of those fail
// the error wraps ErrPoolExhausted.
func (p *Pool) AcquireForSession(ctx context.Context, sessionID string, kind Kind) (*Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	ks, ok := p.kinds[kind]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if e := ks.takeFree(sessionID); e != nil {
		p.checkout(ks, e, sessionID)
		p.mu.Unlock()
		p.kickRefresh()
		p.metrics.acquired(kind, e.tier, p.now().Sub(start))
		return e, nil
	}
	w := &waiter{sessionID: sessionID, ch: make(chan *Entry, 1)}
	ks.waiters = append(ks.waiters, w)
	p.mu.Unlock()
	p.kickRefresh()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case e, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		p.metrics.acquired(kind, e.tier, p.now().Sub(start))
		return e, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	removed := ks.removeWaiter(w)
	p.mu.Unlock()
	if !removed {
		// Served between the timeout and the removal.
		e, ok := <-w.ch
		if !ok {
			return nil, ErrClosed
		}
		p.metrics.acquired(kind, e.tier, p.now().Sub(start))
		return e, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, err := p.acquireTemporary(ctx, ks, sessionID)
	if err != nil {
		return nil, err
	}
	p.metrics.acquired(kind, e.tier, p.now().Sub(start))
	return e, nil
}

func (p *Pool) acquireTemporary(ctx context.Context, ks *kindState, sessionID string) (*Entry, error) {
	if !ks.temp.TryAcquire(1) {
		p.metrics.exhausted(ks.kind)
		return nil, fmt.Errorf("%w: kind=%s no warm handle within %s and %d temporary handles in use", ErrPoolExhausted, ks.kind, p.cfg.AcquireTimeout, ks.cfg.MaxTemporary)
	}
	h, err := p.create(ctx, ks.kind)
	if err != nil {
		ks.temp.Release(1)
		return nil, fmt.Errorf("create temporary %s handle: %w", ks.kind, err)
	}
	e := newEntry(uuid.NewString(), ks.kind, h, TierTemporary, p.now())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ks.temp.Release(1)
		_ = h.Close()
		return nil, ErrClosed
	}
	e.owner = sessionID
	ks.inUse[e.ID] = e
	ks.tempOut++
	st := ks.stats()
	p.mu.Unlock()

	p.metrics.observeStats(ks.kind, st)
	p.logger.Warn("speech pool fallback to temporary handle", "kind", ks.kind, "session_id", sessionID, "handle_id", e.ID)
	return e, nil
}

// Release returns a handle. Temporary handles are closed; warm handles go back
// to the free set and stay reserved for sessionID until another session needs
// them or ReleaseSession is called.
func (p *Pool) Release(sessionID string, e *Entry) error {
	if e == nil {
		return nil
	}
	p.mu.Lock()
	ks, ok := p.kinds[e.Kind]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if e.owner != sessionID {
		p.mu.Unlock()
		return fmt.Errorf("%w: handle=%s session=%s", ErrNotOwner, e.ID, sessionID)
	}
	delete(ks.inUse, e.ID)
	e.owner = ""
	e.lastUsed = p.now()

	if e.tier == TierTemporary {
		ks.tempOut--
		st := ks.stats()
		p.mu.Unlock()
		ks.temp.Release(1)
		p.closeHandle(e)
		p.metrics.observeStats(ks.kind, st)
		return nil
	}

	if p.closed || p.expired(e) {
		wasClosed := p.closed
		ks.dropAffinity(e)
		st := ks.stats()
		p.mu.Unlock()
		if !wasClosed {
			p.metrics.retired(ks.kind, 1)
		}
		p.closeHandle(e)
		p.metrics.observeStats(ks.kind, st)
		p.kickRefresh()
		return nil
	}

	ks.reserve(sessionID, e)
	p.deliverOrPark(ks, e)
	st := ks.stats()
	p.mu.Unlock()
	p.metrics.observeStats(ks.kind, st)
	return nil
}

// ReleaseSession forgets every reservation held by sessionID.
func (p *Pool) ReleaseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ks := range p.kinds {
		if e, ok := ks.affinity[sessionID]; ok {
			if e.reservedFor == sessionID {
				e.reservedFor = ""
			}
			delete(ks.affinity, sessionID)
		}
	}
}

func (p *Pool) Stats(kind Kind) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.kinds[kind]
	if !ok {
		return Stats{}
	}
	return ks.stats()
}

func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var toClose []*Entry
		for _, ks := range p.kinds {
			toClose = append(toClose, ks.free...)
			ks.free = nil
			ks.affinity = make(map[string]*Entry)
			for _, w := range ks.waiters {
				close(w.ch)
			}
			ks.waiters = nil
		}
		p.mu.Unlock()

		close(p.stop)
		p.startOnce.Do(func() { close(p.done) })
		<-p.done

		for _, e := range toClose {
			p.closeHandle(e)
		}
	})
	return nil
}

func (p *Pool) kickRefresh() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pool) refreshLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		case <-p.kick:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-p.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		p.refresh(ctx)
		cancel()
	}
}

// refresh retires free handles past MaxHandleAge or idle past MaxIdle and tops every kind up to its low
// watermark without exceeding the high watermark. Creation runs outside the
// lock so callers never wait on it beyond their own acquire timeout.
func (p *Pool) refresh(ctx context.Context) {
	type plan struct {
		ks *kindState
		n  int
	}
	var plans []plan
	var retired []*Entry

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for _, ks := range p.kinds {
		kept := ks.free[:0]
		stale := 0
		for _, e := range ks.free {
			if p.expired(e) || p.idle(e) {
				ks.dropAffinity(e)
				retired = append(retired, e)
				stale++
				continue
			}
			kept = append(kept, e)
		}
		ks.free = kept
		p.metrics.retired(ks.kind, stale)

		want := ks.cfg.LowWatermark - len(ks.free) - ks.creating
		if w := len(ks.waiters) - ks.creating; w > want {
			want = w
		}
		room := ks.cfg.HighWatermark - ks.stats().Warm()
		if want > room {
			want = room
		}
		if want > 0 {
			ks.creating += want
			plans = append(plans, plan{ks: ks, n: want})
		}
	}
	p.mu.Unlock()

	for _, e := range retired {
		p.closeHandle(e)
	}

	var g errgroup.Group
	for _, pl := range plans {
		for i := 0; i < pl.n; i++ {
			ks := pl.ks
			g.Go(func() error {
				h, err := p.create(ctx, ks.kind)
				p.addWarm(ks, h, err)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *Pool) addWarm(ks *kindState, h Handle, createErr error) {
	p.mu.Lock()
	ks.creating--
	if createErr != nil {
		st := ks.stats()
		p.mu.Unlock()
		p.metrics.observeStats(ks.kind, st)
		p.logger.Warn("speech pool handle creation failed", "kind", ks.kind, "error", createErr)
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	e := newEntry(uuid.NewString(), ks.kind, h, TierWarm, p.now())
	p.deliverOrPark(ks, e)
	st := ks.stats()
	p.mu.Unlock()
	p.metrics.observeStats(ks.kind, st)
}

func (p *Pool) create(ctx context.Context, kind Kind) (Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	h, err := p.factory(cctx, kind)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("factory returned nil %s handle", kind)
	}
	return h, nil
}

// deliverOrPark hands e to the oldest waiter or parks it in the free set.
// Caller holds p.mu.
func (p *Pool) deliverOrPark(ks *kindState, e *Entry) {
	if len(ks.waiters) == 0 {
		ks.free = append(ks.free, e)
		return
	}
	idx := 0
	if e.reservedFor != "" {
		for i, w := range ks.waiters {
			if w.sessionID == e.reservedFor {
				idx = i
				break
			}
		}
	}
	w := ks.waiters[idx]
	ks.waiters = append(ks.waiters[:idx], ks.waiters[idx+1:]...)
	p.checkout(ks, e, w.sessionID)
	w.ch <- e
}

// checkout marks e as owned by sessionID. Caller holds p.mu.
func (p *Pool) checkout(ks *kindState, e *Entry, sessionID string) {
	if e.reservedFor != "" && e.reservedFor == sessionID {
		e.tier = TierDedicated
	} else {
		if e.reservedFor != "" {
			delete(ks.affinity, e.reservedFor)
			e.reservedFor = ""
		}
		e.tier = TierWarm
	}
	e.owner = sessionID
	e.lastUsed = p.now()
	ks.inUse[e.ID] = e
}

func (p *Pool) expired(e *Entry) bool {
	return p.now().Sub(e.createdAt) > p.cfg.MaxHandleAge
}

func (p *Pool) idle(e *Entry) bool {
	return p.now().Sub(e.lastUsed) > p.cfg.MaxIdle
}

func (p *Pool) closeHandle(e *Entry) {
	if e == nil || e.Handle == nil {
		return
	}
	if err := e.Handle.Close(); err != nil {
		p.logger.Debug("speech pool handle close failed", "kind", e.Kind, "handle_id", e.ID, "error", err)
	}
}

// takeFree pops the session's reserved handle if idle, otherwise an
// unreserved idle handle, otherwise any idle handle (stealing the reservation).
func (ks *kindState) takeFree(sessionID string) *Entry {
	if len(ks.free) == 0 {
		return nil
	}
	if e, ok := ks.affinity[sessionID]; ok {
		for i, f := range ks.free {
			if f == e {
				ks.free = append(ks.free[:i], ks.free[i+1:]...)
				return e
			}
		}
	}
	for i, f := range ks.free {
		if f.reservedFor == "" {
			ks.free = append(ks.free[:i], ks.free[i+1:]...)
			return f
		}
	}
	e := ks.free[0]
	ks.free = ks.free[1:]
	return e
}

func (ks *kindState) reserve(sessionID string, e *Entry) {
	if sessionID == "" {
		return
	}
	if prev, ok := ks.affinity[sessionID]; ok && prev != e && prev.reservedFor == sessionID {
		prev.reservedFor = ""
	}
	if e.reservedFor != "" && e.reservedFor != sessionID {
		delete(ks.affinity, e.reservedFor)
	}
	e.reservedFor = sessionID
	ks.affinity[sessionID] = e
}

func (ks *kindState) dropAffinity(e *Entry) {
	if e.reservedFor != "" {
		if cur, ok := ks.affinity[e.reservedFor]; ok && cur == e {
			delete(ks.affinity, e.reservedFor)
		}
		e.reservedFor = ""
	}
}

func (ks *kindState) removeWaiter(w *waiter) bool {
	for i, cur := range ks.waiters {
		if cur == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (ks *kindState) stats() Stats {
	return Stats{
		Free:      len(ks.free),
		InUse:     len(ks.inUse) - ks.tempOut,
		Temporary: ks.tempOut,
		Creating:  ks.creating,
	}
}
