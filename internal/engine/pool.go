package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the parameters for a Pool.  Size is required.
type Config struct {
	// Size is the maximum number of engines alive and leased at once.
	Size int

	// LeaseTTL bounds how long a lease may be held.  The watchdog closes
	// the engine of any lease held longer and reclaims its slot.  Zero
	// disables the watchdog.
	LeaseTTL time.Duration

	// WatchdogInterval is how often leases are checked.  Defaults to a
	// quarter of LeaseTTL.
	WatchdogInterval time.Duration

	// StartTimeout bounds engine startup inside Acquire.  Defaults to 30s.
	StartTimeout time.Duration

	// MaxRenders recycles an engine after this many successful renders.
	// Zero means never.
	MaxRenders int

	Logger zerolog.Logger
}

type instance struct {
	engine  Engine
	created time.Time
	renders int
}

// Lease is exclusive use of one engine.  Exactly one of Release or the
// watchdog ends a lease; later calls are no-ops.
type Lease struct {
	id         uint64
	inst       *instance
	acquiredAt time.Time
	deadline   time.Time

	unhealthy atomic.Bool
	expired   atomic.Bool
	released  atomic.Bool
}

// Engine returns the leased engine.
func (l *Lease) Engine() Engine { return l.inst.engine }

// EngineID returns the ID of the leased engine.
func (l *Lease) EngineID() string { return l.inst.engine.ID() }

// MarkUnhealthy flags the engine so Release destroys it even when the
// caller reports success.
func (l *Lease) MarkUnhealthy() { l.unhealthy.Store(true) }

// Healthy reports whether the engine may be reused.
func (l *Lease) Healthy() bool { return !l.unhealthy.Load() && !l.expired.Load() }

// Expired reports whether the watchdog reclaimed this lease.
func (l *Lease) Expired() bool { return l.expired.Load() }

// Deadline is the time after which the watchdog reclaims the lease.  Zero
// when the watchdog is disabled.
func (l *Lease) Deadline() time.Time { return l.deadline }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size   int  `json:"size"`
	Live   int  `json:"live"`
	Idle   int  `json:"idle"`
	Leased int  `json:"leased"`
	Closed bool `json:"closed"`
}

// Pool is a fixed-size set of rendering engines.  It is safe for
// concurrent use.  Engines are started lazily on demand, never more than
// Size at a time.
type Pool struct {
	factory Factory
	cfg     Config
	log     zerolog.Logger

	// slots is a counting semaphore: a lease holds one token.
	slots   chan struct{}
	closing chan struct{}
	drained chan struct{}

	mu        sync.Mutex
	idle      []*instance
	leases    map[uint64]*Lease
	live      int
	pending   int // leases handed out or being set up
	nextLease uint64
	closed    bool

	drainOnce    sync.Once
	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// NewPool creates a pool.  No engine is started until the first Acquire.
func NewPool(factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine: factory is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("engine: pool size must be positive, got %d", cfg.Size)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL > 0 && cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = cfg.LeaseTTL / 4
		if cfg.WatchdogInterval < 10*time.Millisecond {
			cfg.WatchdogInterval = 10 * time.Millisecond
		}
	}
	p := &Pool{
		factory: factory,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "engine_pool").Logger(),
		slots:   make(chan struct{}, cfg.Size),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
		leases:  make(map[uint64]*Lease),
	}
	if cfg.LeaseTTL > 0 {
		p.watchdogStop = make(chan struct{})
		p.watchdogDone = make(chan struct{})
		go p.watchdog()
	}
	p.log.Info().Int("size", cfg.Size).Dur("lease_ttl", cfg.LeaseTTL).Msg("rendering pool created")
	return p, nil
}

// Acquire leases an engine, waiting up to timeout for one to free up.  It
// returns ErrPoolExhausted on timeout, ErrPoolClosed after Shutdown and
// ctx.Err() when ctx ends first.  A zero timeout waits on ctx alone.
//
// The caller must Release the lease:
//
//	lease, err := pool.Acquire(ctx, timeout)
//	if err != nil {
//	    return err
//	}
//	defer pool.Release(lease, lease.Healthy())
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	select {
	case <-p.closing:
		return nil, ErrPoolClosed
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case p.slots <- struct{}{}:
	case <-p.closing:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, fmt.Errorf("%w: no engine free after %s", ErrPoolExhausted, timeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	var inst *instance
	if n := len(p.idle); n > 0 {
		inst = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		p.live++
	}
	p.pending++
	p.mu.Unlock()

	if inst == nil {
		eng, err := p.start(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.pending--
			p.mu.Unlock()
			<-p.slots
			p.checkDrained()
			return nil, err
		}
		inst = &instance{engine: eng, created: time.Now()}
	}

	now := time.Now()
	lease := &Lease{inst: inst, acquiredAt: now}
	if p.cfg.LeaseTTL > 0 {
		lease.deadline = now.Add(p.cfg.LeaseTTL)
	}

	p.mu.Lock()
	if p.closed {
		// Shutdown raced with startup; the engine was never handed out.
		p.live--
		p.pending--
		p.mu.Unlock()
		<-p.slots
		go p.destroy(inst, "pool closed during acquire")
		p.checkDrained()
		return nil, ErrPoolClosed
	}
	p.nextLease++
	lease.id = p.nextLease
	p.leases[lease.id] = lease
	p.mu.Unlock()
	return lease, nil
}

func (p *Pool) start(ctx context.Context) (Engine, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()
	started := time.Now()
	eng, err := p.factory(sctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Error().Err(err).Msg("engine start failed")
		return nil, fmt.Errorf("%w: %v", ErrEngineStart, err)
	}
	p.log.Info().Str("engine_id", eng.ID()).Dur("startup", time.Since(started)).Msg("engine started")
	return eng, nil
}

// Release ends a lease.  A healthy engine returns to the idle set; an
// unhealthy one is closed in the background without blocking the caller.
// Releasing the same lease twice is a no-op.
func (p *Pool) Release(lease *Lease, healthy bool) {
	if lease == nil || !lease.released.CompareAndSwap(false, true) {
		return
	}
	healthy = healthy && lease.Healthy()

	p.mu.Lock()
	delete(p.leases, lease.id)
	p.pending--
	reason := ""
	switch {
	case !healthy:
		reason = "released unhealthy"
	case p.closed:
		reason = "pool closed"
	case p.cfg.MaxRenders > 0 && lease.inst.renders+1 >= p.cfg.MaxRenders:
		reason = "render limit reached"
	}
	if reason == "" {
		lease.inst.renders++
		p.idle = append(p.idle, lease.inst)
	} else {
		p.live--
	}
	p.mu.Unlock()
	<-p.slots

	if reason != "" {
		go p.destroy(lease.inst, reason)
	}
	p.checkDrained()
}

func (p *Pool) destroy(inst *instance, reason string) {
	id := inst.engine.ID()
	if err := inst.engine.Close(); err != nil {
		p.log.Warn().Err(err).Str("engine_id", id).Str("reason", reason).Msg("engine close failed")
		return
	}
	p.log.Info().Str("engine_id", id).Str("reason", reason).Int("renders", inst.renders).Msg("engine destroyed")
}

func (p *Pool) checkDrained() {
	p.mu.Lock()
	done := p.closed && p.pending == 0
	p.mu.Unlock()
	if done {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// watchdog reclaims leases held past their deadline.  Their engines are
// presumed hung: closing them aborts the render in flight and the holder's
// eventual Release becomes a no-op.
func (p *Pool) watchdog() {
	defer close(p.watchdogDone)
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.watchdogStop:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			var overdue []*Lease
			for _, l := range p.leases {
				if !l.deadline.IsZero() && now.After(l.deadline) {
					overdue = append(overdue, l)
				}
			}
			p.mu.Unlock()
			for _, l := range overdue {
				l.expired.Store(true)
				p.log.Warn().Str("engine_id", l.EngineID()).Dur("held", now.Sub(l.acquiredAt)).Msg("lease exceeded ttl, reclaiming engine")
				p.Release(l, false)
			}
		}
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:   p.cfg.Size,
		Live:   p.live,
		Idle:   len(p.idle),
		Leased: len(p.leases),
		Closed: p.closed,
	}
}

// Shutdown stops handing out engines, waits for outstanding leases until
// ctx is done, then closes every engine.  Leases still held when ctx
// expires have their engines closed underneath them.  Safe to call more
// than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()
	p.checkDrained()

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		err = fmt.Errorf("engine: shutdown grace expired: %w", ctx.Err())
	}

	if p.watchdogStop != nil {
		close(p.watchdogStop)
		<-p.watchdogDone
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	forced := make([]*Lease, 0, len(p.leases))
	for _, l := range p.leases {
		forced = append(forced, l)
	}
	p.mu.Unlock()

	for _, inst := range idle {
		p.destroy(inst, "shutdown")
	}
	for _, l := range forced {
		l.expired.Store(true)
		p.log.Warn().Str("engine_id", l.EngineID()).Msg("closing engine of lease held past shutdown")
		p.Release(l, false)
	}
	p.mu.Lock()
	p.live -= len(idle)
	p.mu.Unlock()

	p.log.Info().Int("closed_idle", len(idle)).Int("forced", len(forced)).Msg("rendering pool shut down")
	return err
}
