// Package pool keeps a bounded set of connected agent clients and lends them
// to sessions.
//
// The pool is the only owner of Connect and Disconnect for the clients it
// manages. Both always run on contexts derived from the pool's own lifetime,
// never from a caller's request context, and leases do not expose
// Disconnect.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type entry struct {
	id             string
	client         agent.Client
	acquired       bool
	holder         string
	createdAt      time.Time
	lastReleasedAt time.Time
	acquireCount   uint64
	errorCount     uint64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total    int  `json:"total"`
	Acquired int  `json:"acquired"`
	Idle     int  `json:"idle"`
	Spawning int  `json:"spawning"`
	MaxSize  int  `json:"max_size"`
	Stopped  bool `json:"stopped"`
	Closed   bool `json:"closed"`
}

// Pool lends agent clients to callers.
type Pool struct {
	cfg     Config
	factory agent.Factory
	logger  *slog.Logger

	// lifetime is the lineage for every Connect and Disconnect.
	lifetime context.Context
	end      context.CancelFunc

	mu       sync.Mutex
	entries  []*entry
	spawning int
	// wake is closed and replaced whenever a waiter may make progress.
	wake       chan struct{}
	stopped    bool
	closed     bool
	stopLoops  context.CancelFunc
	loopsGroup sync.WaitGroup
}

// New creates a pool. No clients are connected until Initialize or the first
// Acquire.
func New(cfg Config, factory agent.Factory, logger *slog.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("invalid pool config: nil client factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	lifetime, end := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		logger:   logger.With("component", "agent_pool"),
		lifetime: lifetime,
		end:      end,
		wake:     make(chan struct{}),
	}, nil
}

// Initialize connects clients until the pool holds InitialSize of them and
// starts the health check and idle shrink loops. Connection failures are
// logged and leave the pool under-provisioned. Calling Initialize after a
// soft Shutdown resumes the pool.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.stopped = false
	if p.stopLoops == nil {
		p.startLoopsLocked()
	}
	need := max(0, p.cfg.InitialSize-len(p.entries)-p.spawning)
	p.spawning += need
	p.mu.Unlock()

	var connected atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for range need {
		g.Go(func() error {
			if gctx.Err() != nil {
				p.cancelReservation()
				return nil
			}
			e, err := p.spawn()
			if err != nil {
				p.cancelReservation()
				p.logger.Warn("Pre-warm connection failed", "error", err)
				return nil
			}
			if p.admit(e, "") {
				connected.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := p.Stats()
	p.logger.Info("Agent pool initialized",
		"requested", need,
		"connected", connected.Load(),
		"total", stats.Total,
		"max_size", p.cfg.MaxSize)
	return ctx.Err()
}

// Acquire lends a client to callerID. It reuses an idle client when there is
// one, connects a new one while below MaxSize, and otherwise waits for a
// release for at most MaxAcquireWait.
func (p *Pool) Acquire(ctx context.Context, callerID string) (*Lease, error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.MaxAcquireWait)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrPoolStopped
		}

		if e := p.idleLocked(); e != nil {
			lease := p.lendLocked(e, callerID)
			p.mu.Unlock()
			p.logger.Debug("Lent idle agent client", "entry_id", e.id, "caller_id", callerID)
			return lease, nil
		}

		if len(p.entries)+p.spawning < p.cfg.MaxSize {
			p.spawning++
			p.mu.Unlock()

			e, err := p.spawn()
			if err != nil {
				p.cancelReservation()
				p.logger.Error("Failed to grow agent pool", "caller_id", callerID, "error", err)
				return nil, err
			}
			if !p.admit(e, callerID) {
				return nil, ErrPoolClosed
			}
			p.mu.Lock()
			lease := newLease(p, e, e.acquireCount, callerID)
			p.mu.Unlock()
			p.logger.Info("Lent new agent client", "entry_id", e.id, "caller_id", callerID, "elapsed", time.Since(start))
			return lease, nil
		}

		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			p.logger.Warn("Agent pool exhausted", "caller_id", callerID, "waited", p.cfg.MaxAcquireWait)
			return nil, fmt.Errorf("%w: no client free after %s", ErrPoolExhausted, p.cfg.MaxAcquireWait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a leased client to the pool. Releasing a lease twice, or a
// lease whose entry was already removed, is logged and ignored.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	l.released.Store(true)

	p.mu.Lock()
	e := l.entry
	if !slices.Contains(p.entries, e) {
		p.mu.Unlock()
		p.logger.Warn("Release of unknown agent client ignored", "entry_id", e.id, "caller_id", l.callerID)
		return
	}
	if !e.acquired || e.acquireCount != l.generation {
		p.mu.Unlock()
		p.logger.Warn("Duplicate release ignored", "entry_id", e.id, "caller_id", l.callerID)
		return
	}
	p.mu.Unlock()

	// Clear conversation state before anyone else can take the client.
	resetErr := p.resetState(e)

	p.mu.Lock()
	if !slices.Contains(p.entries, e) || e.acquireCount != l.generation {
		p.mu.Unlock()
		return
	}
	if resetErr != nil {
		e.errorCount++
		p.removeLocked(e)
		p.notifyLocked()
		p.mu.Unlock()
		p.logger.Warn("Dropping agent client that failed to reset", "entry_id", e.id, "error", resetErr)
		p.disconnect(e, "reset failed")
		return
	}
	e.acquired = false
	e.holder = ""
	e.lastReleasedAt = time.Now()
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Debug("Agent client released", "entry_id", e.id, "caller_id", l.callerID)
}

// Shutdown stops the background loops. With force it also disconnects every
// client, including leased ones, and closes the pool for good. Without force
// connections stay open and Initialize resumes the pool.
func (p *Pool) Shutdown(ctx context.Context, force bool) error {
	p.mu.Lock()
	stopLoops := p.stopLoops
	p.stopLoops = nil
	var victims []*entry
	if force {
		p.closed = true
		victims = p.entries
		p.entries = nil
	} else {
		p.stopped = true
	}
	p.notifyLocked()
	p.mu.Unlock()

	if stopLoops != nil {
		stopLoops()
	}
	done := make(chan struct{})
	go func() {
		p.loopsGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Timed out waiting for pool loops", "error", ctx.Err())
	}

	if !force {
		p.logger.Info("Agent pool stopped", "total", len(p.snapshot()))
		return nil
	}

	var g errgroup.Group
	for _, e := range victims {
		g.Go(func() error {
			p.disconnect(e, "shutdown")
			return nil
		})
	}
	_ = g.Wait()
	p.end()

	p.logger.Info("Agent pool closed", "disconnected", len(victims))
	return ctx.Err()
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:    len(p.entries),
		Spawning: p.spawning,
		MaxSize:  p.cfg.MaxSize,
		Stopped:  p.stopped,
		Closed:   p.closed,
	}
	for _, e := range p.entries {
		if e.acquired {
			s.Acquired++
		}
	}
	s.Idle = s.Total - s.Acquired
	return s
}

// spawn creates and connects a client on the pool's lineage.
func (p *Pool) spawn() (*entry, error) {
	client, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: create client: %w", ErrConnectionFailure, err)
	}

	ctx, cancel := context.WithTimeout(p.lifetime, p.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		p.disconnectClient(client)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	now := time.Now()
	return &entry{
		id:             uuid.NewString(),
		client:         client,
		createdAt:      now,
		lastReleasedAt: now,
	}, nil
}

// admit adds a freshly spawned entry and consumes its reservation. A
// non-empty callerID admits it already lent out. It returns false and
// disconnects the entry when the pool was closed meanwhile.
func (p *Pool) admit(e *entry, callerID string) bool {
	p.mu.Lock()
	p.spawning--
	if p.closed {
		p.notifyLocked()
		p.mu.Unlock()
		p.disconnect(e, "pool closed")
		return false
	}
	if callerID != "" {
		e.acquired = true
		e.holder = callerID
		e.acquireCount++
	}
	p.entries = append(p.entries, e)
	p.notifyLocked()
	p.mu.Unlock()
	return true
}

func (p *Pool) cancelReservation() {
	p.mu.Lock()
	p.spawning--
	p.notifyLocked()
	p.mu.Unlock()
}

// idleLocked picks the most recently released idle entry, so rarely used
// entries age out through the shrink loop.
func (p *Pool) idleLocked() *entry {
	var best *entry
	for _, e := range p.entries {
		if e.acquired {
			continue
		}
		if best == nil || e.lastReleasedAt.After(best.lastReleasedAt) {
			best = e
		}
	}
	return best
}

func (p *Pool) lendLocked(e *entry, callerID string) *Lease {
	e.acquired = true
	e.holder = callerID
	e.acquireCount++
	return newLease(p, e, e.acquireCount, callerID)
}

func (p *Pool) removeLocked(e *entry) bool {
	i := slices.Index(p.entries, e)
	if i < 0 {
		return false
	}
	p.entries = slices.Delete(p.entries, i, i+1)
	return true
}

func (p *Pool) notifyLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) snapshot() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.entries)
}

func (p *Pool) resetState(e *entry) error {
	r, ok := e.client.(agent.StateResetter)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(p.lifetime, p.cfg.CallTimeout)
	defer cancel()
	return r.ResetState(ctx)
}

func (p *Pool) disconnect(e *entry, reason string) {
	if err := p.disconnectClient(e.client); err != nil {
		p.logger.Warn("Failed to disconnect agent client", "entry_id", e.id, "reason", reason, "error", err)
		return
	}
	p.logger.Debug("Disconnected agent client", "entry_id", e.id, "reason", reason)
}

func (p *Pool) disconnectClient(c agent.Client) error {
	// Shutdown cancels lifetime only after its disconnects finish.
	ctx, cancel := context.WithTimeout(p.lifetime, p.cfg.CallTimeout)
	defer cancel()
	return c.Disconnect(ctx)
}
