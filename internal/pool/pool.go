// Package pool implements the warm-slot engine: fixed-size pools of
// long-lived agent sessions with warmup validation, FIFO-fair acquisition,
// a single-exchange primitive, and a shared recycling policy.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/log"
	"github.com/kiln-dev/kiln/internal/pubsub"
)

// DefaultWarmupTimeout bounds how long a slot's warmup exchange may take.
const DefaultWarmupTimeout = 30 * time.Second

// DefaultMaxReuses is the default number of exchanges a slot serves before
// being recycled. Reuse bounds the subprocess's internal conversational
// state, which otherwise degrades latency and eventually overflows the
// model's context window.
const DefaultMaxReuses = 32

// ErrPoolUnavailable is returned when the runtime capability probe failed
// and the pool will never spawn sessions.
var ErrPoolUnavailable = fmt.Errorf("pool unavailable: runtime not usable")

// ErrPoolClosed is returned when operations are attempted on a disposed pool.
var ErrPoolClosed = fmt.Errorf("pool is closed")

// DegradedEvent is published when a slot is left dead after warmup retry
// exhaustion or an unrecoverable stream error. Feature layers subscribe to
// offer the user an explicit restart; degradation is never silently
// swallowed into an "available but broken" state.
type DegradedEvent struct {
	Pool string
	Slot int
	Err  error
}

// Config holds shared configuration for a pool.
type Config struct {
	// Runtime spawns the agent sessions backing each slot.
	// A mock runtime can be injected for testing.
	Runtime agent.Runtime

	// Label is a human-readable pool name for logging and status.
	Label string

	// Size is the fixed number of slots. Never changes after construction.
	Size int

	// MaxReuses is the number of exchanges before a slot is recycled.
	MaxReuses int

	// SystemPrompt, Model, and WorkDir parameterize every slot's session.
	SystemPrompt string
	Model        string
	WorkDir      string

	// WarmupMessage is sent once per slot (re)initialization; WarmupCheck
	// validates the reply before the slot serves real traffic.
	WarmupMessage string
	WarmupCheck   func(reply string) bool
	WarmupTimeout time.Duration
}

// Pool is the base slot engine. It owns a fixed array of slots, the warmup
// protocol, the recycling policy, and the request/response exchange
// primitive. CompletionPool and CommandPool specialize it with a system
// prompt, a warmup probe, and a response-validation rule.
type Pool struct {
	cfg    Config
	slots  []*Slot
	broker *pubsub.Broker[DegradedEvent]

	mu          sync.Mutex
	waiters     []chan *Slot
	unavailable bool
	started     time.Time

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	served   atomic.Int64
	recycles atomic.Int64

	totalsMu     sync.Mutex
	totalTokens  int64
	totalCostUSD float64
}

// New creates a pool. Slots are allocated but not spawned until Start.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxReuses <= 0 {
		cfg.MaxReuses = DefaultMaxReuses
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = DefaultWarmupTimeout
	}
	if cfg.WarmupCheck == nil {
		cfg.WarmupCheck = func(string) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:    cfg,
		broker: pubsub.NewBroker[DegradedEvent](),
		ctx:    ctx,
		cancel: cancel,
	}
	p.slots = make([]*Slot, cfg.Size)
	for i := range p.slots {
		p.slots[i] = &Slot{index: i, state: SlotDead}
	}
	return p
}

// Start runs the capability probe and initializes every slot, blocking
// until each has either warmed up or been left dead. If the probe fails,
// the whole pool is marked unavailable and no spawn attempts are made.
func (p *Pool) Start() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.cfg.Runtime == nil {
		return fmt.Errorf("pool %s has no runtime configured", p.cfg.Label)
	}

	if err := p.cfg.Runtime.Available(); err != nil {
		p.mu.Lock()
		p.unavailable = true
		p.mu.Unlock()
		log.ErrorErr(log.CatPool, "runtime unavailable", err, "pool", p.cfg.Label)
		p.publishDegraded(-1, fmt.Errorf("%w: %v", ErrPoolUnavailable, err))
		return ErrPoolUnavailable
	}

	p.mu.Lock()
	p.started = time.Now()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range p.slots {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			p.initSlot(s)
		}(s)
	}
	wg.Wait()
	return nil
}

// initSlot spawns and warms one slot, retrying once. A second failure
// leaves the slot dead and publishes exactly one degradation event.
func (p *Pool) initSlot(s *Slot) {
	s.setState(SlotInitializing)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if p.closed.Load() {
			s.setState(SlotDead)
			return
		}
		if err := p.warmSlot(s); err != nil {
			lastErr = err
			log.Warn(log.CatPool, "slot warmup failed",
				"pool", p.cfg.Label, "slot", s.index, "attempt", attempt+1, "error", err)
			continue
		}
		s.mu.Lock()
		s.requestCount = 0
		s.mu.Unlock()
		log.Debug(log.CatPool, "slot ready", "pool", p.cfg.Label, "slot", s.index)
		p.makeAvailable(s)
		return
	}

	s.setState(SlotDead)
	log.Error(log.CatPool, "slot dead after warmup retry",
		"pool", p.cfg.Label, "slot", s.index, "error", lastErr)
	p.publishDegraded(s.index, lastErr)
}

// warmSlot spawns a fresh session bound to a fresh channel and runs the
// pool-specific warmup exchange. On any failure the session and channel are
// torn down before returning.
func (p *Pool) warmSlot(s *Slot) error {
	ch := NewMessageChannel()
	sess, err := p.cfg.Runtime.Spawn(p.ctx, agent.SessionConfig{
		WorkDir:      p.cfg.WorkDir,
		SystemPrompt: p.cfg.SystemPrompt,
		Model:        p.modelID(),
	})
	if err != nil {
		ch.Close()
		return fmt.Errorf("spawn: %w", err)
	}

	gen := s.attach(ch, sess)

	p.wg.Add(1)
	go p.runSlot(s, ch, sess, gen)

	pending := s.beginExchange()
	ch.Push(p.cfg.WarmupMessage)

	timer := time.NewTimer(p.cfg.WarmupTimeout)
	defer timer.Stop()

	select {
	case ev := <-pending:
		if ev == nil {
			p.teardownSlot(ch, sess)
			return fmt.Errorf("warmup exchange failed")
		}
		if ev.IsError() {
			p.teardownSlot(ch, sess)
			return fmt.Errorf("warmup error: %s", ev.GetErrorMessage())
		}
		if !p.cfg.WarmupCheck(ev.Text) {
			p.teardownSlot(ch, sess)
			return fmt.Errorf("warmup reply failed validation: %q", ev.Text)
		}
		return nil
	case <-timer.C:
		p.teardownSlot(ch, sess)
		return fmt.Errorf("warmup timed out after %s", p.cfg.WarmupTimeout)
	case <-p.ctx.Done():
		p.teardownSlot(ch, sess)
		return p.ctx.Err()
	}
}

// runSlot is the per-slot loop: consume one request from the channel, write
// it into the session, await exactly one exchange-ending event, resolve the
// pending future. Exits when the channel is force-closed (timeout, cancel,
// recycle, dispose) or the session stream fails.
//
// gen pins every resolution to this loop's session binding. A recycle can
// replace the binding while this loop is still draining a slow session; any
// result it produces after that belongs to an abandoned exchange and must
// never touch the successor's future.
func (p *Pool) runSlot(s *Slot, ch *MessageChannel, sess agent.Session, gen uint64) {
	defer p.wg.Done()
	for {
		text, ok := ch.Next(p.ctx)
		if !ok {
			// Forced close: deliver a null result so a waiting exchange
			// resolves instead of the slot hanging busy forever.
			s.resolveOwned(gen, nil)
			return
		}

		if err := sess.Send(text); err != nil {
			p.failSlot(s, ch, sess, gen, fmt.Errorf("send: %w", err))
			return
		}

		ev, err := awaitResult(p.ctx, sess)
		if err != nil {
			p.failSlot(s, ch, sess, gen, err)
			return
		}
		s.resolveOwned(gen, ev)
	}
}

// awaitResult reads the session's streams until an exchange-ending event
// (result or error) arrives.
func awaitResult(ctx context.Context, sess agent.Session) (*agent.ResponseEvent, error) {
	events := sess.Events()
	errs := sess.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("session output ended mid-exchange")
			}
			if ev.IsResult() || ev.Type == agent.EventError {
				out := ev
				return &out, nil
			}
			// init and intermediate assistant events are not exchange-ending
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// failSlot handles an unrecoverable stream error. During warmup the init
// path owns retry and degradation reporting; after warmup the slot goes
// dead and one degradation event is published.
func (p *Pool) failSlot(s *Slot, ch *MessageChannel, sess agent.Session, gen uint64, err error) {
	warming := s.State() == SlotInitializing
	deliberate := ch.Closed()
	s.resolveOwned(gen, nil)
	p.teardownSlot(ch, sess)
	if warming || deliberate {
		// Retry (warmup) and recycle (forced close) paths own the outcome.
		return
	}
	s.setState(SlotDead)
	log.ErrorErr(log.CatPool, "slot stream failed", err, "pool", p.cfg.Label, "slot", s.index)
	p.publishDegraded(s.index, err)
}

// teardownSlot closes the channel and cancels the session.
func (p *Pool) teardownSlot(ch *MessageChannel, sess agent.Session) {
	if ch != nil {
		ch.Close()
	}
	if sess != nil {
		_ = sess.Cancel()
	}
}

// Acquire returns an available slot marked busy, waiting FIFO-fairly until
// one frees up. Returns nil if the pool is unavailable, disposed while
// waiting, or ctx is cancelled: callers treat nil as "no result", never as
// an error to throw.
func (p *Pool) Acquire(ctx context.Context) *Slot {
	p.mu.Lock()
	if p.closed.Load() || p.unavailable {
		p.mu.Unlock()
		return nil
	}
	for _, s := range p.slots {
		if s.State() == SlotAvailable {
			s.setState(SlotBusy)
			p.mu.Unlock()
			return s
		}
	}
	w := make(chan *Slot, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case s := <-w:
		return s
	case <-ctx.Done():
		p.removeWaiter(w)
		// A handoff may have raced the cancellation; put it back.
		select {
		case s := <-w:
			if s != nil {
				p.makeAvailable(s)
			}
		default:
		}
		return nil
	case <-p.ctx.Done():
		p.removeWaiter(w)
		return nil
	}
}

func (p *Pool) removeWaiter(w chan *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// makeAvailable hands the slot to the oldest waiter, or parks it available.
func (p *Pool) makeAvailable(s *Slot) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		s.setState(SlotBusy)
		p.mu.Unlock()
		w <- s
		return
	}
	s.setState(SlotAvailable)
	p.mu.Unlock()
}

// send pushes one request into the held slot's channel and returns the
// armed result future. The caller must hold the slot busy, consume exactly
// one value, and then finish or recycle.
func (p *Pool) send(s *Slot, request string) <-chan *agent.ResponseEvent {
	pending := s.beginExchange()
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		s.resolve(nil)
	} else {
		ch.Push(request)
	}
	return pending
}

// forceClose closes the held slot's channel and delivers a null result into
// its pending future, aborting the in-flight exchange. The one-shot resolve
// guard discards the real response if it arrives later; the closed channel
// marks the slot for recycling on release. Used by the timeout and
// cancellation paths so a slot never hangs busy forever.
func (p *Pool) forceClose(s *Slot) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	s.resolve(nil)
}

// record captures exchange metadata on the slot and accumulates pool totals.
func (p *Pool) record(s *Slot, ev *agent.ResponseEvent, wall time.Duration) {
	meta := metaFromEvent(ev, wall)
	s.mu.Lock()
	s.requestCount++
	s.lastMeta = meta
	s.mu.Unlock()

	p.served.Add(1)
	p.totalsMu.Lock()
	p.totalTokens += int64(meta.InputTokens + meta.OutputTokens)
	p.totalCostUSD += meta.CostUSD
	p.totalsMu.Unlock()
}

// release applies the recycling policy and returns the slot to circulation.
func (p *Pool) release(s *Slot) {
	s.mu.Lock()
	count := s.requestCount
	ch := s.channel
	dead := s.state == SlotDead
	s.mu.Unlock()

	if dead {
		// failSlot already reported; the slot waits for an explicit restart.
		return
	}
	if ch == nil || ch.Closed() || count >= p.cfg.MaxReuses {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recycleSlot(s)
		}()
		return
	}
	p.makeAvailable(s)
}

// finish records one completed exchange and releases the slot.
func (p *Pool) finish(s *Slot, ev *agent.ResponseEvent, wall time.Duration) {
	p.record(s, ev, wall)
	p.release(s)
}

// recycleSlot tears down and reinitializes one slot. In-flight exchanges on
// other slots are unaffected.
func (p *Pool) recycleSlot(s *Slot) {
	if p.closed.Load() {
		return
	}
	log.Debug(log.CatPool, "recycling slot", "pool", p.cfg.Label, "slot", s.index)
	s.mu.Lock()
	ch := s.channel
	sess := s.session
	s.channel = nil
	s.session = nil
	s.mu.Unlock()
	p.teardownSlot(ch, sess)
	p.recycles.Add(1)
	p.initSlot(s)
}

// RecycleAll tears down and reinitializes every slot, blocking until done.
// Used on context overflow (conversational bleed can affect sibling slots'
// shared assumptions about available context) and on config updates.
func (p *Pool) RecycleAll() {
	if p.closed.Load() {
		return
	}
	log.Info(log.CatPool, "recycling all slots", "pool", p.cfg.Label)
	var wg sync.WaitGroup
	for _, s := range p.slots {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			p.recycleSlot(s)
		}(s)
	}
	wg.Wait()
}

// UpdateModel switches the pool to a new model id. Live sessions are never
// mutated in place; every slot is recycled onto the new model.
func (p *Pool) UpdateModel(model string) {
	p.mu.Lock()
	p.cfg.Model = model
	p.mu.Unlock()
	p.RecycleAll()
}

func (p *Pool) modelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Model
}

// Degraded returns the broker publishing slot degradation events. Multiple
// observers may subscribe; the coordination server forwards these to every
// connected client.
func (p *Pool) Degraded() *pubsub.Broker[DegradedEvent] {
	return p.broker
}

func (p *Pool) publishDegraded(slot int, err error) {
	p.broker.Publish(pubsub.UpdatedEvent, DegradedEvent{
		Pool: p.cfg.Label,
		Slot: slot,
		Err:  err,
	})
}

// Label returns the pool's human-readable name.
func (p *Pool) Label() string {
	return p.cfg.Label
}

// Size returns the fixed slot count.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Unavailable reports whether the capability probe failed.
func (p *Pool) Unavailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unavailable
}

// Close disposes the pool: tears down every session, wakes all waiters with
// "no slot", and closes the degradation broker.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	log.Debug(log.CatPool, "closing pool", "pool", p.cfg.Label)

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		w <- nil
	}

	for _, s := range p.slots {
		s.mu.Lock()
		ch := s.channel
		sess := s.session
		s.mu.Unlock()
		p.teardownSlot(ch, sess)
		s.setState(SlotDead)
	}

	p.cancel()
	p.wg.Wait()
	p.broker.Close()
}
