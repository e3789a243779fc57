package pool

import (
	"sync"

	"github.com/kiln-dev/kiln/internal/agent"
)

// SlotState is the lifecycle state of one slot.
type SlotState int

const (
	// SlotDead means the slot has no usable session; it is excluded from
	// acquisition until a fresh init succeeds.
	SlotDead SlotState = iota
	// SlotInitializing means a session is being spawned and warmed up.
	SlotInitializing
	// SlotAvailable means the slot is warmed and ready for an exchange.
	SlotAvailable
	// SlotBusy means an exchange currently owns the slot.
	SlotBusy
)

// String returns a human-readable state name.
func (s SlotState) String() string {
	switch s {
	case SlotDead:
		return "dead"
	case SlotInitializing:
		return "initializing"
	case SlotAvailable:
		return "available"
	case SlotBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Slot is one persistent subprocess session plus its bookkeeping. It is a
// pure data/lifecycle unit: all policy (warmup, recycling, acquisition
// fairness) lives in the Pool.
//
// Invariant: at most one outstanding exchange per slot at any time.
// Exchanges are never pipelined within a slot.
type Slot struct {
	index int

	mu           sync.Mutex
	state        SlotState
	session      agent.Session
	channel      *MessageChannel
	gen          uint64
	pending      chan *agent.ResponseEvent
	requestCount int
	lastMeta     *ExchangeMeta
}

// Index returns the slot's stable position in the pool.
func (s *Slot) Index() int {
	return s.index
}

// State returns the current lifecycle state.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestCount returns the number of completed exchanges since the last
// (re)initialization.
func (s *Slot) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// TakeMeta returns the metadata of the most recently completed exchange and
// clears it, so each exchange's metadata is read at most once.
func (s *Slot) TakeMeta() *ExchangeMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.lastMeta
	s.lastMeta = nil
	return meta
}

// setState transitions the slot. Callers hold no other slot lock.
func (s *Slot) setState(state SlotState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// beginExchange arms a fresh one-shot result future for the next exchange.
func (s *Slot) beginExchange() chan *agent.ResponseEvent {
	pending := make(chan *agent.ResponseEvent, 1)
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
	return pending
}

// attach binds a fresh channel and session to the slot and bumps the
// binding generation. The returned generation identifies this binding for
// resolveOwned, so goroutines serving a replaced session lose the right to
// resolve the moment a successor is attached.
func (s *Slot) attach(ch *MessageChannel, sess agent.Session) uint64 {
	s.mu.Lock()
	s.channel = ch
	s.session = sess
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	return gen
}

// resolve delivers a result into the outstanding future, if any. The
// one-shot guard is structural: the future is detached before delivery, so
// a late second resolution is silently dropped rather than double-resolving.
func (s *Slot) resolve(ev *agent.ResponseEvent) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		pending <- ev
	}
}

// resolveOwned is resolve restricted to the session binding identified by
// gen. A goroutine whose session has been replaced holds a stale generation
// and its late result is dropped here, never delivered into a future armed
// for the successor session's exchange.
func (s *Slot) resolveOwned(gen uint64, ev *agent.ResponseEvent) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		pending <- ev
	}
}

// sessionRef returns the provider session id, if a session is attached.
func (s *Slot) sessionRef() string {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ""
	}
	return sess.SessionRef()
}
