package pool

import (
	"time"
)

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Index        int    `json:"index"`
	State        string `json:"state"`
	RequestCount int    `json:"request_count"`
	SessionID    string `json:"session_id,omitempty"`
}

// PoolStatus is a read-only aggregate for diagnostics. It is assembled on
// demand from the pool's bookkeeping, never stored.
type PoolStatus struct {
	Label        string       `json:"label"`
	Uptime       string       `json:"uptime"`
	Unavailable  bool         `json:"unavailable,omitempty"`
	Slots        []SlotStatus `json:"slots"`
	TotalServed  int64        `json:"total_served"`
	TotalRecycle int64        `json:"total_recycles"`
	TotalTokens  int64        `json:"total_tokens"`
	TotalCostUSD float64      `json:"total_cost_usd"`
}

// Status assembles the snapshot. It is a pure read and never acquires
// slots, so status checks never queue behind busy completion or command
// traffic.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	started := p.started
	unavailable := p.unavailable
	p.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started).Round(time.Second)
	}

	status := PoolStatus{
		Label:        p.cfg.Label,
		Uptime:       uptime.String(),
		Unavailable:  unavailable,
		TotalServed:  p.served.Load(),
		TotalRecycle: p.recycles.Load(),
	}

	p.totalsMu.Lock()
	status.TotalTokens = p.totalTokens
	status.TotalCostUSD = p.totalCostUSD
	p.totalsMu.Unlock()

	for _, s := range p.slots {
		s.mu.Lock()
		slot := SlotStatus{
			Index:        s.index,
			State:        s.state.String(),
			RequestCount: s.requestCount,
		}
		sess := s.session
		s.mu.Unlock()
		if sess != nil {
			slot.SessionID = sess.SessionRef()
		}
		status.Slots = append(status.Slots, slot)
	}
	return status
}
