package pool

import (
	"time"

	"github.com/kiln-dev/kiln/internal/agent"
)

// ExchangeMeta is the structured metadata captured from one completed
// request/response exchange. It is reported back to feature code alongside
// the response text; the pool itself never interprets it beyond accumulating
// totals.
type ExchangeMeta struct {
	// Duration is the wall time of the exchange measured by the pool.
	Duration time.Duration `json:"duration_ms"`
	// APIDuration is the provider-reported time, when available.
	APIDuration time.Duration `json:"api_duration_ms,omitempty"`

	InputTokens         int `json:"input_tokens,omitempty"`
	OutputTokens        int `json:"output_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`

	CostUSD   float64 `json:"cost_usd,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// metaFromEvent builds ExchangeMeta from a result event plus the pool's own
// wall-clock measurement.
func metaFromEvent(ev *agent.ResponseEvent, wall time.Duration) *ExchangeMeta {
	meta := &ExchangeMeta{Duration: wall}
	if ev == nil {
		return meta
	}
	meta.APIDuration = time.Duration(ev.APIDurationMs) * time.Millisecond
	meta.CostUSD = ev.CostUSD
	meta.SessionID = ev.SessionID
	if ev.Usage != nil {
		meta.InputTokens = ev.Usage.InputTokens
		meta.OutputTokens = ev.Usage.OutputTokens
		meta.CacheReadTokens = ev.Usage.CacheReadInputTokens
		meta.CacheCreationTokens = ev.Usage.CacheCreationInputTokens
	}
	return meta
}
