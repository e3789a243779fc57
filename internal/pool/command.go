package pool

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/log"
)

// DefaultCommandMaxReuses is lower than the completion default because
// command prompts carry far more context per exchange.
const DefaultCommandMaxReuses = 8

// commandSystemPrompt constrains sessions to single-reply command handling.
const commandSystemPrompt = "You are a coding assistant answering one structured request per message " +
	"(commit messages, edit suggestions, short analyses). " +
	"Reply with only the requested content, no preamble and no markdown fences."

// commandWarmupMessage probes a freshly spawned command session; the reply
// must be the exact token.
const commandWarmupMessage = "Reply with exactly the single word OK and nothing else."

// PromptOptions controls one SendPrompt call.
type PromptOptions struct {
	// Timeout is a hard upper bound enforced by the pool, not the
	// subprocess. Zero means no timeout.
	Timeout time.Duration
}

// PromptResult carries the reply text (OK=false means no result) plus the
// exchange metadata.
type PromptResult struct {
	Text string
	OK   bool
	Meta *ExchangeMeta
}

// CommandPool serves low-frequency, heavyweight command prompts on a single
// slot. It supports explicit timeout, cancellation, and a one-shot
// retry-with-recycle when the runtime reports context overflow.
type CommandPool struct {
	*Pool
	overflowPatterns []string
}

// NewCommandPool creates a single-slot command pool. overflowPatterns
// override the default context-overflow detection patterns; upstream CLIs
// change their wording, so the sentinel is matched, never hard-coded.
func NewCommandPool(cfg Config, overflowPatterns []string) *CommandPool {
	cfg.Size = 1
	if cfg.MaxReuses <= 0 {
		cfg.MaxReuses = DefaultCommandMaxReuses
	}
	if cfg.Label == "" {
		cfg.Label = "command"
	}
	cfg.SystemPrompt = commandSystemPrompt
	cfg.WarmupMessage = commandWarmupMessage
	cfg.WarmupCheck = func(reply string) bool {
		return strings.EqualFold(strings.TrimSpace(reply), "OK")
	}
	if len(overflowPatterns) == 0 {
		overflowPatterns = agent.DefaultOverflowPatterns
	}
	return &CommandPool{Pool: New(cfg), overflowPatterns: overflowPatterns}
}

// SendPrompt runs one command exchange. Exactly one of three outcomes wins:
// the real response, the timeout, or the caller's cancellation (via ctx);
// the select makes the single winner structural. On context overflow the
// entire pool is recycled and the identical request is retried exactly
// once; a second overflow yields a no-result instead of looping.
func (kp *CommandPool) SendPrompt(ctx context.Context, message string, opts PromptOptions) (PromptResult, error) {
	res, overflow := kp.sendOnce(ctx, message, opts)
	if !overflow {
		return res, nil
	}

	log.Warn(log.CatPool, "context overflow, recycling pool and retrying", "pool", kp.Label())
	kp.RecycleAll()

	res, overflow = kp.sendOnce(ctx, message, opts)
	if overflow {
		log.Warn(log.CatPool, "context overflow on retry, giving up", "pool", kp.Label())
		kp.RecycleAll()
		return PromptResult{OK: false, Meta: res.Meta}, nil
	}
	return res, nil
}

// sendOnce runs a single exchange and reports whether the reply was a
// context-overflow signal.
func (kp *CommandPool) sendOnce(ctx context.Context, message string, opts PromptOptions) (PromptResult, bool) {
	s := kp.Acquire(ctx)
	if s == nil {
		return PromptResult{OK: false}, false
	}

	_, span := otel.Tracer("kiln/pool").Start(ctx, "pool.exchange",
		trace.WithAttributes(
			attribute.String("pool", kp.Label()),
			attribute.Int("slot", s.Index()),
			attribute.String("kind", "command"),
		))
	defer span.End()

	start := time.Now()
	pending := kp.send(s, message)

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var ev *agent.ResponseEvent
	select {
	case ev = <-pending:
	case <-timeout:
		log.Debug(log.CatPool, "prompt timed out", "pool", kp.Label(), "slot", s.Index())
		kp.forceClose(s)
		<-pending
	case <-ctx.Done():
		log.Debug(log.CatPool, "prompt cancelled", "pool", kp.Label(), "slot", s.Index())
		kp.forceClose(s)
		<-pending
	}

	wall := time.Since(start)
	kp.record(s, ev, wall)
	meta := s.TakeMeta()

	if ev != nil && kp.isOverflow(ev) {
		// The overflow retry path recycles every slot itself; releasing
		// here would race a second init of the same slot.
		return PromptResult{OK: false, Meta: meta}, true
	}

	kp.release(s)

	if ev == nil || ev.IsError() {
		return PromptResult{OK: false, Meta: meta}, false
	}
	return PromptResult{Text: ev.Text, OK: true, Meta: meta}, false
}

// isOverflow checks whether a reply signals context window exhaustion,
// either via structured classification or pattern match on the text.
func (kp *CommandPool) isOverflow(ev *agent.ResponseEvent) bool {
	if ev.Error.IsContextExceeded() {
		return true
	}
	if agent.MatchesOverflow(ev.Text, kp.overflowPatterns) {
		return true
	}
	if ev.IsError() && agent.MatchesOverflow(ev.GetErrorMessage(), kp.overflowPatterns) {
		return true
	}
	return false
}
