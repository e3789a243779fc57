package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCompletionSlots is the default completion pool size. Two slots
// keep latency low while a second request overlaps the first.
const DefaultCompletionSlots = 2

// completionSystemPrompt constrains sessions to pure continuation output.
const completionSystemPrompt = "You are a code completion engine. " +
	"For every message you receive, reply with only the continuation text requested. " +
	"Never add explanations, markdown fences, or commentary. " +
	"When a message asks you to begin your reply with a specific anchor string, " +
	"your reply must start with that exact string."

// completionWarmupMessage probes a freshly spawned completion session.
const completionWarmupMessage = "Reply with exactly the single word READY and nothing else."

// CompletionRequest describes one fill-in-the-middle request: the text
// around the cursor plus a short anchor the model must echo verbatim at the
// start of its reply.
type CompletionRequest struct {
	Prefix string
	Suffix string
	Anchor string
}

// CompletionPool serves high-frequency, low-latency completion requests
// across multiple slots. There is no command-level retry: the editor
// re-requests on its own cadence.
type CompletionPool struct {
	*Pool
}

// NewCompletionPool creates a completion pool over the base engine. The
// warmup predicate is a normalized containment check on the probe reply.
func NewCompletionPool(cfg Config) *CompletionPool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCompletionSlots
	}
	if cfg.Label == "" {
		cfg.Label = "completion"
	}
	cfg.SystemPrompt = completionSystemPrompt
	cfg.WarmupMessage = completionWarmupMessage
	cfg.WarmupCheck = func(reply string) bool {
		return strings.Contains(strings.ToUpper(strings.TrimSpace(reply)), "READY")
	}
	return &CompletionPool{Pool: New(cfg)}
}

// GetCompletion acquires a slot, runs one exchange, and returns the novel
// continuation with the anchor echo stripped. A reply that does not begin
// with the anchor is a soft failure and yields "" rather than garbled text.
//
// Cancellation is cooperative: cancelling ctx before a slot is acquired
// prevents the request being sent at all; cancelling after the request is
// pushed only suppresses consumption of the still-computed result.
func (cp *CompletionPool) GetCompletion(ctx context.Context, req CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s := cp.Acquire(ctx)
	if s == nil {
		return "", nil
	}

	ctx, span := otel.Tracer("kiln/pool").Start(ctx, "pool.exchange",
		trace.WithAttributes(
			attribute.String("pool", cp.Label()),
			attribute.Int("slot", s.Index()),
			attribute.String("kind", "completion"),
		))
	defer span.End()

	start := time.Now()
	pending := cp.send(s, buildCompletionMessage(req))

	select {
	case ev := <-pending:
		cp.finish(s, ev, time.Since(start))
		if ev == nil || ev.IsError() {
			return "", nil
		}
		return stripAnchor(ev.Text, req.Anchor), nil
	case <-ctx.Done():
		// The exchange either completes normally or is recycled at a higher
		// layer; consume the result off-path so the slot is still released.
		go func() {
			ev := <-pending
			cp.finish(s, ev, time.Since(start))
		}()
		return "", ctx.Err()
	}
}

// buildCompletionMessage embeds the prefix/suffix around the cursor and the
// anchor the model must echo.
func buildCompletionMessage(req CompletionRequest) string {
	var b strings.Builder
	b.WriteString("Complete the text at the cursor position.\n")
	fmt.Fprintf(&b, "Begin your reply with the anchor %q followed immediately by the continuation.\n", req.Anchor)
	b.WriteString("Text before cursor:\n")
	b.WriteString(req.Prefix)
	b.WriteString("\nText after cursor:\n")
	b.WriteString(req.Suffix)
	return b.String()
}

// stripAnchor validates the anchor echo and returns only the novel
// continuation. An anchor mismatch yields "".
func stripAnchor(reply, anchor string) string {
	if anchor == "" {
		return reply
	}
	if !strings.HasPrefix(reply, anchor) {
		return ""
	}
	return strings.TrimPrefix(reply, anchor)
}
