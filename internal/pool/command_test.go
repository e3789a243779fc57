package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/agent/mock"
)

// commandScript coordinates scripted replies across recycled sessions: the
// pool spawns fresh sessions on recycle, so state has to outlive any one of
// them.
type commandScript struct {
	mu      sync.Mutex
	prompts []string
	reply   func(n int, msg string) []agent.ResponseEvent
}

func (cs *commandScript) runtime() *mock.Runtime {
	return &mock.Runtime{
		SpawnFunc: func(_ context.Context, _ agent.SessionConfig) (agent.Session, error) {
			sess := mock.NewSession()
			sess.OnSend = func(msg string) []agent.ResponseEvent {
				if msg == commandWarmupMessage {
					return []agent.ResponseEvent{{Type: agent.EventResult, Text: "OK", Timestamp: time.Now()}}
				}
				cs.mu.Lock()
				cs.prompts = append(cs.prompts, msg)
				n := len(cs.prompts)
				reply := cs.reply
				cs.mu.Unlock()
				return reply(n, msg)
			}
			return sess, nil
		},
	}
}

func (cs *commandScript) sentPrompts() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]string, len(cs.prompts))
	copy(out, cs.prompts)
	return out
}

func resultEvent(text string) []agent.ResponseEvent {
	return []agent.ResponseEvent{{
		Type:      agent.EventResult,
		Timestamp: time.Now(),
		Text:      text,
		Usage:     &agent.UsageInfo{InputTokens: 100, OutputTokens: 20},
		CostUSD:   0.01,
	}}
}

func overflowEvent() []agent.ResponseEvent {
	return []agent.ResponseEvent{{
		Type:      agent.EventError,
		Timestamp: time.Now(),
		Error: &agent.ErrorInfo{
			Message: "Prompt is too long",
			Code:    "invalid_request",
			Reason:  agent.ErrReasonContextExceeded,
		},
	}}
}

func startedCommandPool(t *testing.T, cs *commandScript) *CommandPool {
	t.Helper()
	p := NewCommandPool(Config{Runtime: cs.runtime(), WarmupTimeout: time.Second}, nil)
	require.NoError(t, p.Start())
	t.Cleanup(p.Close)
	return p
}

func TestCommandPool_SingleSlotAlways(t *testing.T) {
	p := NewCommandPool(Config{Runtime: readyRuntime(), Size: 5}, nil)
	defer p.Close()
	require.Equal(t, 1, p.Size(), "command pool is single-slot regardless of config")
}

func TestCommandPool_SendPromptSuccess(t *testing.T) {
	cs := &commandScript{reply: func(_ int, _ string) []agent.ResponseEvent {
		return resultEvent("feat: add widget")
	}}
	p := startedCommandPool(t, cs)

	res, err := p.SendPrompt(context.Background(), "write a commit message", PromptOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "feat: add widget", res.Text)
	require.NotNil(t, res.Meta)
	require.Equal(t, 100, res.Meta.InputTokens)
	require.Equal(t, 20, res.Meta.OutputTokens)
	require.InDelta(t, 0.01, res.Meta.CostUSD, 1e-9)
}

func TestCommandPool_TimeoutDoesNotLeakSlot(t *testing.T) {
	cs := &commandScript{}
	cs.reply = func(n int, _ string) []agent.ResponseEvent {
		if n == 1 {
			// Never reply: force the pool-side timeout to win.
			return nil
		}
		return resultEvent("second answer")
	}
	p := startedCommandPool(t, cs)

	res, err := p.SendPrompt(context.Background(), "first", PromptOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, res.OK, "a timed-out prompt yields no result")

	// The slot was force-closed and recycled, not left busy forever: the
	// next prompt must succeed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err = p.SendPrompt(ctx, "second", PromptOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "second answer", res.Text)
}

func TestCommandPool_CancellationAbortsPrompt(t *testing.T) {
	cs := &commandScript{reply: func(_ int, _ string) []agent.ResponseEvent {
		return nil // never reply
	}}
	p := startedCommandPool(t, cs)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := p.SendPrompt(ctx, "long running", PromptOptions{})
	require.NoError(t, err)
	require.False(t, res.OK)
}

// lingeringSession ignores Cancel, modeling a subprocess whose output
// stream stays open after the pool has moved on. Late events can still be
// injected through the embedded mock session.
type lingeringSession struct {
	*mock.Session
}

func (s *lingeringSession) Cancel() error { return nil }

func TestCommandPool_StaleSessionReplyIgnoredAfterRecycle(t *testing.T) {
	first := &lingeringSession{Session: mock.NewSession()}
	first.OnSend = func(msg string) []agent.ResponseEvent {
		if msg == commandWarmupMessage {
			return []agent.ResponseEvent{{Type: agent.EventResult, Text: "OK", Timestamp: time.Now()}}
		}
		// Never answer the real prompt: the pool times out and recycles
		// while this session's reader is still parked on the stream.
		return nil
	}

	rt := &mock.Runtime{}
	rt.SpawnFunc = func(_ context.Context, _ agent.SessionConfig) (agent.Session, error) {
		if rt.SpawnCount() == 1 {
			return first, nil
		}
		sess := mock.NewSession()
		sess.OnSend = func(msg string) []agent.ResponseEvent {
			if msg == commandWarmupMessage {
				// The replaced session answers its abandoned prompt at the
				// worst moment, while the successor's warmup is in flight.
				first.SendEvent(agent.ResponseEvent{Type: agent.EventResult, Text: "stale answer", Timestamp: time.Now()})
				return []agent.ResponseEvent{{Type: agent.EventResult, Text: "OK", Timestamp: time.Now()}}
			}
			return resultEvent("fresh answer")
		}
		return sess, nil
	}

	p := NewCommandPool(Config{Runtime: rt, WarmupTimeout: 2 * time.Second}, nil)
	require.NoError(t, p.Start())
	t.Cleanup(p.Close)

	res, err := p.SendPrompt(context.Background(), "first", PromptOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, res.OK)

	// The recycle must succeed on its first replacement session: the stale
	// reply belongs to the old session's exchange and may never resolve the
	// new warmup.
	require.Eventually(t, func() bool {
		return rt.SpawnCount() == 2 && p.slots[0].State() == SlotAvailable
	}, 2*time.Second, 10*time.Millisecond, "stale reply must not burn the replacement session")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err = p.SendPrompt(ctx, "second", PromptOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "fresh answer", res.Text)
	require.Equal(t, 2, rt.SpawnCount(), "exactly one respawn: the timed-out recycle")
}

func TestCommandPool_OverflowRecyclesAndRetriesIdenticalPrompt(t *testing.T) {
	cs := &commandScript{}
	cs.reply = func(n int, _ string) []agent.ResponseEvent {
		if n == 1 {
			return overflowEvent()
		}
		return resultEvent("fresh context answer")
	}
	p := startedCommandPool(t, cs)

	res, err := p.SendPrompt(context.Background(), "big prompt", PromptOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "fresh context answer", res.Text)

	prompts := cs.sentPrompts()
	require.Len(t, prompts, 2, "overflow retries exactly once")
	require.Equal(t, prompts[0], prompts[1], "the retry must carry the identical payload")
}

func TestCommandPool_SecondOverflowGivesUp(t *testing.T) {
	cs := &commandScript{}
	cs.reply = func(_ int, _ string) []agent.ResponseEvent {
		return overflowEvent()
	}
	p := startedCommandPool(t, cs)

	res, err := p.SendPrompt(context.Background(), "huge prompt", PromptOptions{})
	require.NoError(t, err)
	require.False(t, res.OK, "a second consecutive overflow yields no result, never a loop")
	require.Len(t, cs.sentPrompts(), 2)

	// The pool recovered: a small prompt still works.
	cs.mu.Lock()
	cs.reply = func(_ int, _ string) []agent.ResponseEvent {
		return resultEvent("recovered")
	}
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err = p.SendPrompt(ctx, "small prompt", PromptOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "recovered", res.Text)
}

func TestCommandPool_OverflowDetectedFromResultText(t *testing.T) {
	cs := &commandScript{}
	cs.reply = func(n int, _ string) []agent.ResponseEvent {
		if n == 1 {
			// Overflow surfaced as plain result text rather than a
			// structured error; pattern matching must still catch it.
			return resultEvent("Error: context window exceeded for this conversation")
		}
		return resultEvent("ok after recycle")
	}
	p := startedCommandPool(t, cs)

	res, err := p.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "ok after recycle", res.Text)
	require.Len(t, cs.sentPrompts(), 2)
}

func TestCommandPool_CustomOverflowPatterns(t *testing.T) {
	cs := &commandScript{}
	cs.reply = func(n int, _ string) []agent.ResponseEvent {
		if n == 1 {
			return resultEvent("XYZZY-LIMIT reached")
		}
		return resultEvent("done")
	}
	p := NewCommandPool(Config{Runtime: cs.runtime(), WarmupTimeout: time.Second}, []string{"xyzzy-limit"})
	require.NoError(t, p.Start())
	t.Cleanup(p.Close)

	res, err := p.SendPrompt(context.Background(), "prompt", PromptOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "done", res.Text)
	require.Len(t, cs.sentPrompts(), 2, "custom pattern must trigger the recycle-retry path")
}
