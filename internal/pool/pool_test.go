package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/agent/mock"
	"github.com/kiln-dev/kiln/internal/pubsub"
)

// echoRuntime returns a mock runtime whose sessions answer every message
// with the result produced by reply.
func echoRuntime(reply func(msg string) string) *mock.Runtime {
	return &mock.Runtime{
		SpawnFunc: func(_ context.Context, _ agent.SessionConfig) (agent.Session, error) {
			sess := mock.NewSession()
			sess.OnSend = func(text string) []agent.ResponseEvent {
				return []agent.ResponseEvent{{
					Type:      agent.EventResult,
					Timestamp: time.Now(),
					Text:      reply(text),
					Usage:     &agent.UsageInfo{InputTokens: 10, OutputTokens: 5},
					CostUSD:   0.001,
				}}
			}
			return sess, nil
		},
	}
}

// readyRuntime answers warmup probes and echoes everything else.
func readyRuntime() *mock.Runtime {
	return echoRuntime(func(msg string) string {
		if strings.Contains(msg, "READY") {
			return "READY"
		}
		if strings.Contains(msg, "OK") {
			return "OK"
		}
		return "echo: " + msg
	})
}

func waitForState(t *testing.T, s *Slot, want SlotState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "timeout", "slot %d never reached %s (state %s)", s.Index(), want, s.State())
}

func TestPool_StartWarmsAllSlots(t *testing.T) {
	p := New(Config{Runtime: readyRuntime(), Label: "test", Size: 3})
	defer p.Close()

	require.NoError(t, p.Start())
	for _, s := range p.slots {
		require.Equal(t, SlotAvailable, s.State())
		require.Equal(t, 0, s.RequestCount(), "warmup must not count as a reuse")
	}
}

func TestPool_RuntimeUnavailable(t *testing.T) {
	rt := mock.NewRuntime()
	rt.AvailableErr = fmt.Errorf("executable not found")

	p := New(Config{Runtime: rt, Label: "test", Size: 2})
	defer p.Close()

	events := p.Degraded().Subscribe(context.Background())

	err := p.Start()
	require.ErrorIs(t, err, ErrPoolUnavailable)
	require.True(t, p.Unavailable())
	require.Equal(t, 0, rt.SpawnCount(), "no spawn attempts after a failed probe")

	select {
	case ev := <-events:
		require.Equal(t, -1, ev.Payload.Slot, "pool-wide degradation uses slot -1")
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for degradation event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Nil(t, p.Acquire(ctx), "unavailable pool must yield no slots, not an error")
}

func TestPool_WarmupRetriesOnce(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	rt := &mock.Runtime{
		SpawnFunc: func(_ context.Context, _ agent.SessionConfig) (agent.Session, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			sess := mock.NewSession()
			sess.OnSend = func(string) []agent.ResponseEvent {
				text := "READY"
				if n == 1 {
					text = "something else entirely"
				}
				return []agent.ResponseEvent{{Type: agent.EventResult, Text: text, Timestamp: time.Now()}}
			}
			return sess, nil
		},
	}

	p := NewCompletionPool(Config{Runtime: rt, Size: 1, WarmupTimeout: time.Second})
	defer p.Close()

	require.NoError(t, p.Start())
	require.Equal(t, SlotAvailable, p.slots[0].State())
	require.Equal(t, 2, rt.SpawnCount(), "one failed attempt, one retry")
}

func TestPool_DeadSlotPublishesExactlyOneDegradation(t *testing.T) {
	rt := echoRuntime(func(string) string { return "never the probe token" })

	p := NewCompletionPool(Config{Runtime: rt, Size: 1, WarmupTimeout: time.Second})
	defer p.Close()

	events := p.Degraded().Subscribe(context.Background())

	require.NoError(t, p.Start())
	require.Equal(t, SlotDead, p.slots[0].State())

	select {
	case ev := <-events:
		require.Equal(t, 0, ev.Payload.Slot)
		require.Error(t, ev.Payload.Err)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for degradation event")
	}

	select {
	case ev := <-events:
		require.Fail(t, "unexpected event", "second degradation for the same dead slot: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPool_AcquireFIFOOrder(t *testing.T) {
	p := New(Config{Runtime: readyRuntime(), Label: "test", Size: 1})
	defer p.Close()
	require.NoError(t, p.Start())

	held := p.Acquire(context.Background())
	require.NotNil(t, held)

	// Two waiters queue in a known order.
	first := make(chan *Slot, 1)
	second := make(chan *Slot, 1)
	go func() { first <- p.Acquire(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	go func() { second <- p.Acquire(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	p.makeAvailable(held)

	select {
	case s := <-first:
		require.NotNil(t, s)
	case <-second:
		require.Fail(t, "second waiter served before first")
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for handoff")
	}

	p.makeAvailable(held)
	select {
	case s := <-second:
		require.NotNil(t, s)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for second handoff")
	}
}

func TestPool_AcquireCancelledWhileWaiting(t *testing.T) {
	p := New(Config{Runtime: readyRuntime(), Label: "test", Size: 1})
	defer p.Close()
	require.NoError(t, p.Start())

	held := p.Acquire(context.Background())
	require.NotNil(t, held)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Nil(t, p.Acquire(ctx))

	// The released slot must still reach later acquirers.
	p.makeAvailable(held)
	got := p.Acquire(context.Background())
	require.NotNil(t, got)
}

func TestPool_CloseWakesWaiters(t *testing.T) {
	p := New(Config{Runtime: readyRuntime(), Label: "test", Size: 1})
	require.NoError(t, p.Start())

	held := p.Acquire(context.Background())
	require.NotNil(t, held)

	got := make(chan *Slot, 1)
	go func() { got <- p.Acquire(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	p.Close()

	select {
	case s := <-got:
		require.Nil(t, s, "waiters woken by dispose receive no slot")
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for dispose to wake waiter")
	}
}

func TestPool_RecycleAllReplacesSessions(t *testing.T) {
	rt := readyRuntime()
	p := New(Config{Runtime: rt, Label: "test", Size: 2})
	defer p.Close()
	require.NoError(t, p.Start())
	require.Equal(t, 2, rt.SpawnCount())

	p.RecycleAll()

	require.Equal(t, 4, rt.SpawnCount(), "every slot respawned")
	require.Equal(t, int64(2), p.recycles.Load())
	for _, s := range p.slots {
		require.Equal(t, SlotAvailable, s.State())
	}
}

func TestPool_UpdateModelRecyclesOntoNewModel(t *testing.T) {
	var mu sync.Mutex
	var models []string
	rt := &mock.Runtime{
		SpawnFunc: func(_ context.Context, cfg agent.SessionConfig) (agent.Session, error) {
			mu.Lock()
			models = append(models, cfg.Model)
			mu.Unlock()
			sess := mock.NewSession()
			sess.OnSend = func(string) []agent.ResponseEvent {
				return []agent.ResponseEvent{{Type: agent.EventResult, Text: "ok", Timestamp: time.Now()}}
			}
			return sess, nil
		},
	}

	p := New(Config{Runtime: rt, Label: "test", Size: 1, Model: "model-a"})
	defer p.Close()
	require.NoError(t, p.Start())

	p.UpdateModel("model-b")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"model-a", "model-b"}, models)
}

func TestPool_StatusNeverBlocksOnBusySlots(t *testing.T) {
	p := New(Config{Runtime: readyRuntime(), Label: "test", Size: 1})
	defer p.Close()
	require.NoError(t, p.Start())

	held := p.Acquire(context.Background())
	require.NotNil(t, held)

	done := make(chan PoolStatus, 1)
	go func() { done <- p.Status() }()

	select {
	case status := <-done:
		require.Equal(t, "test", status.Label)
		require.Len(t, status.Slots, 1)
		require.Equal(t, "busy", status.Slots[0].State)
	case <-time.After(time.Second):
		require.Fail(t, "Status blocked behind a busy slot")
	}

	p.makeAvailable(held)
}

func TestPool_DegradedBrokerSupportsMultipleObservers(t *testing.T) {
	rt := mock.NewRuntime()
	rt.AvailableErr = fmt.Errorf("probe failed")
	p := New(Config{Runtime: rt, Label: "test", Size: 1})
	defer p.Close()

	ch1 := p.Degraded().Subscribe(context.Background())
	ch2 := p.Degraded().Subscribe(context.Background())

	require.ErrorIs(t, p.Start(), ErrPoolUnavailable)

	for i, ch := range []<-chan pubsub.Event[DegradedEvent]{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, -1, ev.Payload.Slot, "observer %d", i)
		case <-time.After(time.Second):
			require.Fail(t, "timeout", "observer %d never notified", i)
		}
	}
}
