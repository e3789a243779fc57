package coord

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, sc *script) (*Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "kiln-test.sock")
	srv := NewServer(ServerConfig{
		Runtime:             sc.runtime(),
		Model:               "base-model",
		WorkDir:             t.TempDir(),
		CompletionSlots:     1,
		CompletionMaxReuses: 4,
		CommandMaxReuses:    4,
		WarmupTimeout:       2 * time.Second,
		SocketPath:          socket,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Close)
	return srv, socket
}

// roundTrip writes one raw frame and reads reply frames until the one
// matching the request id arrives, skipping any interleaved notifications.
func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, req Request) Response {
	t.Helper()
	frame, err := json.Marshal(req)
	require.NoError(t, err)
	frame = append(frame, '\n')
	_, err = conn.Write(frame)
	require.NoError(t, err)

	for {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(line, &resp))
		if resp.ID == req.ID {
			return resp
		}
	}
}

func TestServer_WireProtocol(t *testing.T) {
	_, socket := startTestServer(t, newScript())

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	t.Run("ping", func(t *testing.T) {
		resp := roundTrip(t, conn, reader, Request{ID: "p1", Method: MethodPing})
		require.Empty(t, resp.Error)
		var body map[string]bool
		require.NoError(t, json.Unmarshal(resp.Result, &body))
		assert.True(t, body["ok"])
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := roundTrip(t, conn, reader, Request{ID: "u1", Method: "no.such.method"})
		assert.Contains(t, resp.Error, "unknown method")
	})

	t.Run("bad params", func(t *testing.T) {
		resp := roundTrip(t, conn, reader, Request{
			ID:     "b1",
			Method: MethodCompletionGet,
			Params: json.RawMessage(`"not an object"`),
		})
		assert.Contains(t, resp.Error, "bad params")
	})

	t.Run("malformed frame does not kill the connection", func(t *testing.T) {
		_, err := conn.Write([]byte("{{{ not json\n"))
		require.NoError(t, err)
		resp := roundTrip(t, conn, reader, Request{ID: "p2", Method: MethodPing})
		require.Empty(t, resp.Error)
	})

	t.Run("completion over the wire", func(t *testing.T) {
		params, err := json.Marshal(CompletionParams{Prefix: "the quick br", Anchor: "own"})
		require.NoError(t, err)
		resp := roundTrip(t, conn, reader, Request{ID: "c1", Method: MethodCompletionGet, Params: params})
		require.Empty(t, resp.Error)
		var result CompletionResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		assert.True(t, result.OK)
		assert.Equal(t, " fox jumps", result.Text)
	})

	t.Run("status over the wire", func(t *testing.T) {
		resp := roundTrip(t, conn, reader, Request{ID: "s1", Method: MethodStatusGet})
		require.Empty(t, resp.Error)
		var result StatusResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		require.Len(t, result.Pools, 2)
		assert.Equal(t, "completion", result.Pools[0].Label)
	})
}

func TestServer_InterleavedRequestsMultiplex(t *testing.T) {
	_, socket := startTestServer(t, newScript())

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	// Fire several requests before reading any reply; the correlation ids
	// must pair each reply to its request regardless of arrival order.
	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("req-%d", i)
		ids[id] = false
		frame, err := json.Marshal(Request{ID: id, Method: MethodPing})
		require.NoError(t, err)
		_, err = conn.Write(append(frame, '\n'))
		require.NoError(t, err)
	}

	reader := bufio.NewReader(conn)
	for i := 0; i < 5; i++ {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(line, &resp))
		seen, known := ids[resp.ID]
		require.True(t, known, "reply for unknown id %q", resp.ID)
		require.False(t, seen, "duplicate reply for id %q", resp.ID)
		ids[resp.ID] = true
	}
}

func TestServer_CompletionCacheCoalescesIdenticalRequests(t *testing.T) {
	sc := newScript()
	srv, _ := startTestServer(t, sc)

	params := CompletionParams{Prefix: "the quick br", Suffix: "\n", Anchor: "own"}

	first := srv.HandleCompletion(context.Background(), params)
	require.True(t, first.OK)
	second := srv.HandleCompletion(context.Background(), params)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sc.completionExchanges(), "identical request within the TTL is served from cache")

	// A different request is a different key and burns its own exchange.
	other := srv.HandleCompletion(context.Background(), CompletionParams{Prefix: "other", Anchor: "own"})
	require.True(t, other.OK)
	assert.Equal(t, 2, sc.completionExchanges())
}

func TestServer_FailedCompletionNotCached(t *testing.T) {
	sc := newScript()
	srv, _ := startTestServer(t, sc)

	// Anchor mismatch is a soft failure; it must not poison the cache.
	params := CompletionParams{Prefix: "x", Anchor: "func"}
	first := srv.HandleCompletion(context.Background(), params)
	require.False(t, first.OK)
	srv.HandleCompletion(context.Background(), params)
	assert.Equal(t, 2, sc.completionExchanges())
}

func TestServer_StatusIsPureRead(t *testing.T) {
	srv, _ := startTestServer(t, newScript())

	status := srv.HandleStatus()
	require.Len(t, status.Pools, 2)
	for _, p := range status.Pools {
		for _, slot := range p.Slots {
			assert.Equal(t, "available", slot.State)
		}
	}
}

func TestServer_ReconfigureFlushesCache(t *testing.T) {
	sc := newScript()
	srv, _ := startTestServer(t, sc)

	params := CompletionParams{Prefix: "the quick br", Anchor: "own"}
	require.True(t, srv.HandleCompletion(context.Background(), params).OK)
	require.Equal(t, 1, sc.completionExchanges())

	srv.Reconfigure("next-model")

	// Cached replies from the old model must not survive the switch.
	require.Eventually(t, func() bool {
		res := srv.HandleCompletion(context.Background(), params)
		return res.OK && sc.completionExchanges() >= 2
	}, 5*time.Second, 50*time.Millisecond)
}
