package coord

import (
	"encoding/json"

	"github.com/kiln-dev/kiln/internal/pool"
)

// IPC methods. Requests and responses are newline-delimited JSON frames
// with a correlation id, so multiple in-flight requests multiplex over one
// connection and replies are matched independently of arrival order.
const (
	MethodCompletionGet = "completion.get"
	MethodCommandSend   = "command.send"
	MethodStatusGet     = "status.get"
	MethodPing          = "ping"

	// NotifyPoolDegraded is a server-push frame (empty id) fanned out to
	// every connected client when a pool degrades.
	NotifyPoolDegraded = "pool.degraded"
)

// Request is one client-to-server frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one server-to-client frame. Frames with an empty ID are
// server-push notifications; Method is set only on those.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CompletionParams carries one fill-in-the-middle request.
type CompletionParams struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
	Anchor string `json:"anchor"`
}

// CompletionResult carries the decoded continuation. OK=false means no
// result (soft failure, pool unavailable, or anchor mismatch).
type CompletionResult struct {
	Text string `json:"text"`
	OK   bool   `json:"ok"`
}

// CommandParams carries one command-style prompt.
type CommandParams struct {
	Message   string `json:"message"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// CommandResult carries the reply and exchange metadata.
type CommandResult struct {
	Text string             `json:"text"`
	OK   bool               `json:"ok"`
	Meta *pool.ExchangeMeta `json:"meta,omitempty"`
}

// StatusResult is the aggregate diagnostics snapshot.
type StatusResult struct {
	LeaderPID int               `json:"leader_pid"`
	Pools     []pool.PoolStatus `json:"pools"`
}

// DegradedParams is the payload of a pool.degraded notification.
type DegradedParams struct {
	Pool  string `json:"pool"`
	Slot  int    `json:"slot"`
	Error string `json:"error,omitempty"`
}

func marshalResult(id string, v any) (Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{ID: id, Error: err.Error()}, err
	}
	return Response{ID: id, Result: data}, nil
}
