package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/agent"
)

func TestParser_ParseInitEvent(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-123","cwd":"/tmp/work"}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	assert.True(t, event.IsInit())
	assert.Equal(t, "sess-123", event.SessionID)
	assert.Equal(t, "/tmp/work", event.WorkDir)
	assert.Equal(t, line, []byte(event.Raw))
}

func TestParser_ParseAssistantMessage(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"own fox "},{"type":"text","text":"jumps"}],"usage":{"input_tokens":42,"output_tokens":7}}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	assert.True(t, event.IsMessage())
	assert.Equal(t, "own fox jumps", event.Text, "text blocks concatenate in order")
	require.NotNil(t, event.Usage)
	assert.Equal(t, 42, event.Usage.InputTokens)
	assert.Equal(t, 7, event.Usage.OutputTokens)
}

func TestParser_ParseResultEvent(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","result":"feat: add widget","total_cost_usd":0.0123,"duration_ms":1500,"duration_api_ms":900,"usage":{"input_tokens":100,"output_tokens":25,"cache_read_input_tokens":80}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	assert.True(t, event.IsResult())
	assert.Equal(t, "feat: add widget", event.Text)
	assert.InDelta(t, 0.0123, event.CostUSD, 1e-9)
	assert.Equal(t, int64(1500), event.DurationMs)
	assert.Equal(t, int64(900), event.APIDurationMs)
	require.NotNil(t, event.Usage)
	assert.Equal(t, 80, event.Usage.CacheReadInputTokens)
}

func TestParser_ParseErrorResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"error","is_error":true,"result":"execution failed"}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	assert.True(t, event.IsResult())
	assert.True(t, event.IsErrorResult)
	assert.True(t, event.IsError())
}

func TestParser_MessageUsagePreferredOverTopLevel(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":500}},"usage":{"input_tokens":1}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Usage)
	assert.Equal(t, 500, event.Usage.InputTokens)
}

func TestParser_ContextExhaustionFromPromptTooLong(t *testing.T) {
	line := []byte(`{"type":"assistant","error":"invalid_request","message":{"content":[{"type":"text","text":"Prompt is too long: 215000 tokens > 200000 maximum"}]}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Equal(t, agent.ErrReasonContextExceeded, event.Error.Reason)
	assert.Contains(t, event.Error.Message, "Prompt is too long")
	assert.True(t, NewParser().IsContextExhausted(event))
}

func TestParser_ContextExhaustionFromStopSequence(t *testing.T) {
	line := []byte(`{"type":"assistant","error":"invalid_request","message":{"content":[{"type":"text","text":"partial"}],"stop_reason":"stop_sequence"}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Equal(t, agent.ErrReasonContextExceeded, event.Error.Reason)
}

func TestParser_InvalidRequestWithoutOverflowIsNotExhaustion(t *testing.T) {
	line := []byte(`{"type":"assistant","error":"invalid_request","message":{"content":[{"type":"text","text":"missing field"}]}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Equal(t, agent.ErrReasonInvalidRequest, event.Error.Reason)
	assert.False(t, NewParser().IsContextExhausted(event))
}

func TestParser_RateLimitClassification(t *testing.T) {
	line := []byte(`{"type":"error","error":"rate_limited"}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Equal(t, agent.ErrReasonRateLimited, event.Error.Reason)
}

func TestParser_ErrorObjectForm(t *testing.T) {
	line := []byte(`{"type":"error","error":{"code":"overloaded","message":"servers are busy"}}`)

	event, err := NewParser().ParseEvent(line)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Equal(t, "overloaded", event.Error.Code)
	assert.Equal(t, "servers are busy", event.Error.Message)
}

func TestParser_MalformedJSON(t *testing.T) {
	_, err := NewParser().ParseEvent([]byte(`{not json`))
	require.Error(t, err)
}

func TestParser_CustomOverflowPatterns(t *testing.T) {
	p := NewParserWithOverflowPatterns([]string{"bespoke overflow marker"})

	event := agent.ResponseEvent{
		Type:  agent.EventError,
		Error: &agent.ErrorInfo{Message: "bespoke overflow marker seen"},
	}
	assert.True(t, p.IsContextExhausted(event))
}

func TestParser_ContextWindowSize(t *testing.T) {
	assert.Equal(t, ContextWindowSize, NewParser().ContextWindowSize())
}
