package agent

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of decoded session event.
type EventType string

const (
	// EventSystem is a system-level event (init is a subtype).
	EventSystem EventType = "system"
	// EventMessage is an assistant message event.
	EventMessage EventType = "assistant"
	// EventResult is a completion/result event that ends one exchange.
	EventResult EventType = "result"
	// EventError is an error event.
	EventError EventType = "error"
)

// ResponseEvent is a decoded event from the agent session's output stream.
// This is a unified structure that all providers map their events to.
type ResponseEvent struct {
	Type      EventType `json:"type"`
	SubType   string    `json:"subtype,omitempty"`
	Timestamp time.Time `json:"-"`

	// Session information (from init events)
	SessionID string `json:"session_id,omitempty"`
	WorkDir   string `json:"cwd,omitempty"`

	// Text carries assistant message text for message events and the final
	// decoded reply for result events.
	Text string `json:"text,omitempty"`

	// Token usage (from result events)
	Usage *UsageInfo `json:"usage,omitempty"`

	// Error information
	Error *ErrorInfo `json:"error,omitempty"`

	// Cost and duration (from result events)
	CostUSD       float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	APIDurationMs int64   `json:"duration_api_ms,omitempty"`
	IsErrorResult bool    `json:"is_error,omitempty"`

	// Raw payload for debugging
	Raw json.RawMessage `json:"-"`
}

// IsInit returns true if this is a system init event.
func (e *ResponseEvent) IsInit() bool {
	return e.Type == EventSystem && e.SubType == "init"
}

// IsMessage returns true if this is an assistant message event.
func (e *ResponseEvent) IsMessage() bool {
	return e.Type == EventMessage
}

// IsResult returns true if this is a result (exchange-ending) event.
func (e *ResponseEvent) IsResult() bool {
	return e.Type == EventResult
}

// IsError returns true if this is an error event.
// This includes explicit error events and result events with is_error=true.
func (e *ResponseEvent) IsError() bool {
	return e.Type == EventError || e.Error != nil || e.IsErrorResult
}

// GetErrorMessage returns the error message from this event.
// For explicit errors, returns Error.Message; for result errors
// (is_error=true), returns the result text.
func (e *ResponseEvent) GetErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if e.IsErrorResult && e.Text != "" {
		return e.Text
	}
	return "unknown error"
}

// UsageInfo holds token usage that all providers populate on result events.
type UsageInfo struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ErrorReason provides structured error classification for known error types.
type ErrorReason string

const (
	// ErrReasonUnknown is the default when error type cannot be determined.
	ErrReasonUnknown ErrorReason = ""
	// ErrReasonContextExceeded indicates the session's context window was exhausted.
	ErrReasonContextExceeded ErrorReason = "context_exceeded"
	// ErrReasonRateLimited indicates the API rate limit was hit.
	ErrReasonRateLimited ErrorReason = "rate_limited"
	// ErrReasonInvalidRequest indicates a malformed or invalid request.
	ErrReasonInvalidRequest ErrorReason = "invalid_request"
)

// ErrorInfo holds error details.
type ErrorInfo struct {
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Reason  ErrorReason `json:"reason,omitempty"`
}

// IsContextExceeded returns true if this error indicates context window exhaustion.
func (e *ErrorInfo) IsContextExceeded() bool {
	return e != nil && e.Reason == ErrReasonContextExceeded
}
