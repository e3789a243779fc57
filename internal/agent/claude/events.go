// Package claude provides a Go interface to headless Claude Code sessions.
package claude

import (
	"encoding/json"

	"github.com/kiln-dev/kiln/internal/agent"
)

// rawUsage holds raw token usage from Claude CLI JSON output.
type rawUsage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type contentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

type messageContent struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Content    []contentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	Usage      *rawUsage      `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// rawEvent is used for parsing raw Claude CLI JSON output.
// The Error field uses json.RawMessage because Claude CLI can send it as
// either a string (e.g., "invalid_request") or an object (e.g., {"message": "..."}).
type rawEvent struct {
	Type          string          `json:"type"`
	SubType       string          `json:"subtype,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	WorkDir       string          `json:"cwd,omitempty"`
	Message       *messageContent `json:"message,omitempty"`
	Usage         *rawUsage       `json:"usage,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"` // Can be string or ErrorInfo object
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	APIDurationMs int64           `json:"duration_api_ms,omitempty"`
	IsErrorResult bool            `json:"is_error,omitempty"`
	Result        string          `json:"result,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
}

// text concatenates the text blocks of a message.
func (m *messageContent) text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// parseErrorField handles the polymorphic error field from Claude CLI.
// It can be either a string (error code) or an object (ErrorInfo).
func parseErrorField(raw json.RawMessage) *agent.ErrorInfo {
	if len(raw) == 0 {
		return nil
	}

	// Try parsing as object first
	var errInfo agent.ErrorInfo
	if err := json.Unmarshal(raw, &errInfo); err == nil && errInfo.Message != "" {
		return &errInfo
	}

	// Try parsing as string (error code like "invalid_request")
	var errCode string
	if err := json.Unmarshal(raw, &errCode); err == nil && errCode != "" {
		return &agent.ErrorInfo{
			Code:   errCode,
			Reason: classifyErrorCode(errCode),
		}
	}

	return nil
}

// classifyErrorCode maps known error codes to structured ErrorReasons.
func classifyErrorCode(code string) agent.ErrorReason {
	switch code {
	case "invalid_request":
		return agent.ErrReasonInvalidRequest
	case "rate_limit_exceeded", "rate_limited":
		return agent.ErrReasonRateLimited
	default:
		return agent.ErrReasonUnknown
	}
}
