package claude

import (
	"encoding/json"
	"strings"

	"github.com/kiln-dev/kiln/internal/agent"
)

const (
	// ContextWindowSize is the context window size for Claude models.
	// TODO: This should be configurable per model.
	ContextWindowSize = 200000
)

// Parser implements agent.EventParser for Claude CLI JSON events.
// It embeds BaseParser for shared utilities and overrides methods as needed.
type Parser struct {
	agent.BaseParser
}

// NewParser creates a new Claude EventParser with the default context window size.
func NewParser() *Parser {
	return &Parser{
		BaseParser: agent.NewBaseParser(ContextWindowSize),
	}
}

// NewParserWithOverflowPatterns creates a Parser whose context exhaustion
// detection uses the given message patterns instead of the defaults.
func NewParserWithOverflowPatterns(patterns []string) *Parser {
	p := NewParser()
	p.SetOverflowPatterns(patterns)
	return p
}

// ParseEvent converts Claude CLI JSON to agent.ResponseEvent.
// This is the main parsing entry point called for each stdout line.
func (p *Parser) ParseEvent(data []byte) (agent.ResponseEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return agent.ResponseEvent{}, err
	}

	event := agent.ResponseEvent{
		Type:          agent.EventType(raw.Type),
		SubType:       raw.SubType,
		SessionID:     raw.SessionID,
		WorkDir:       raw.WorkDir,
		CostUSD:       raw.TotalCostUSD,
		DurationMs:    raw.DurationMs,
		APIDurationMs: raw.APIDurationMs,
		IsErrorResult: raw.IsErrorResult,
		Text:          raw.Result,
	}

	// Claude classifies string error codes (like "invalid_request") into the
	// Code field; objects carry a message directly.
	event.Error = parseErrorField(raw.Error)

	if raw.Message != nil {
		messageText := raw.Message.text()
		if event.Type == agent.EventMessage {
			event.Text = messageText
		}

		// Detect context exhaustion pattern:
		// - error code is "invalid_request"
		// - message content contains "Prompt is too long"
		// - stop_reason is "stop_sequence" (unusual for normal completion)
		if event.Error != nil && event.Error.Code == "invalid_request" {
			if strings.Contains(messageText, "Prompt is too long") || raw.Message.StopReason == "stop_sequence" {
				event.Error.Reason = agent.ErrReasonContextExceeded
				if event.Error.Message == "" {
					event.Error.Message = messageText
				}
			}
		}
	}

	if usage := pickUsage(raw); usage != nil {
		event.Usage = &agent.UsageInfo{
			InputTokens:              usage.InputTokens,
			OutputTokens:             usage.OutputTokens,
			CacheReadInputTokens:     usage.CacheReadInputTokens,
			CacheCreationInputTokens: usage.CacheCreationInputTokens,
		}
	}

	event.Raw = make([]byte, len(data))
	copy(event.Raw, data)

	return event, nil
}

// pickUsage prefers the assistant message usage over the top-level result
// usage, which has been observed to under-report.
func pickUsage(raw rawEvent) *rawUsage {
	if raw.Message != nil && raw.Message.Usage != nil {
		return raw.Message.Usage
	}
	return raw.Usage
}

// ExtractSessionRef returns the session identifier from an event. The spawn
// builder installs extractSession as the session extractor, which reads the
// id off the init frame's raw line, so the parser-level hook stays empty.
func (p *Parser) ExtractSessionRef(_ agent.ResponseEvent, _ []byte) string {
	return ""
}

// IsContextExhausted checks if an event indicates context window exhaustion.
func (p *Parser) IsContextExhausted(event agent.ResponseEvent) bool {
	if p.BaseParser.IsContextExhausted(event) {
		return true
	}
	return event.Error.IsContextExceeded()
}

// Verify Parser implements EventParser at compile time.
var _ agent.EventParser = (*Parser)(nil)
