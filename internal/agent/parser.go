package agent

import (
	"encoding/json"
	"strings"
)

// EventParser defines the contract for runtime-specific event parsing.
// All runtimes must implement this interface to ensure consistent behavior.
type EventParser interface {
	// ParseEvent converts runtime-specific JSON to ResponseEvent.
	// This is the main parsing entry point called for each stdout line.
	ParseEvent(data []byte) (ResponseEvent, error)

	// ExtractSessionRef returns the session identifier from an event.
	// Called for every event, not just init, since some runtimes emit
	// session IDs in later events.
	ExtractSessionRef(event ResponseEvent, rawLine []byte) string

	// IsContextExhausted checks if an event indicates context window exhaustion.
	IsContextExhausted(event ResponseEvent) bool

	// ContextWindowSize returns the runtime's context window size in tokens.
	ContextWindowSize() int
}

// DefaultOverflowPatterns are the substrings (matched case-insensitively)
// recognized as context window exhaustion across runtime CLIs. The active
// set is configurable per parser so new runtime versions with different
// wording can be handled without a code change.
var DefaultOverflowPatterns = []string{
	"prompt is too long",
	"context window exceeded",
	"context exceeded",
	"context limit",
	"token limit",
	"maximum context length",
	"context_overflow",
}

// BaseParser provides common parsing utilities that runtimes can embed.
// Runtimes embed this struct and override methods as needed.
type BaseParser struct {
	contextWindowSize int
	overflowPatterns  []string
}

// NewBaseParser creates a BaseParser with the specified context window size
// and the default overflow patterns.
func NewBaseParser(contextWindow int) BaseParser {
	return BaseParser{
		contextWindowSize: contextWindow,
		overflowPatterns:  DefaultOverflowPatterns,
	}
}

// ContextWindowSize returns the runtime's context window size.
func (p *BaseParser) ContextWindowSize() int {
	return p.contextWindowSize
}

// SetOverflowPatterns replaces the overflow pattern set. An empty slice
// restores the defaults.
func (p *BaseParser) SetOverflowPatterns(patterns []string) {
	if len(patterns) == 0 {
		p.overflowPatterns = DefaultOverflowPatterns
		return
	}
	p.overflowPatterns = patterns
}

// IsContextExhausted implements shared context exhaustion detection.
// Structured classification wins; message pattern matching is the fallback.
func (p *BaseParser) IsContextExhausted(event ResponseEvent) bool {
	if !event.IsError() {
		return false
	}
	if event.Error != nil && event.Error.Reason == ErrReasonContextExceeded {
		return true
	}
	return MatchesOverflow(event.GetErrorMessage(), p.overflowPatterns)
}

// MatchesOverflow checks if a message matches any overflow pattern,
// case-insensitively. An empty message never matches.
func MatchesOverflow(msg string, patterns []string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// ParsePolymorphicError handles the polymorphic error field from runtime CLI
// outputs. It can be:
//   - A string: "error message"
//   - An object: {"code": "x", "message": "y"}
//   - A string with embedded JSON: "413 {\"type\":\"error\",\"error\":{...}}"
//
// Returns nil for null/empty input.
func ParsePolymorphicError(raw json.RawMessage) *ErrorInfo {
	if len(raw) == 0 {
		return nil
	}

	var errInfo ErrorInfo
	if err := json.Unmarshal(raw, &errInfo); err == nil && (errInfo.Message != "" || errInfo.Code != "") {
		return &errInfo
	}

	var errStr string
	if err := json.Unmarshal(raw, &errStr); err == nil && errStr != "" {
		return parseErrorString(errStr)
	}

	return nil
}

// parseErrorString extracts error information from an error string.
// Handles formats like: "413 {\"type\":\"error\",\"error\":{...}}"
func parseErrorString(errStr string) *ErrorInfo {
	if idx := strings.Index(errStr, "{"); idx >= 0 {
		jsonPart := errStr[idx:]
		var nested struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(jsonPart), &nested); err == nil && nested.Error.Message != "" {
			return &ErrorInfo{
				Message: nested.Error.Message,
				Code:    nested.Error.Type,
			}
		}
	}

	return &ErrorInfo{
		Message: errStr,
	}
}
