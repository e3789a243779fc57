package claude

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiln-dev/kiln/internal/agent"
)

// defaultKnownPaths defines the priority-ordered paths to check for the
// claude executable. These are checked before falling back to PATH lookup.
var defaultKnownPaths = []string{
	"~/.claude/local/{name}",
	"~/.claude/{name}",
}

// Session represents a long-lived headless Claude Code session that accepts
// streamed user messages on stdin and emits stream-json events on stdout.
// Session implements agent.Session by embedding BaseSession.
type Session struct {
	*agent.BaseSession
}

// extractSession extracts the session ID from an init event.
func extractSession(event agent.ResponseEvent, rawLine []byte) string {
	if event.IsInit() {
		var initData struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(rawLine, &initData); err == nil && initData.SessionID != "" {
			return initData.SessionID
		}
	}
	return ""
}

// encodeUserMessage wraps one user message in the stream-json frame the
// Claude CLI expects on stdin when --input-format stream-json is set.
func encodeUserMessage(text string) ([]byte, error) {
	frame := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	frame.Message.Role = "user"
	frame.Message.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Spawn creates and starts a new headless Claude session.
// The session stays alive across exchanges: each Send queues one user
// message, and each turn ends with a result event.
func Spawn(ctx context.Context, cfg agent.SessionConfig) (*Session, error) {
	return spawnWithParser(ctx, cfg, NewParser())
}

// spawnWithParser is the shared spawn path; tests and the runtime wrapper
// inject a parser with custom overflow patterns through it.
func spawnWithParser(ctx context.Context, cfg agent.SessionConfig, parser *Parser) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}

	claudePath, err := agent.NewExecutableFinder("claude",
		agent.WithKnownPaths(defaultKnownPaths...),
	).Find()
	if err != nil {
		return nil, err
	}

	base, err := agent.NewSpawnBuilder(ctx).
		WithExecutable(claudePath, buildArgs(cfg)).
		WithWorkDir(cfg.WorkDir).
		WithSessionRef(cfg.SessionID).
		WithTimeout(cfg.Timeout).
		WithParser(parser).
		WithSessionExtractor(extractSession).
		WithStdin(true).
		WithInputEncoder(encodeUserMessage).
		WithStderrCapture(true).
		WithRuntimeName("claude").
		WithEnv(cfg.Env).
		Build()
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}

	return &Session{BaseSession: base}, nil
}

// buildArgs constructs the command line arguments for claude.
func buildArgs(cfg agent.SessionConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if cfg.SessionID != "" {
		args = append(args, "--resume", cfg.SessionID)
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}

	for _, tool := range cfg.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}

	return args
}

// SessionID returns the session ID (may be empty until init event is received).
func (s *Session) SessionID() string {
	return s.SessionRef()
}

// Ensure Session implements agent.Session at compile time.
var _ agent.Session = (*Session)(nil)
