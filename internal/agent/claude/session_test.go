package claude

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/internal/agent"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  agent.SessionConfig
		want []string
	}{
		{
			name: "minimal",
			cfg:  agent.SessionConfig{WorkDir: "/tmp"},
			want: []string{
				"--print",
				"--output-format", "stream-json",
				"--input-format", "stream-json",
				"--verbose",
			},
		},
		{
			name: "resume with model",
			cfg:  agent.SessionConfig{WorkDir: "/tmp", SessionID: "sess-1", Model: "sonnet"},
			want: []string{
				"--print",
				"--output-format", "stream-json",
				"--input-format", "stream-json",
				"--verbose",
				"--resume", "sess-1",
				"--model", "sonnet",
			},
		},
		{
			name: "full options",
			cfg: agent.SessionConfig{
				WorkDir:         "/tmp",
				Model:           "opus",
				SkipPermissions: true,
				SystemPrompt:    "be terse",
				DisallowedTools: []string{"Bash", "WebFetch"},
			},
			want: []string{
				"--print",
				"--output-format", "stream-json",
				"--input-format", "stream-json",
				"--verbose",
				"--model", "opus",
				"--dangerously-skip-permissions",
				"--append-system-prompt", "be terse",
				"--disallowed-tools", "Bash",
				"--disallowed-tools", "WebFetch",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildArgs(tt.cfg))
		})
	}
}

func TestEncodeUserMessage(t *testing.T) {
	data, err := encodeUserMessage("hello\nworld")
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1], "frames are newline-delimited")

	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "user", frame.Type)
	assert.Equal(t, "user", frame.Message.Role)
	require.Len(t, frame.Message.Content, 1)
	assert.Equal(t, "text", frame.Message.Content[0].Type)
	assert.Equal(t, "hello\nworld", frame.Message.Content[0].Text)
}

func TestExtractSession(t *testing.T) {
	init := agent.ResponseEvent{
		Type:      agent.EventSystem,
		SubType:   "init",
		Timestamp: time.Now(),
	}
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-42"}`)
	assert.Equal(t, "sess-42", extractSession(init, line))

	// Only init events carry the session id.
	msg := agent.ResponseEvent{Type: agent.EventMessage}
	assert.Empty(t, extractSession(msg, line))

	// Init without an id extracts nothing.
	assert.Empty(t, extractSession(init, []byte(`{"type":"system","subtype":"init"}`)))
}
