package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// Spans on a noop tracer must not record.
	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProvider_FileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx, parent := p.Tracer().Start(context.Background(), "pool.exchange",
		trace.WithAttributes(attribute.String("pool", "completion")))
	_, child := p.Tracer().Start(ctx, "coord.request")
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	records := map[string]SpanRecord{}
	for _, line := range lines {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records[rec.Name] = rec
	}

	exchange, ok := records["pool.exchange"]
	require.True(t, ok)
	assert.Equal(t, "completion", exchange.Attributes["pool"])
	assert.Empty(t, exchange.ParentSpanID)

	request, ok := records["coord.request"]
	require.True(t, ok)
	assert.Equal(t, exchange.SpanID, request.ParentSpanID)
	assert.Equal(t, exchange.TraceID, request.TraceID)
}

func TestProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
}

func TestFileExporter_AppendsAcrossSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")

	for i := 0; i < 2; i++ {
		e, err := NewFileExporter(path)
		require.NoError(t, err)
		require.NoError(t, e.ExportSpans(context.Background(), nil), "empty batch is a no-op")
		require.NoError(t, e.Shutdown(context.Background()))
		require.NoError(t, e.Shutdown(context.Background()), "shutdown is idempotent")
	}

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestSpanKindToString(t *testing.T) {
	assert.Equal(t, "INTERNAL", spanKindToString(trace.SpanKindInternal))
	assert.Equal(t, "SERVER", spanKindToString(trace.SpanKindServer))
	assert.Equal(t, "UNSPECIFIED", spanKindToString(trace.SpanKindUnspecified))
}
