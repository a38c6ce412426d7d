package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/monoco-io/monoco/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	_, span := p.Tracer().Start(context.Background(), "transition.close")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(config.TracingConfig{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanPrefixTransition+"submit")
	span.SetAttributes(attribute.String(AttrIssueID, "FIX-0001"))
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "transition.submit", rec.Name)
	require.Equal(t, "FIX-0001", rec.Attributes[AttrIssueID])
	require.NotEmpty(t, rec.TraceID)
}

func TestUnsupportedExporterFails(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
}
