package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/config"
	"github.com/omx-dev/omx/internal/tracing"
)

func TestTracingFromConfig_DerivesFilePath(t *testing.T) {
	tc := config.TracingConfig{Enabled: true, Exporter: "file", SampleRate: 0.5}

	out := tracingFromConfig(tc, "/proj")

	require.True(t, out.Enabled)
	require.Equal(t, "file", out.Exporter)
	require.Equal(t, 0.5, out.SampleRate)
	require.Equal(t, filepath.Join("/proj", ".omx", "traces.jsonl"), out.FilePath)
	require.Equal(t, tracing.DefaultServiceName, out.ServiceName)
}

func TestTracingFromConfig_KeepsExplicitPath(t *testing.T) {
	tc := config.TracingConfig{Enabled: true, Exporter: "file", FilePath: "/var/log/traces.jsonl"}

	out := tracingFromConfig(tc, "/proj")

	require.Equal(t, "/var/log/traces.jsonl", out.FilePath)
}
