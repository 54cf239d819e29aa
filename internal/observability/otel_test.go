package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/config"
)

func TestSetupTracing_DisabledIsNoop(t *testing.T) {
	tc := config.GetDefaultConfig().Monitoring.Tracing
	tc.Enabled = false

	shutdown, err := SetupTracing(context.Background(), tc)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_Enabled(t *testing.T) {
	tc := config.GetDefaultConfig().Monitoring.Tracing
	tc.Enabled = true
	tc.Endpoint = "http://127.0.0.1:1"
	tc.ServiceName = ""

	// gRPC 导出器延迟连接，没有采集器也能初始化
	shutdown, err := SetupTracing(context.Background(), tc)
	if err != nil {
		t.Skipf("exporter unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, endpointHost(tt.input))
		})
	}
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, defaultSampleRatio, SampleRatio(-0.1))
	assert.Equal(t, defaultSampleRatio, SampleRatio(0))
	assert.Equal(t, defaultSampleRatio, SampleRatio(1.5))
	assert.Equal(t, 0.5, SampleRatio(0.5))
	assert.Equal(t, 1.0, SampleRatio(1))
}
