package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/parley/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)

	assert.False(t, tel.Enabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TelemetryConfig
	}{
		{"missing endpoint", config.TelemetryConfig{Enabled: true, ServiceName: "parley"}},
		{"missing service", config.TelemetryConfig{Enabled: true, Endpoint: "localhost:4317"}},
		{"insecure remote", config.TelemetryConfig{Enabled: true, Endpoint: "otel.example.com:4317", ServiceName: "parley", Insecure: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, err := New(context.Background(), tt.cfg, "test")
			require.Error(t, err)
			assert.Nil(t, tel)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("collector:4317"))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.Enabled())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "op")
	span.End()
	assert.Equal(t, []string{"op"}, tt.SpanNames())

	counter, err := tt.Meter("test").Int64Counter("ops_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, ok := tt.Metric(t, "ops_total")
	assert.True(t, ok)
}
