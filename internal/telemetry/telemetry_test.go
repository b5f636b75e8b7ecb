package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	tel, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}
	tel, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledInstallsGlobals(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	// The gRPC exporters dial lazily, so construction succeeds with no collector.
	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)
	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, isSDK)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased")
}

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	res := newResource(cfg)

	found := map[string]string{}
	for _, attr := range res.Attributes() {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "patternd", found["service.name"])
	assert.Equal(t, cfg.ServiceVersion, found["service.version"])
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "patterns.Assemble")
	span.SetAttributes(
		attribute.String("user.id", "user_1"),
		attribute.Int64("window_days", 30),
		attribute.Bool("cached", false),
	)
	span.End()

	tt.AssertSpanExists(t, "patterns.Assemble")
	tt.AssertSpanAttribute(t, "patterns.Assemble", "user.id", "user_1")
	tt.AssertSpanAttribute(t, "patterns.Assemble", "window_days", int64(30))
	tt.AssertSpanAttribute(t, "patterns.Assemble", "cached", false)
	assert.Nil(t, tt.SpanByName("missing"))
	assert.Equal(t, []string{"patterns.Assemble"}, tt.spanNames())
}

func TestTestTelemetry_CounterValue(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	counter, err := tt.Meter("test").Int64Counter("outcomes_total")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 3)

	assert.Equal(t, int64(5), tt.CounterValue(t, "outcomes_total"))
	assert.Zero(t, tt.CounterValue(t, "unknown_total"))
}

func TestTestTelemetry_Install(t *testing.T) {
	before := otel.GetTracerProvider()

	t.Run("installed", func(t *testing.T) {
		tt := NewTestTelemetry()
		tt.Install(t)

		_, span := otel.Tracer("global").Start(context.Background(), "via-global")
		span.End()
		tt.AssertSpanExists(t, "via-global")
	})

	assert.Equal(t, before, otel.GetTracerProvider())
}
