package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/emubridge/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NotNil(t, p.MeterProvider)
	counter, err := p.MeterProvider.Meter("test").Int64Counter("ops")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupOTLP(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{
		OTLPEndpoint: "127.0.0.1:4317",
		ServiceName:  "emubridge-test",
		Insecure:     true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, p.Enabled())
	assert.IsType(t, &sdktrace.TracerProvider{}, p.TracerProvider)
	assert.IsType(t, &sdkmetric.MeterProvider{}, p.MeterProvider)

	_, span := p.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Nothing listens on the endpoint; shutdown must still return.
	_ = p.Shutdown(ctx)
}
