package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: installs the global provider.
func TestInitTracerProviderRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", SampleRatio: 1, Exporter: exporter})
	require.NoError(t, err)

	ctx, span := Tracer().Start(context.Background(), "scrape")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "scrape", spans[0].Name)
	assert.NotEmpty(t, carrier.Get("traceparent"))

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewExporterKinds(t *testing.T) {
	t.Parallel()

	exporter, err := NewExporter("", "")
	require.NoError(t, err)
	assert.Nil(t, exporter)

	exporter, err = NewExporter("none", "proj")
	require.NoError(t, err)
	assert.Nil(t, exporter)

	_, err = NewExporter("jaeger", "proj")
	require.ErrorContains(t, err, "unknown trace exporter")
}
