package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), Options{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupUnknown(t *testing.T) {
	_, err := Setup(context.Background(), Options{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "zipkin")
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := Setup(ctx, Options{ServiceName: "checkout-test", Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "settlement.settle")
	span.End()
	require.NoError(t, shutdown(ctx))

	assert.Contains(t, buf.String(), "settlement.settle")
	assert.Contains(t, buf.String(), "checkout-test")
}
