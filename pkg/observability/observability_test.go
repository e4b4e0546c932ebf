package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	p, err := New(context.Background(), DefaultConfig(), WithMeterProvider(mp), WithTracerProvider(tp))
	require.NoError(t, err)
	return p, reader, sr
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string, match attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(match.Key); match.Key == "" || (ok && v == match.Value) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestProvider_Counters(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordDecision(ctx, "duplicate_guard", "allow")
	p.RecordDecision(ctx, "duplicate_guard", "block")
	p.RecordDecision(ctx, "autonomy_tier", "allow")
	p.RecordProposal(ctx, "api", "proposed")
	p.RecordOutcome(ctx, "scale_up", "success", 3*time.Second)
	p.RecordLedgerFailure(ctx)

	assert.EqualValues(t, 3, sumOf(t, reader, "selfheal.decisions.total", attribute.KeyValue{}))
	assert.EqualValues(t, 2, sumOf(t, reader, "selfheal.decisions.total", attribute.String("policy", "duplicate_guard")))
	assert.EqualValues(t, 1, sumOf(t, reader, "selfheal.proposals.total", attribute.String("service", "api")))
	assert.EqualValues(t, 1, sumOf(t, reader, "selfheal.runs.completed", attribute.String("result", "success")))
	assert.EqualValues(t, 1, sumOf(t, reader, "selfheal.ledger.failures.total", attribute.KeyValue{}))
}

func TestProvider_TrackExecution(t *testing.T) {
	p, reader, sr := newTestProvider(t)

	_, done := p.TrackExecution(context.Background(), "run-1", "api", "scale_up")
	assert.EqualValues(t, 1, sumOf(t, reader, "selfheal.executions.active", attribute.KeyValue{}))
	done(errors.New("boom"))
	assert.EqualValues(t, 0, sumOf(t, reader, "selfheal.executions.active", attribute.KeyValue{}))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "selfheal.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestNew_WithoutEndpointUsesGlobals(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// No-op instruments must still be safe to call.
	p.RecordDecision(context.Background(), "catalog", "block")
	_, done := p.TrackExecution(context.Background(), "r", "s", "p")
	done(nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}
