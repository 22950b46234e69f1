package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the value of the data point whose attribute key has
// the given value, or -1 if no such data point exists.
func counterValue(sum metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxgate.session.duration", m.SessionDuration},
		{"voxgate.tool.duration", m.ToolDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInboundFrame(ctx, "audio")
	m.RecordInboundFrame(ctx, "audio")
	m.RecordInboundFrame(ctx, "text")
	m.RecordOutboundFrame(ctx, "turn_complete")

	rm := collect(t, reader)

	in := findMetric(rm, "voxgate.frames.inbound")
	if in == nil {
		t.Fatal("inbound frame metric not found")
	}
	sum, ok := in.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("inbound frame metric is not a sum")
	}
	if got := counterValue(sum, "type", "audio"); got != 2 {
		t.Errorf("inbound audio count = %d, want 2", got)
	}
	if got := counterValue(sum, "type", "text"); got != 1 {
		t.Errorf("inbound text count = %d, want 1", got)
	}

	out := findMetric(rm, "voxgate.frames.outbound")
	if out == nil {
		t.Fatal("outbound frame metric not found")
	}
	sum, ok = out.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("outbound frame metric is not a sum")
	}
	if got := counterValue(sum, "type", "turn_complete"); got != 1 {
		t.Errorf("outbound turn_complete count = %d, want 1", got)
	}
}

func TestToolInvocationRecordsCounterAndDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolInvocation(ctx, "get_weather", "ok", 0.2)
	m.RecordToolInvocation(ctx, "get_weather", "error", 0.1)

	rm := collect(t, reader)

	met := findMetric(rm, "voxgate.tool.invocations")
	if met == nil {
		t.Fatal("invocation metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("invocation metric is not a sum")
	}
	if got := counterValue(sum, "outcome", "ok"); got != 1 {
		t.Errorf("ok invocations = %d, want 1", got)
	}

	dur := findMetric(rm, "voxgate.tool.duration")
	if dur == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var samples uint64
	for _, dp := range hist.DataPoints {
		samples += dp.Count
	}
	if samples != 2 {
		t.Errorf("duration samples = %d, want 2", samples)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx, 12.5)

	rm := collect(t, reader)

	active := findMetric(rm, "voxgate.sessions.active")
	if active == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := active.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active sessions metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	total := findMetric(rm, "voxgate.sessions.total")
	if total == nil {
		t.Fatal("total sessions metric not found")
	}
	tsum, ok := total.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("total sessions metric is not a sum")
	}
	if got := tsum.DataPoints[0].Value; got != 2 {
		t.Errorf("total sessions = %d, want 2", got)
	}

	dur := findMetric(rm, "voxgate.session.duration")
	if dur == nil {
		t.Fatal("session duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("session duration metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("duration samples = %d, want 1", got)
	}
}

func TestTokenCacheAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTokenIssued(ctx, true)
	m.RecordTokenIssued(ctx, true)
	m.RecordTokenIssued(ctx, false)

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.tokens.issued")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "cache", "hit"); got != 2 {
		t.Errorf("cache hits = %d, want 2", got)
	}
	if got := counterValue(sum, "cache", "miss"); got != 1 {
		t.Errorf("cache misses = %d, want 1", got)
	}
}

func TestUpstreamConnectsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUpstreamConnect(ctx, "ok")
	m.RecordUpstreamConnect(ctx, "error")
	m.RecordUpstreamConnect(ctx, "error")

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.upstream.connects")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := counterValue(sum, "outcome", "error"); got != 2 {
		t.Errorf("error connects = %d, want 2", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxgate.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
