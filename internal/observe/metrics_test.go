package observe

import (
	"context"
	"testing"

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestSendFailureCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSendFailure(ctx, "full_duplex")
	m.RecordSendFailure(ctx, "full_duplex")
	m.RecordSendFailure(ctx, "hybrid")

	rm := collect(t, reader)
	mt := findMetric(rm, "voxpilot.stream.send_failures")
	if mt == nil {
		t.Fatal("send_failures metric not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T, want Sum[int64]", mt.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("send failures total = %d, want 3", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2 (one per mode)", len(sum.DataPoints))
	}
}

func TestDowngradeCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordDowngrade(context.Background(), "full_duplex", "hybrid")

	rm := collect(t, reader)
	mt := findMetric(rm, "voxpilot.mode.downgrades")
	if mt == nil {
		t.Fatal("downgrades metric not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("downgrade counter = %+v, want single increment", mt.Data)
	}
}

func TestProbeHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProbe(ctx, "infer", 0.02)
	m.RecordProbe(ctx, "infer", 0.04)

	rm := collect(t, reader)
	mt := findMetric(rm, "voxpilot.probe.duration")
	if mt == nil {
		t.Fatal("probe duration metric not found")
	}
	hist, ok := mt.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", mt.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Count != 2 {
		t.Errorf("probe count = %d, want 2", hist.DataPoints[0].Count)
	}
}

func TestBackendsOnlineGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BackendsOnline.Add(ctx, 3)
	m.BackendsOnline.Add(ctx, -1)

	rm := collect(t, reader)
	mt := findMetric(rm, "voxpilot.backends.online")
	if mt == nil {
		t.Fatal("backends online metric not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("data = %+v", mt.Data)
	}
	if sum.DataPoints[0].Value != 2 {
		t.Errorf("backends online = %d, want 2", sum.DataPoints[0].Value)
	}
}
