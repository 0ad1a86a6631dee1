package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"clonechain/core/events"
)

func TestCloneMetricsObserve(t *testing.T) {
	m := Clone()
	before := testutil.ToFloat64(m.operations.WithLabelValues("swap", "SlippageToleranceExceeded"))
	m.Observe("swap", time.Millisecond, "SlippageToleranceExceeded")
	m.Observe(" swap ", time.Millisecond, "")
	if got := testutil.ToFloat64(m.operations.WithLabelValues("swap", "SlippageToleranceExceeded")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("swap", "success")); got < 1 {
		t.Fatalf("success outcome not recorded")
	}

	m.RecordOracleSlot(3, 42)
	if got := testutil.ToFloat64(m.oracleSlot.WithLabelValues("3")); got != 42 {
		t.Fatalf("oracle slot gauge = %v", got)
	}
}

func latencyHistogram(t *testing.T, operation string) *dto.Histogram {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "clone_engine_operation_duration_seconds" {
			continue
		}
		for _, metric := range family.Metric {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "operation" && label.GetValue() == operation {
					return metric.GetHistogram()
				}
			}
		}
	}
	return nil
}

func TestCloneLatencyHistogram(t *testing.T) {
	m := Clone()
	m.Observe("borrow_more", 3*time.Millisecond, "")
	m.Observe("borrow_more", 40*time.Millisecond, "InvalidMintCollateralRatio")

	hist := latencyHistogram(t, "borrow_more")
	if hist == nil {
		t.Fatalf("histogram for borrow_more not exported")
	}
	if hist.GetSampleCount() != 2 {
		t.Fatalf("expected 2 samples, got %d", hist.GetSampleCount())
	}
	if sum := hist.GetSampleSum(); sum < 0.042 || sum > 0.044 {
		t.Fatalf("unexpected sample sum %v", sum)
	}
}

func TestEventMetricsEmitter(t *testing.T) {
	m := Events()
	var emitter events.Emitter = m
	before := testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeCloneSwap))
	swap := &events.CloneSwap{}
	swap.SetSequenceID(17)
	emitter.Emit(swap)
	if got := testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeCloneSwap)); got != before+1 {
		t.Fatalf("expected %v swap events, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(m.sequence); got != 17 {
		t.Fatalf("sequence gauge = %v", got)
	}
}

func TestModuleMetricsNilSafe(t *testing.T) {
	var m *moduleMetrics
	m.Observe("clone", "swap", 500, time.Second)
	m.RecordThrottle("clone", "rate_limit")
	var c *CloneMetrics
	c.Observe("swap", time.Second, "")
	c.RecordLiquidation("borrow")
}
