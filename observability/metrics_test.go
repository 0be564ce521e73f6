package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamilies(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}
	return byName
}

func metricWithLabels(family *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, metric := range family.GetMetric() {
		labels := make(map[string]string, len(metric.GetLabel()))
		for _, pair := range metric.GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		matched := true
		for k, v := range want {
			if labels[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return metric
		}
	}
	return nil
}

func counterValue(t *testing.T, byName map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	family, ok := byName[name]
	if !ok {
		t.Fatalf("metric family %s not registered", name)
	}
	metric := metricWithLabels(family, labels)
	if metric == nil || metric.Counter == nil {
		t.Fatalf("no counter in %s matching %v", name, labels)
	}
	return metric.Counter.GetValue()
}

func histogramSamples(t *testing.T, byName map[string]*dto.MetricFamily, name string, labels map[string]string) uint64 {
	t.Helper()
	family, ok := byName[name]
	if !ok {
		t.Fatalf("metric family %s not registered", name)
	}
	metric := metricWithLabels(family, labels)
	if metric == nil || metric.Histogram == nil {
		t.Fatalf("no histogram in %s matching %v", name, labels)
	}
	return metric.Histogram.GetSampleCount()
}

func TestLedgerMetricsSegmentOutcomes(t *testing.T) {
	reg := Ledger()
	reg.ObserveOperation("snapshot", nil, 15*time.Millisecond)
	reg.ObserveOperation("snapshot", errors.New("boom"), 5*time.Millisecond)
	reg.RecordEvent("  Credit.Opened ")
	reg.RecordEvent("")

	byName := gatherFamilies(t)
	if got := counterValue(t, byName, "creditline_ledger_operations_total", map[string]string{"op": "snapshot", "outcome": "ok"}); got != 1 {
		t.Fatalf("ok operations = %v", got)
	}
	if got := counterValue(t, byName, "creditline_ledger_operations_total", map[string]string{"op": "snapshot", "outcome": "error"}); got != 1 {
		t.Fatalf("error operations = %v", got)
	}
	if got := histogramSamples(t, byName, "creditline_ledger_operation_duration_seconds", map[string]string{"op": "snapshot"}); got != 2 {
		t.Fatalf("latency samples = %d", got)
	}
	// Event types are lowercased and trimmed; empty types land in "unknown".
	if got := counterValue(t, byName, "creditline_ledger_events_total", map[string]string{"type": "credit.opened"}); got != 1 {
		t.Fatalf("opened events = %v", got)
	}
	if got := counterValue(t, byName, "creditline_ledger_events_total", map[string]string{"type": "unknown"}); got != 1 {
		t.Fatalf("unknown events = %v", got)
	}
}

func TestRPCMetricsTrackErrorsAndThrottles(t *testing.T) {
	reg := RPC()
	reg.ObserveRequest("credit_probe", 0, 10*time.Millisecond)
	reg.ObserveRequest("credit_probe", -32602, 2*time.Millisecond)
	reg.RecordThrottle("credit_probe")

	byName := gatherFamilies(t)
	if got := counterValue(t, byName, "creditline_rpc_requests_total", map[string]string{"method": "credit_probe", "outcome": "ok"}); got != 1 {
		t.Fatalf("ok requests = %v", got)
	}
	if got := counterValue(t, byName, "creditline_rpc_requests_total", map[string]string{"method": "credit_probe", "outcome": "error"}); got != 1 {
		t.Fatalf("error requests = %v", got)
	}
	if got := counterValue(t, byName, "creditline_rpc_errors_total", map[string]string{"method": "credit_probe", "code": "-32602"}); got != 1 {
		t.Fatalf("coded errors = %v", got)
	}
	if got := counterValue(t, byName, "creditline_rpc_throttled_total", map[string]string{"method": "credit_probe"}); got != 1 {
		t.Fatalf("throttles = %v", got)
	}
	if got := histogramSamples(t, byName, "creditline_rpc_request_duration_seconds", map[string]string{"method": "credit_probe"}); got != 2 {
		t.Fatalf("latency samples = %d", got)
	}
}

func TestTransferMetricsNormalizeLabels(t *testing.T) {
	reg := Transfers()
	reg.RecordTransfer(" tst ", "IN")
	reg.RecordTransfer("tst", "south")
	reg.RecordTransfer("", "out")

	byName := gatherFamilies(t)
	if got := counterValue(t, byName, "creditline_vault_transfers_total", map[string]string{"asset": "TST", "direction": "in"}); got != 1 {
		t.Fatalf("inbound transfers = %v", got)
	}
	// Unrecognised directions are recorded as disbursements.
	if got := counterValue(t, byName, "creditline_vault_transfers_total", map[string]string{"asset": "TST", "direction": "out"}); got != 1 {
		t.Fatalf("outbound transfers = %v", got)
	}
	if got := counterValue(t, byName, "creditline_vault_transfers_total", map[string]string{"asset": "UNKNOWN", "direction": "out"}); got != 1 {
		t.Fatalf("unknown-asset transfers = %v", got)
	}
}
