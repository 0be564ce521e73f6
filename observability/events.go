package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type transferMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	transferMetricsOnce sync.Once
	transferRegistry    *transferMetrics
)

// Transfers returns the metrics registry tracking reserve vault movements.
func Transfers() *transferMetrics {
	transferMetricsOnce.Do(func() {
		transferRegistry = &transferMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "vault",
				Name:      "transfers_total",
				Help:      "Count of reserve vault transfers segmented by asset and direction.",
			}, []string{"asset", "direction"}),
		}
		prometheus.MustRegister(transferRegistry.transfers)
	})
	return transferRegistry
}

// RecordTransfer increments the transfer counter for the supplied asset and
// direction ("out" for disbursements from the reserve, "in" for returns).
func (m *transferMetrics) RecordTransfer(asset, direction string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	dir := strings.TrimSpace(strings.ToLower(direction))
	if dir != "in" && dir != "out" {
		dir = "out"
	}
	m.transfers.WithLabelValues(normalized, dir).Inc()
}
