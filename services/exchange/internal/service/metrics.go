package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OpenOrders        prometheus.Gauge
	FeesCollected     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_operations_total",
				Help: "Total ledger operations by type and outcome.",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_operation_duration_seconds",
				Help:    "Ledger operation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OpenOrders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchange_open_orders",
				Help: "Number of currently open orders.",
			},
		),
		FeesCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_fees_collected_total",
				Help: "Fee units collected, by token.",
			},
			[]string{"token"},
		),
	}

	registry.MustRegister(m.OperationsTotal, m.OperationDuration, m.OpenOrders, m.FeesCollected)
	return m
}

func (m *Metrics) observe(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}
