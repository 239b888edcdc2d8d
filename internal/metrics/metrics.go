// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggerRequests counts finalization trigger responses by code.
	TriggerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acmekeeper",
		Name:      "trigger_requests_total",
		Help:      "Finalization trigger calls by response code.",
	}, []string{"code"})

	// HousekeepingRows counts rows affected by housekeeping operations.
	HousekeepingRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acmekeeper",
		Name:      "housekeeping_rows_total",
		Help:      "Rows affected by housekeeping operations.",
	}, []string{"operation"})
)

// ObserveTrigger counts one trigger response.
func ObserveTrigger(code int) {
	TriggerRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveHousekeeping adds n affected rows to operation.
func ObserveHousekeeping(operation string, n int) {
	HousekeepingRows.WithLabelValues(operation).Add(float64(n))
}
