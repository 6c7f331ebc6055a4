package metricsapi

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var apiCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "metrics_operator_api_calls_total",
		Help: "Control-plane API calls issued by the operator, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

func init() {
	ctrlmetrics.Registry.MustRegister(apiCallsTotal)
}

// RecordAPICall counts one control-plane call. The outcome label is "ok",
// the API error code, or "transport" for failures that never produced a
// classified response.
func RecordAPICall(operation string, err error) {
	outcome := "ok"
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			outcome = apiErr.Code
		} else {
			outcome = "transport"
		}
	}
	apiCallsTotal.WithLabelValues(operation, outcome).Inc()
}
