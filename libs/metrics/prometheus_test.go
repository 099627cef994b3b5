package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusMetrics_DAGValidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.DAGValidations.WithLabelValues("accepted").Inc()
	m.DAGValidationErrors.WithLabelValues("cycle_detected").Inc()

	require.Equal(t, 1.0, testutil.ToFloat64(m.DAGValidations.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DAGValidationErrors.WithLabelValues("cycle_detected")))
}

func TestCircuitStateValue(t *testing.T) {
	require.Equal(t, 0.0, CircuitStateValue("closed"))
	require.Equal(t, 1.0, CircuitStateValue("half_open"))
	require.Equal(t, 2.0, CircuitStateValue("open"))
	require.Equal(t, -1.0, CircuitStateValue("unknown"))
}
