package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveOperation(t *testing.T) {
	m := NewMetricsForTesting()

	m.ObserveOperation("convert", time.Now(), nil)
	m.ObserveOperation("convert", time.Now(), errors.New("boom"))
	m.ObserveOperation("convert", time.Now(), nil)

	assert.Equal(t, 2.0, counterValue(t, m.Operations.WithLabelValues("convert", "success")))
	assert.Equal(t, 1.0, counterValue(t, m.Operations.WithLabelValues("convert", "error")))

	var h dto.Metric
	obs := m.OperationDuration.WithLabelValues("convert").(prometheus.Histogram)
	require.NoError(t, obs.Write(&h))
	assert.Equal(t, uint64(3), h.GetHistogram().GetSampleCount())
}

func TestNewMetricsForTestingIsRepeatable(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetricsForTesting()
		NewMetricsForTesting()
	})
}
