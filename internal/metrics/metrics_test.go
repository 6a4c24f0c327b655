package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Prediction("Covid")
	m.Prediction("Covid")
	m.GradCAM(OutcomeOK)
	m.GradCAM(OutcomeNoTarget)
	m.Attribution(120 * time.Millisecond)
	m.HistoryWrite(nil)
	m.HistoryWrite(errors.New("redis down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("Covid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradcam.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gradcam.WithLabelValues(OutcomeNoTarget)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.history.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.attribution))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Prediction("Normal")
	m.GradCAM(OutcomeFailed)
	m.Attribution(time.Second)
	m.HistoryWrite(nil)
}
