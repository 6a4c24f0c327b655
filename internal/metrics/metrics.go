package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Grad-CAM outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeNoTarget      = "no_target"
	OutcomeDisconnected  = "disconnected"
	OutcomeFailed        = "failed"
	OutcomeOverlayFailed = "overlay_failed"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	predictions *prometheus.CounterVec
	gradcam     *prometheus.CounterVec
	attribution prometheus.Histogram
	history     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cxr_predictions_total",
				Help: "Total number of classifications by predicted class",
			},
			[]string{"class"},
		),
		gradcam: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cxr_gradcam_total",
				Help: "Grad-CAM explanations by outcome",
			},
			[]string{"outcome"},
		),
		attribution: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cxr_gradcam_attribution_seconds",
				Help:    "Duration of Grad-CAM forward and backward passes",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		history: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cxr_history_writes_total",
				Help: "History writes by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.predictions, m.gradcam, m.attribution, m.history)
	return m
}

func (m *Metrics) Prediction(class string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(class).Inc()
}

func (m *Metrics) GradCAM(outcome string) {
	if m == nil {
		return
	}
	m.gradcam.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Attribution(d time.Duration) {
	if m == nil {
		return
	}
	m.attribution.Observe(d.Seconds())
}

func (m *Metrics) HistoryWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.history.WithLabelValues(result).Inc()
}
