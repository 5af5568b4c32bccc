package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scan holds the collectors for the scan path. A nil *Scan is valid and
// records nothing.
type Scan struct {
	scans               *prometheus.CounterVec
	duration            prometheus.Histogram
	cardsProvisioned    prometheus.Counter
	deviceTouchFailures prometheus.Counter
	publishFailures     prometheus.Counter
}

// NewScan creates the scan collectors and registers them on reg.
func NewScan(reg prometheus.Registerer) *Scan {
	m := &Scan{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "Card scans handled, by result code.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "scan_duration_seconds",
			Help:      "Time spent handling a card scan.",
			Buckets:   prometheus.DefBuckets,
		}),
		cardsProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "cards_provisioned_total",
			Help:      "Card bindings created on first scan.",
		}),
		deviceTouchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "device_touch_failures_total",
			Help:      "Failed device last-seen updates after a recorded scan.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "publish_failures_total",
			Help:      "Recorded scans that could not be queued for the worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.duration, m.cardsProvisioned, m.deviceTouchFailures, m.publishFailures)
	}
	return m
}

// ObserveScan counts one scan outcome and its latency.
func (m *Scan) ObserveScan(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Scan) CardProvisioned() {
	if m == nil {
		return
	}
	m.cardsProvisioned.Inc()
}

func (m *Scan) DeviceTouchFailed() {
	if m == nil {
		return
	}
	m.deviceTouchFailures.Inc()
}

func (m *Scan) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
