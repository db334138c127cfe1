package jsocialflux

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "jsocialflux"

// RealtimeMetrics instruments a RealtimeClient. A nil *RealtimeMetrics is
// valid and records nothing.
type RealtimeMetrics struct {
	connectsTotal   prometheus.Counter
	dialErrorsTotal prometheus.Counter
	reconnectsTotal prometheus.Counter
	framesTotal     *prometheus.CounterVec
	queuedFrames    prometheus.Gauge
	subscriptions   prometheus.Gauge
	state           *prometheus.GaugeVec
}

// NewRealtimeMetrics creates the collectors and registers them on registry.
func NewRealtimeMetrics(registry prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "connects_total",
			Help:      "Total number of successfully opened connections.",
		}),
		dialErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "dial_errors_total",
			Help:      "Total number of failed connection attempts.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of scheduled reconnects.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "frames_total",
			Help:      "Total number of frames by direction.",
		}, []string{"direction"}),
		queuedFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "queued_frames",
			Help:      "Number of outbound frames waiting for a connection.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Number of channels in the subscription registry.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "state",
			Help:      "Current connection state (1 for the active state).",
		}, []string{"state"}),
	}
	registry.MustRegister(
		m.connectsTotal,
		m.dialErrorsTotal,
		m.reconnectsTotal,
		m.framesTotal,
		m.queuedFrames,
		m.subscriptions,
		m.state,
	)
	return m
}

func (m *RealtimeMetrics) incConnects() {
	if m != nil {
		m.connectsTotal.Inc()
	}
}

func (m *RealtimeMetrics) incDialErrors() {
	if m != nil {
		m.dialErrorsTotal.Inc()
	}
}

func (m *RealtimeMetrics) incReconnects() {
	if m != nil {
		m.reconnectsTotal.Inc()
	}
}

func (m *RealtimeMetrics) incFrames(direction string) {
	if m != nil {
		m.framesTotal.WithLabelValues(direction).Inc()
	}
}

func (m *RealtimeMetrics) setQueued(n int) {
	if m != nil {
		m.queuedFrames.Set(float64(n))
	}
}

func (m *RealtimeMetrics) setSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

func (m *RealtimeMetrics) setState(s RealtimeState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}
