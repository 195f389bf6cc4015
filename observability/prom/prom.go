// Package prom exports relay metrics to Prometheus through the
// observability observer contract.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fwdcast/fwdcast/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	sessionGauge    prometheus.Gauge
	registeredTotal prometheus.Counter
	removedTotal    *prometheus.CounterVec
	admittedTotal   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	requestTotal    *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	bytesStreamed   prometheus.Counter
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdcast_relay_sessions",
			Help: "Current live session count.",
		}),
		registeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_relay_sessions_registered_total",
			Help: "Sessions registered since start.",
		}),
		removedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdcast_relay_sessions_removed_total",
			Help: "Sessions removed by reason.",
		}, []string{"reason"}),
		admittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_relay_viewers_admitted_total",
			Help: "Viewer requests admitted.",
		}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdcast_relay_viewers_rejected_total",
			Help: "Viewer requests rejected by reason.",
		}, []string{"reason"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdcast_relay_requests_total",
			Help: "Bridged requests by outcome.",
		}, []string{"outcome"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwdcast_relay_request_duration_seconds",
			Help:    "Latency from request dispatch to completion.",
			Buckets: prometheus.DefBuckets,
		}),
		bytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_relay_streamed_bytes_total",
			Help: "Response body bytes streamed to viewers.",
		}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.registeredTotal,
		o.removedTotal,
		o.admittedTotal,
		o.rejectedTotal,
		o.requestTotal,
		o.requestLatency,
		o.bytesStreamed,
	)
	return o
}

func (o *RelayObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}

func (o *RelayObserver) SessionRegistered() {
	o.registeredTotal.Inc()
}

func (o *RelayObserver) SessionRemoved(reason observability.RemoveReason) {
	o.removedTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RelayObserver) ViewerAdmitted() {
	o.admittedTotal.Inc()
}

func (o *RelayObserver) ViewerRejected(reason observability.RejectReason) {
	o.rejectedTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RelayObserver) RequestCompleted(outcome observability.RequestOutcome, d time.Duration) {
	o.requestTotal.WithLabelValues(string(outcome)).Inc()
	o.requestLatency.Observe(d.Seconds())
}

func (o *RelayObserver) BytesStreamed(n int) {
	o.bytesStreamed.Add(float64(n))
}
