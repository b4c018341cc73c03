// Package metrics collects and exposes particle-pipeline observability
// data via a Prometheus registry.
//
// # Concurrency on the hot path
//
// Every Record*/Set* function here is called from the Dispatcher's
// cooperative task or from the executor worker pool and must be cheap:
// Prometheus collectors are internally lock-free for the common counter
// and gauge operations used here.
//
// # Invariants
//
//   - admissionTotal{result="accepted"} + admissionTotal{result="rejected"}
//     == the number of Plumber.ingest calls observed.
//   - slotState gauge values are written only by SetSlotStates, which sets
//     all three states at once; nothing in this module calls it, so the
//     gauge is not kept in step with the VM pool.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors wraps the Prometheus collectors for the particle pipeline.
type Collectors struct {
	registry *prometheus.Registry

	admissionTotal    *prometheus.CounterVec
	coalescedTotal    prometheus.Counter
	expiredTotal      prometheus.Counter
	invocationsTotal  *prometheus.CounterVec
	invocationLatency prometheus.Histogram
	slotState         *prometheus.GaugeVec
	actorsActive      prometheus.Gauge
	readyQueueDepth   prometheus.Gauge
	outboundTotal     *prometheus.CounterVec
	hostCallTotal     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	anomalyTotal      prometheus.Counter
	anomalyDropped    prometheus.Counter
}

var global *Collectors

// Init builds the Prometheus registry and stores it as the package-global
// target for every Record*/Set* call below. Safe to call once at startup.
func Init(namespace string) *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_total", Help: "Particle admission outcomes.",
		}, []string{"result", "reason"}),
		coalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coalesced_total", Help: "Arrivals folded into an already-pending actor.",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "expired_total", Help: "Actors retired for deadline exceeded.",
		}),
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invocations_total", Help: "Interpreter invocations by outcome.",
		}, []string{"outcome"}),
		invocationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "invocation_duration_ms", Help: "Interpreter invocation latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		slotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vm_slot_state", Help: "VM pool slots by state.",
		}, []string{"state"}),
		actorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "actors_active", Help: "Live actors tracked by the plumber.",
		}),
		readyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready_queue_depth", Help: "Actors currently in the ready set.",
		}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_sends_total", Help: "Outbound particle sends by result.",
		}, []string{"result"}),
		hostCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "host_calls_total", Help: "Host-function invocations by outcome kind.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_breaker_state", Help: "Per-peer circuit breaker state (0=closed,1=open,2=half_open).",
		}, []string{"peer"}),
		anomalyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomaly_records_total", Help: "Forensics bundles captured.",
		}),
		anomalyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomaly_records_dropped_total", Help: "Forensics bundles dropped because the bounded queue was full.",
		}),
	}
	reg.MustRegister(
		c.admissionTotal, c.coalescedTotal, c.expiredTotal, c.invocationsTotal,
		c.invocationLatency, c.slotState, c.actorsActive, c.readyQueueDepth,
		c.outboundTotal, c.hostCallTotal, c.breakerState, c.anomalyTotal, c.anomalyDropped,
	)
	global = c
	return c
}

func ensure() *Collectors {
	if global == nil {
		Init("particle_node")
	}
	return global
}

func RecordAdmission(result, reason string) {
	ensure().admissionTotal.WithLabelValues(result, reason).Inc()
}

func RecordCoalesced()      { ensure().coalescedTotal.Inc() }
func RecordExpired()        { ensure().expiredTotal.Inc() }
func RecordAnomaly()        { ensure().anomalyTotal.Inc() }
func RecordAnomalyDropped() { ensure().anomalyDropped.Inc() }

func RecordInvocation(outcome string, durationMs int64) {
	c := ensure()
	c.invocationsTotal.WithLabelValues(outcome).Inc()
	c.invocationLatency.Observe(float64(durationMs))
}

func SetSlotStates(idle, busy, quarantined int) {
	c := ensure()
	c.slotState.WithLabelValues("idle").Set(float64(idle))
	c.slotState.WithLabelValues("busy").Set(float64(busy))
	c.slotState.WithLabelValues("quarantined").Set(float64(quarantined))
}

func SetActorsActive(n int)    { ensure().actorsActive.Set(float64(n)) }
func SetReadyQueueDepth(n int) { ensure().readyQueueDepth.Set(float64(n)) }

func RecordOutbound(result string) {
	ensure().outboundTotal.WithLabelValues(result).Inc()
}

func RecordHostCall(outcome string) {
	ensure().hostCallTotal.WithLabelValues(outcome).Inc()
}

func SetBreakerState(peer string, state int) {
	ensure().breakerState.WithLabelValues(peer).Set(float64(state))
}

// Handler exposes the Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(ensure().registry, promhttp.HandlerOpts{})
}
