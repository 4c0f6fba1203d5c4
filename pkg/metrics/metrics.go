// Package metrics exposes optional Prometheus counters and gauges for the
// DHT engine and its supporting control loops, wired through an interface so
// nothing outside cmd/bytestagd needs a hard dependency on prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is implemented by anything that can record engine-level
// observability events. Nil-safe: every Engine/Publisher/Replicator method
// that takes a Metrics accepts a nil value and treats it as a no-op.
type Metrics interface {
	IncLookups()
	IncStoreAccepted()
	IncStoreRejected()
	ObserveQueueDepth(name string, depth int)
	IncPublished()
	IncReplicated()
}

// Prometheus is the production Metrics implementation, registering its
// collectors on reg (pass prometheus.DefaultRegisterer for the global one).
type Prometheus struct {
	lookups       prometheus.Counter
	storeAccepted prometheus.Counter
	storeRejected prometheus.Counter
	queueDepth    *prometheus.GaugeVec
	published     prometheus.Counter
	replicated    prometheus.Counter
}

// NewPrometheus builds and registers a Prometheus-backed Metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		lookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytestag", Name: "lookups_total", Help: "Total node/value lookups performed.",
		}),
		storeAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytestag", Name: "store_accepted_total", Help: "STORE RPCs accepted by this node.",
		}),
		storeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytestag", Name: "store_rejected_total", Help: "STORE RPCs rejected by this node.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bytestag", Name: "queue_depth", Help: "Current depth of a named work queue.",
		}, []string{"queue"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytestag", Name: "published_total", Help: "Values successfully republished as an original.",
		}),
		replicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bytestag", Name: "replicated_total", Help: "Values successfully re-stored as a replica.",
		}),
	}
	reg.MustRegister(p.lookups, p.storeAccepted, p.storeRejected, p.queueDepth, p.published, p.replicated)
	return p
}

func (p *Prometheus) IncLookups()       { p.lookups.Inc() }
func (p *Prometheus) IncStoreAccepted() { p.storeAccepted.Inc() }
func (p *Prometheus) IncStoreRejected() { p.storeRejected.Inc() }
func (p *Prometheus) IncPublished()     { p.published.Inc() }
func (p *Prometheus) IncReplicated()    { p.replicated.Inc() }

func (p *Prometheus) ObserveQueueDepth(name string, depth int) {
	p.queueDepth.WithLabelValues(name).Set(float64(depth))
}
