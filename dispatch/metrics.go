package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kisielk/rffickle"
)

// Routes a payload may take.
const (
	RouteFirewall = "firewall"
	RouteTrusted  = "trusted"
)

// OutcomeOK labels a load that returned a value; rejections are labelled
// with their rffickle.Kind.
const OutcomeOK = "ok"

// Metrics counts loads per route and outcome.
type Metrics struct {
	Loads        *prometheus.CounterVec
	Instructions prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg, if !nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rffickle_loads_total",
			Help: "Pickle loads by route and outcome.",
		}, []string{"route", "outcome"}),
		Instructions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rffickle_load_instructions",
			Help:    "Opcodes executed per load.",
			Buckets: prometheus.ExponentialBuckets(4, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Loads, m.Instructions)
	}
	return m
}

func outcome(ev rffickle.Event) string {
	if ev.OK() {
		return OutcomeOK
	}
	return ev.Kind.String()
}

// reporter feeds firewall events of one route to the metrics and the log.
type reporter struct {
	route string
	d     *Deserializer
}

func (r reporter) Report(ev rffickle.Event) {
	if m := r.d.metrics; m != nil {
		m.Loads.WithLabelValues(r.route, outcome(ev)).Inc()
		m.Instructions.Observe(float64(ev.Instructions))
	}
	if !ev.OK() {
		r.d.log.Warningf("%s: rejected %d bytes: %s at %d (op %s, symbol %q): %v",
			r.route, ev.Bytes, ev.Kind, ev.Pos, ev.Op, ev.Symbol, ev.Err)
	}
}
