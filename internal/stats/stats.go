// Package stats is the counters sink of the ingest pipeline.
//
// Events are named with human readable strings ("Packet Received", "Failed MAC")
// and exported as labels of a small set of Prometheus metrics.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Sink receives fire-and-forget events. Implementations must be safe for concurrent use.
type Sink interface {
	// Increment counts one occurrence of event.
	Increment(event string)
	// Add moves the level called name by delta.
	Add(name string, delta float64)
	// ListenerPacket counts one packet from a listener.
	ListenerPacket(listener string)
	// RegisterGauge exports fn as the current value of name. Registering a name
	// again replaces its function.
	RegisterGauge(name string, fn func() float64)
}

// Registry is the Prometheus backed Sink.
type Registry struct {
	reg      *prometheus.Registry
	events   *prometheus.CounterVec
	packets  *prometheus.CounterVec
	levels   *prometheus.GaugeVec
	mu       sync.Mutex
	gaugeFns map[string]*atomic.Pointer[func() float64]
}

// NewRegistry creates a Registry with its own Prometheus registry, including
// the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "c3loc",
			Name:      "events_total",
			Help:      "Ingest events by name.",
		}, []string{"event"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "c3loc",
			Name:      "listener_packets_total",
			Help:      "Packets received per listener.",
		}, []string{"listener"}),
		levels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "c3loc",
			Name:      "level",
			Help:      "Levels moved up and down by the pipeline.",
		}, []string{"name"}),
		gaugeFns: make(map[string]*atomic.Pointer[func() float64]),
	}
	r.reg.MustRegister(
		r.events,
		r.packets,
		r.levels,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the registry to serve on /metrics.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

func (r *Registry) Increment(event string) {
	r.events.WithLabelValues(event).Inc()
}

func (r *Registry) Add(name string, delta float64) {
	r.levels.WithLabelValues(name).Add(delta)
}

func (r *Registry) ListenerPacket(listener string) {
	r.packets.WithLabelValues(listener).Inc()
}

func (r *Registry) RegisterGauge(name string, fn func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.gaugeFns[name]; ok {
		p.Store(&fn)
		return
	}
	p := new(atomic.Pointer[func() float64])
	p.Store(&fn)
	r.gaugeFns[name] = p
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "c3loc",
		Name:        "gauge",
		Help:        "Values sampled at scrape time.",
		ConstLabels: prometheus.Labels{"name": name},
	}, func() float64 { return (*p.Load())() }))
}

// Count returns the current value of an event counter.
func (r *Registry) Count(event string) float64 {
	return read(r.events.WithLabelValues(event))
}

// ListenerCount returns the packets counted for a listener.
func (r *Registry) ListenerCount(listener string) float64 {
	return read(r.packets.WithLabelValues(listener))
}

// Level returns the current value of a level.
func (r *Registry) Level(name string) float64 {
	return read(r.levels.WithLabelValues(name))
}

// Gauge samples a registered gauge function. Unknown names read as zero.
func (r *Registry) Gauge(name string) float64 {
	r.mu.Lock()
	p, ok := r.gaugeFns[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return (*p.Load())()
}

func read(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}

type discard struct{}

func (discard) Increment(string)                     {}
func (discard) Add(string, float64)                  {}
func (discard) ListenerPacket(string)                {}
func (discard) RegisterGauge(string, func() float64) {}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}
