package stats

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// A StatsFactory backed by Prometheus collectors.  One vector is registered
// per metric name; tags become label values.
type prometheusFactory struct {
	registerer prometheus.Registerer
	namespace  string

	mutex     sync.Mutex
	counters  map[string]*prometheus.CounterVec // guarded by mutex
	gauges    map[string]*prometheus.GaugeVec   // guarded by mutex
	summaries map[string]*prometheus.SummaryVec // guarded by mutex
	shadows   map[string]*gaugeShadow           // guarded by mutex
}

// This returns a StatsFactory which registers its collectors with
// registerer (prometheus.DefaultRegisterer when nil).
func NewPrometheusFactory(
	registerer prometheus.Registerer,
	namespace string) StatsFactory {

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &prometheusFactory{
		registerer: registerer,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
		shadows:    make(map[string]*gaugeShadow),
	}
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// register returns the collector already registered under the same
// descriptor when there is one.
func (f *prometheusFactory) register(c prometheus.Collector) prometheus.Collector {
	if err := f.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		return nil
	}
	return c
}

func (f *prometheusFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	vec, ok := f.counters[metric]
	if !ok {
		created := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: f.namespace,
				Name:      metric,
				Help:      metric,
			},
			labelNames(tags))
		vec, ok = f.register(created).(*prometheus.CounterVec)
		if !ok {
			return noopStat{}
		}
		f.counters[metric] = vec
	}

	counter, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return noopStat{}
	}
	return counter
}

func (f *prometheusFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	vec, ok := f.gauges[metric]
	if !ok {
		created := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: f.namespace,
				Name:      metric,
				Help:      metric,
			},
			labelNames(tags))
		vec, ok = f.register(created).(*prometheus.GaugeVec)
		if !ok {
			return noopStat{}
		}
		f.gauges[metric] = vec
	}

	gauge, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return noopStat{}
	}

	// Gauges with identical tags share one shadow value so Get agrees with
	// what was exported.
	shadowKey := metric
	for _, name := range labelNames(tags) {
		shadowKey += "\x00" + name + "=" + tags[name]
	}
	shadow, ok := f.shadows[shadowKey]
	if !ok {
		shadow = &gaugeShadow{gauge: gauge}
		f.shadows[shadowKey] = shadow
	}
	return shadow
}

func (f *prometheusFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	vec, ok := f.summaries[metric]
	if !ok {
		created := prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  f.namespace,
				Name:       metric,
				Help:       metric,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			labelNames(tags))
		vec, ok = f.register(created).(*prometheus.SummaryVec)
		if !ok {
			return noopStat{}
		}
		f.summaries[metric] = vec
	}

	summary, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return noopStat{}
	}
	return summary
}

// Prometheus gauges are write only; keep the current value alongside.
type gaugeShadow struct {
	mutex sync.Mutex
	gauge prometheus.Gauge
	value float64 // guarded by mutex
}

func (g *gaugeShadow) Set(v float64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.value = v
	g.gauge.Set(v)
}

func (g *gaugeShadow) Get() float64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.value
}

func (g *gaugeShadow) Add(v float64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.value += v
	g.gauge.Set(g.value)
}

func (g *gaugeShadow) Inc()          { g.Add(1) }
func (g *gaugeShadow) Dec()          { g.Add(-1) }
func (g *gaugeShadow) Sub(v float64) { g.Add(-v) }
