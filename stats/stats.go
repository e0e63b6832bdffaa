// Package stats is a small metrics abstraction.  Components take a
// StatsFactory and create their counters, gauges and summaries through it, so
// the metrics backend (Prometheus, or nothing at all) is picked by whoever
// builds the component.
package stats

type CounterStat interface {
	Inc()
	Add(float64)
}

type GaugeStat interface {
	Set(float64)
	Get() float64

	Inc()
	Add(float64)

	Dec()
	Sub(float64)
}

type SummaryStat interface {
	Observe(float64)
}

// Tags are attached to every sample of a metric.  A metric must always be
// created with the same set of tag keys.
type StatsFactory interface {
	NewCounter(
		metric string,
		tags map[string]string) CounterStat

	NewGauge(
		metric string,
		tags map[string]string) GaugeStat

	NewSummary(
		metric string,
		tags map[string]string) SummaryStat
}

// OrNoOp returns factory, or NoOpStatsFactory when factory is nil.
func OrNoOp(factory StatsFactory) StatsFactory {
	if factory == nil {
		return NoOpStatsFactory
	}
	return factory
}
