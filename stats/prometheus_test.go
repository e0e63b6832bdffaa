package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounterSharesVector(t *testing.T) {
	registry := prometheus.NewRegistry()
	factory := NewPrometheusFactory(registry, "memcache")

	hits := factory.NewCounter("requests_total", map[string]string{"op": "get"})
	sets := factory.NewCounter("requests_total", map[string]string{"op": "set"})
	again := factory.NewCounter("requests_total", map[string]string{"op": "get"})

	hits.Inc()
	again.Add(2)
	sets.Inc()

	require.Equal(t, 2, testutil.CollectAndCount(registry, "memcache_requests_total"))
	require.Equal(t, float64(3), testutil.ToFloat64(hits.(prometheus.Counter)))
	require.Equal(t, float64(1), testutil.ToFloat64(sets.(prometheus.Counter)))
}

func TestPrometheusGaugeGet(t *testing.T) {
	registry := prometheus.NewRegistry()
	factory := NewPrometheusFactory(registry, "memcache")

	active := factory.NewGauge("pool_active", map[string]string{"addr": "a:1"})
	active.Inc()
	active.Inc()
	active.Dec()
	active.Add(3)
	active.Sub(1)
	require.Equal(t, float64(3), active.Get())

	same := factory.NewGauge("pool_active", map[string]string{"addr": "a:1"})
	require.Equal(t, float64(3), same.Get())

	other := factory.NewGauge("pool_active", map[string]string{"addr": "b:1"})
	other.Set(7)
	require.Equal(t, float64(7), other.Get())
	require.Equal(t, float64(3), active.Get())
}

func TestPrometheusMismatchedTagsFallBackToNoOp(t *testing.T) {
	registry := prometheus.NewRegistry()
	factory := NewPrometheusFactory(registry, "")

	factory.NewCounter("dials_total", map[string]string{"addr": "a:1"}).Inc()
	counter := factory.NewCounter("dials_total", map[string]string{"node": "a:1"})
	require.Equal(t, noopStat{}, counter)
}

func TestPrometheusSummary(t *testing.T) {
	registry := prometheus.NewRegistry()
	factory := NewPrometheusFactory(registry, "memcache")

	latency := factory.NewSummary("request_seconds", map[string]string{"op": "get"})
	latency.Observe(0.25)
	require.Equal(t, 1, testutil.CollectAndCount(registry, "memcache_request_seconds"))
}

func TestOrNoOp(t *testing.T) {
	require.Equal(t, NoOpStatsFactory, OrNoOp(nil))
	factory := NewPrometheusFactory(prometheus.NewRegistry(), "x")
	require.Equal(t, factory, OrNoOp(factory))

	gauge := NoOpStatsFactory.NewGauge("g", nil)
	gauge.Set(5)
	require.Equal(t, float64(0), gauge.Get())
}
