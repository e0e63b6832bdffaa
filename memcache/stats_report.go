package memcache

import (
	"strconv"
)

// The parsed reply to a "stats" request from one node.
type StatsReport struct {
	Address string

	// Raw STAT entries: stats key -> stats value.
	Entries map[string]string
}

func (r StatsReport) uint64Entry(key string) uint64 {
	value, err := strconv.ParseUint(r.Entries[key], 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// Uptime returns the node's uptime in seconds, or zero if it did not report
// one.
func (r StatsReport) Uptime() uint64 {
	return r.uint64Entry("uptime")
}

func (r StatsReport) Version() string {
	return r.Entries["version"]
}

func (r StatsReport) CurrItems() uint64 {
	return r.uint64Entry("curr_items")
}

func (r StatsReport) GetHits() uint64 {
	return r.uint64Entry("get_hits")
}

func (r StatsReport) GetMisses() uint64 {
	return r.uint64Entry("get_misses")
}

func (r StatsReport) CurrConnections() uint64 {
	return r.uint64Entry("curr_connections")
}

// HitRatio returns get_hits / (get_hits + get_misses), or zero before the
// first get.
func (r StatsReport) HitRatio() float64 {
	hits := r.GetHits()
	total := hits + r.GetMisses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
