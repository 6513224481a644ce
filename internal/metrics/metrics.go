// Package metrics exposes the counters spec §6 calls out as externally
// visible, as github.com/prometheus/client_golang collectors. pebble
// itself reports its own Metrics struct rather than wiring
// client_golang directly, but this module's read path is expected to sit
// behind a process that scrapes Prometheus (the same pattern this pack's
// icedb and plumber repos use), so the counters are registered directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// QuerierCacheMetrics mirrors spec §4.D's "Accounting" counters.
type QuerierCacheMetrics struct {
	Inserts               prometheus.Counter
	Lookups               prometheus.Counter
	Misses                prometheus.Counter
	Drops                 prometheus.Counter
	TimeBasedEvictions     prometheus.Counter
	ResourceBasedEvictions prometheus.Counter
	MemoryBasedEvictions   prometheus.Counter
	Population             prometheus.Gauge
}

// MultishardMetrics mirrors the multishard counters of spec §6.
type MultishardMetrics struct {
	TotalReads                     prometheus.Counter
	TotalReadsFailed               prometheus.Counter
	ShortMutationQueries           prometheus.Counter
	FailedReaderSaves              prometheus.Counter
	FailedReaderStops              prometheus.Counter
	UnpoppedFragments              prometheus.Counter
	UnpoppedBytes                  prometheus.Counter
}

// ViewUpdateGeneratorMetrics mirrors the view_update_generator counters of
// spec §6.
type ViewUpdateGeneratorMetrics struct {
	PendingRegistrations prometheus.Gauge
	QueuedBatchesCount   prometheus.Gauge
	SSTablesToMoveCount  prometheus.Gauge
}

// NewQuerierCacheMetrics registers a fresh set of querier-cache counters
// for one shard, labeled with that shard's id so a per-process registerer
// can hold one set per shard without name collisions.
func NewQuerierCacheMetrics(reg prometheus.Registerer, variant string, shard uint32) *QuerierCacheMetrics {
	labels := prometheus.Labels{"variant": variant, "shard": shardLabel(shard)}
	m := &QuerierCacheMetrics{
		Inserts:                counter(reg, "querier_cache_inserts_total", "Querier cache insert() calls.", labels),
		Lookups:                counter(reg, "querier_cache_lookups_total", "Querier cache lookup_*() calls.", labels),
		Misses:                 counter(reg, "querier_cache_misses_total", "Querier cache lookups that found no matching entry.", labels),
		Drops:                  counter(reg, "querier_cache_drops_total", "Querier cache lookups that dropped a stale entry.", labels),
		TimeBasedEvictions:     counter(reg, "querier_cache_time_based_evictions_total", "Querier cache entries evicted by TTL.", labels),
		ResourceBasedEvictions: counter(reg, "querier_cache_resource_based_evictions_total", "Querier cache entries evicted by admission-semaphore pressure.", labels),
		MemoryBasedEvictions:   counter(reg, "querier_cache_memory_based_evictions_total", "Querier cache entries evicted by the memory ceiling.", labels),
		Population:             gauge(reg, "querier_cache_population", "Querier cache current entry count.", labels),
	}
	return m
}

// NewMultishardMetrics registers a fresh set of multishard counters.
func NewMultishardMetrics(reg prometheus.Registerer) *MultishardMetrics {
	return &MultishardMetrics{
		TotalReads:           counter(reg, "multishard_total_reads_total", "Multishard reads started.", nil),
		TotalReadsFailed:     counter(reg, "multishard_total_reads_failed_total", "Multishard reads that failed.", nil),
		ShortMutationQueries: counter(reg, "multishard_short_mutation_queries_total", "Multishard mutation-query pages ended by a short read.", nil),
		FailedReaderSaves:    counter(reg, "multishard_query_failed_reader_saves_total", "save_readers() failures, per spec §4.E partial-failure policy.", nil),
		FailedReaderStops:    counter(reg, "multishard_query_failed_reader_stops_total", "destroy_reader() failures, per spec §4.E partial-failure policy.", nil),
		UnpoppedFragments:    counter(reg, "multishard_query_unpopped_fragments_total", "Fragments discarded during dismantle because their shard's reader was lost.", nil),
		UnpoppedBytes:        counter(reg, "multishard_query_unpopped_bytes_total", "Estimated bytes discarded alongside unpopped fragments.", nil),
	}
}

// NewViewUpdateGeneratorMetrics registers gauges for one shard's
// staging-SSTable view-update loop (spec §9 Supplemented Features). Each
// shard runs its own generator, so the gauges are labeled by shard id the
// same way NewQuerierCacheMetrics labels its counters.
func NewViewUpdateGeneratorMetrics(reg prometheus.Registerer, shard uint32) *ViewUpdateGeneratorMetrics {
	labels := prometheus.Labels{"shard": shardLabel(shard)}
	return &ViewUpdateGeneratorMetrics{
		PendingRegistrations: gauge(reg, "view_update_generator_pending_registrations", "Pending view-update registrations.", labels),
		QueuedBatchesCount:   gauge(reg, "view_update_generator_queued_batches_count", "Queued view-update batches.", labels),
		SSTablesToMoveCount:  gauge(reg, "view_update_generator_sstables_to_move_count", "Tables whose processed staging SSTables await a move out of staging.", labels),
	}
}

func counter(reg prometheus.Registerer, name, help string, labels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	if reg != nil {
		reg.MustRegister(c)
	}
	return c
}

func gauge(reg prometheus.Registerer, name, help string, labels prometheus.Labels) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	if reg != nil {
		reg.MustRegister(g)
	}
	return g
}

func shardLabel(shard uint32) string {
	const digits = "0123456789"
	if shard == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for shard > 0 {
		i--
		buf[i] = digits[shard%10]
		shard /= 10
	}
	return string(buf[i:])
}
