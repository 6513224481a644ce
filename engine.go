// Package coreshard ties together the six leaves-first components of a
// shard-partitioned wide-column read path: a byte-level reverse SSTable
// codec (sstable), the mutation-source abstraction over memtables and
// SSTables plus the cross-shard combining reader (mutationsource), the
// per-page compaction consumer (page), the per-shard suspended-reader
// cache (querier), the per-page cross-shard coordinator (multishard), and
// the conditional-apply request evaluator (cas).
//
// Open builds an Engine from a Sharder and a set of per-shard resources;
// Engine.Read drives one page of a read and Engine.CAS drives one
// conditional-apply batch, the two operations spec §6 exposes externally.
package coreshard

import (
	"context"
	"time"

	"github.com/coreshard/coreshard/cas"
	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"github.com/coreshard/coreshard/mutationsource"
	"github.com/coreshard/coreshard/multishard"
	"github.com/coreshard/coreshard/page"
	"github.com/coreshard/coreshard/querier"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Options collects an Engine's tunables, following pebble's
// Options/EnsureDefaults convention.
type Options struct {
	// Logger receives diagnostics from every component that logs.
	Logger base.Logger
	// Registerer registers this engine's prometheus collectors. Nil
	// disables registration (collectors are still created and usable,
	// just not exported).
	Registerer prometheus.Registerer

	// QuerierCacheTTL bounds how long a parked reader survives with no
	// continuation before it's swept.
	QuerierCacheTTL time.Duration
	// QuerierCacheMemCeiling bounds a shard's parked-reader population
	// before the cache starts evicting under memory pressure.
	QuerierCacheMemCeiling int64
	// AdmissionPermits bounds how many reader-weight units may be
	// outstanding on a shard at once.
	AdmissionPermits int64
	// ViewUpdateRegistrations bounds outstanding staging-sstable
	// registrations on a shard before RegisterStagingSSTable blocks.
	ViewUpdateRegistrations int64
}

// EnsureDefaults returns o with every zero-valued tunable replaced by a
// sane default, leaving an explicitly-set value untouched.
func (o Options) EnsureDefaults() Options {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.QuerierCacheTTL == 0 {
		o.QuerierCacheTTL = 30 * time.Second
	}
	if o.QuerierCacheMemCeiling == 0 {
		o.QuerierCacheMemCeiling = 1 << 20
	}
	if o.AdmissionPermits == 0 {
		o.AdmissionPermits = 1 << 16
	}
	if o.ViewUpdateRegistrations == 0 {
		o.ViewUpdateRegistrations = 1024
	}
	return o
}

// Shard is one shard's live resources: its mutation source, its querier
// cache, and its admission semaphore. Open builds one per shard from a
// caller-supplied mutationsource.MutationSource.
type Shard struct {
	source mutationsource.MutationSource
	cache  *querier.Cache
	vug    *multishard.ViewUpdateGenerator
}

// Cache implements multishard.ShardResources.
func (s *Shard) Cache() *querier.Cache { return s.cache }

// MutationSource implements multishard.ShardResources.
func (s *Shard) MutationSource() mutationsource.MutationSource { return s.source }

// ViewUpdateGenerator returns this shard's staging-sstable view-update
// loop, for a caller to Start/Stop and to RegisterStagingSSTable against.
func (s *Shard) ViewUpdateGenerator() *multishard.ViewUpdateGenerator { return s.vug }

// Engine is the process-wide handle to a running shard-partitioned read
// path: the sharder that routes requests, every shard's resources, and
// the shared metrics every component reports through.
type Engine struct {
	opts    Options
	sharder base.Sharder
	shards  []*Shard
	coord   *multishard.Coordinator
}

// Open builds an Engine over sharder's shard count, wiring one Shard per
// source in sources (sources[i] backs shard i). The caller is responsible
// for starting/stopping each shard's ViewUpdateGenerator and TTL sweeper.
func Open(sharder base.Sharder, sources []mutationsource.MutationSource, opts Options, proc multishard.StagingProcessor, mover multishard.StagingMover) (*Engine, error) {
	opts = opts.EnsureDefaults()
	if uint32(len(sources)) != sharder.ShardCount() {
		return nil, base.NewError(base.KindInternalInvariantViolation,
			"open: %d mutation sources for a %d-shard sharder", len(sources), sharder.ShardCount())
	}

	msMetrics := metrics.NewMultishardMetrics(opts.Registerer)

	shards := make([]*Shard, len(sources))
	resources := make([]multishard.ShardResources, len(sources))
	for i, src := range sources {
		qcMetrics := metrics.NewQuerierCacheMetrics(opts.Registerer, "shard_mutation", uint32(i))
		vugMetrics := metrics.NewViewUpdateGeneratorMetrics(opts.Registerer, uint32(i))
		sem := semaphore.NewWeighted(opts.AdmissionPermits)
		cache := querier.New(sem, opts.QuerierCacheTTL, opts.QuerierCacheMemCeiling, qcMetrics)
		shard := &Shard{source: src, cache: cache}
		shard.vug = multishard.NewViewUpdateGenerator(proc, mover, opts.Logger, vugMetrics, opts.ViewUpdateRegistrations)
		shards[i] = shard
		resources[i] = shard
	}

	return &Engine{
		opts:    opts,
		sharder: sharder,
		shards:  shards,
		coord:   &multishard.Coordinator{Sharder: sharder, Shards: resources, Metrics: msMetrics},
	}, nil
}

// Shards returns the engine's per-shard resources, in shard-id order.
func (e *Engine) Shards() []*Shard { return e.shards }

// Start launches every shard's staging-sstable view-update loop.
func (e *Engine) Start(ctx context.Context) {
	for _, s := range e.shards {
		s.vug.Start(ctx)
	}
}

// Stop tears down every shard's view-update loop.
func (e *Engine) Stop() {
	for _, s := range e.shards {
		s.vug.Stop()
	}
}

// ReadRequest is one page's worth of read parameters, the Go counterpart
// of a base.ReadCommand bound to a particular query identifier.
type ReadRequest struct {
	Schema      *base.Schema
	QueryID     *base.QueryID
	IsFirstPage bool
	Range       base.PartitionRange
	Slice       base.PartitionSlice
	CompState   *page.CompactionState
	Deadline    time.Time
	DataQuery   bool
}

// Read drives one page of req against result, per spec §4.E/§4.C. It is
// the single externally-visible read operation spec §6 describes: locate
// or create a resumable reader on every shard, compact the combined
// stream into result, and park whatever remains resumable for the next
// page.
func (e *Engine) Read(ctx context.Context, req ReadRequest, result page.ResultBuilder) (page.Outcome, error) {
	return multishard.Run(ctx, e.coord, req.Schema, req.QueryID, req.IsFirstPage, req.Range, req.Slice, result, req.CompState, req.Deadline, req.DataQuery)
}

// CASRequest binds a cas.Request to the schema it's evaluated against and
// the timestamp its write, if any, is applied at.
type CASRequest struct {
	*cas.Request
	Timestamp int64
}

// CAS runs one conditional-apply batch against an already-collected
// prefetch, per spec §4.F: evaluate every statement's condition and, if
// the batch applies, synthesize the single mutation every applying
// statement contributes to.
func (e *Engine) CAS(req CASRequest, prefetch *cas.Prefetch) (mutation *cas.Mutation, result []cas.ResultRow, applied bool) {
	return cas.Apply(req.Schema, req.Updates, prefetch, req.Timestamp)
}
