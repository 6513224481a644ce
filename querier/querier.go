// Package querier implements the per-shard querier cache of spec §4.D: a
// cache of suspended readers keyed by query identifier, with TTL, memory
// ceiling, and admission-semaphore-driven eviction.
package querier

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/swiss"
	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"github.com/coreshard/coreshard/mutationsource"
	"golang.org/x/sync/semaphore"
)

// Variant distinguishes the three cache indices spec §4.D names: data
// querier, mutation querier, shard mutation querier.
type Variant int

const (
	VariantData Variant = iota
	VariantMutation
	VariantShardMutation
)

// Querier is a suspended reader plus the context needed to validate and
// resume it on a later page (spec §3's "suspended reader (querier)").
type Querier struct {
	Reader         *mutationsource.Reader
	Buffer         []base.MutationFragment
	Range          base.PartitionRange
	Slice          base.PartitionSlice
	LastPartition  base.DecoratedKey
	HasLastCk      bool
	LastClustering base.ClusteringKey

	// OpenTombstone is the still-open range-tombstone bound the
	// compaction state had when this shard was parked; multishard.Run
	// copies it onto the resuming page's CompactionState when that state
	// has no open tombstone of its own (spec §4.E step 4).
	OpenTombstone *base.RangeTombstoneMarker

	SchemaVersion uint64

	// weight is the permit weight charged against the admission
	// semaphore for this querier's in-memory footprint (spec §3:
	// "permits carry weight proportional to the reader's in-memory
	// footprint").
	weight int64
}

// BaseReaderWeight is the fixed per-reader admission-semaphore cost
// charged for a reader that has not (yet) buffered any fragments, e.g. a
// freshly created reader before it has pulled anything. PermitWeight
// adds to this per buffered fragment once a reader has something parked.
const BaseReaderWeight int64 = 1

// PermitWeight estimates a querier's in-memory footprint in semaphore
// units: one unit per buffered fragment plus a fixed per-reader base
// cost. This is the cache's answer to spec §3's "permits carry weight
// proportional to the reader's in-memory footprint" for the supplemented
// admission-semaphore integration (SPEC_FULL.md's Supplemented Features
// section).
func PermitWeight(q *Querier) int64 {
	return BaseReaderWeight + int64(len(q.Buffer))
}

// entry is one cache slot: a Querier plus its TTL deadline and weight.
type entry struct {
	key     base.QueryID
	variant Variant
	q       *Querier
	expires time.Time
	handle  *semaphore.Weighted // not set by Insert; eviction releases nothing through it
	weight  int64
}

// entriesInitialCapacity seeds the entries swiss map, matching the
// teacher's own sizing of its read-shard swiss map
// (internal/cache/read_shard.go's readMap.Init(16)): this cache's
// cardinality is bounded by concurrently-parked queries per shard, not
// sstable blocks, so the same modest starting capacity fits.
const entriesInitialCapacity = 16

// Cache is one shard's querier cache (spec §4.D). All methods assume
// single-shard, single-goroutine access matching spec §5's cooperative
// per-shard scheduling model; the mutex exists only to let tests and an
// embedder call from outside the shard's own executor goroutine safely.
type Cache struct {
	mu sync.Mutex

	// entries is keyed by query identifier; each key may hold several
	// entries distinguished by read range (spec §4.D: "a coordinator
	// splits ranges and different shards may be queried in parallel").
	// Backed by swiss.Map rather than a plain Go map, matching the
	// teacher's own sized/evictable cache (internal/cache/block_map.go,
	// read_shard.go) which backs its key->entry index with swiss.Map.
	entries    swiss.Map[base.QueryID, []*entry]
	ttl        time.Duration
	memCeiling int64
	memUsed    int64

	sem *semaphore.Weighted

	metrics *metrics.QuerierCacheMetrics
}

// New builds an empty Cache bound to sem, the shard's admission
// semaphore, with the given TTL and memory ceiling.
func New(sem *semaphore.Weighted, ttl time.Duration, memCeiling int64, m *metrics.QuerierCacheMetrics) *Cache {
	c := &Cache{
		ttl:        ttl,
		memCeiling: memCeiling,
		sem:        sem,
		metrics:    m,
	}
	c.entries.Init(entriesInitialCapacity)
	return c
}

// SetEntryTTL implements the cache protocol's set_entry_ttl.
func (c *Cache) SetEntryTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Insert implements insert(key, querier, trace): append the entry and
// evict older entries until memory usage is back under the ceiling.
// Insert itself does not touch the admission semaphore; cached entries are
// evicted under semaphore pressure by AcquirePermit.
func (c *Cache) Insert(id base.QueryID, variant Variant, q *Querier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := PermitWeight(q)
	q.weight = w
	e := &entry{key: id, variant: variant, q: q, expires: time.Now().Add(c.ttl), weight: w}
	es, _ := c.entries.Get(id)
	c.entries.Put(id, append(es, e))
	c.memUsed += w
	if c.metrics != nil {
		c.metrics.Inserts.Inc()
		c.metrics.Population.Set(float64(c.population()))
	}

	for c.memCeiling > 0 && c.memUsed > c.memCeiling {
		if !c.evictOneLocked(true) {
			break
		}
	}
}

// population returns the total number of cached entries across all keys.
func (c *Cache) population() int {
	n := 0
	c.entries.All(func(_ base.QueryID, es []*entry) bool {
		n += len(es)
		return true
	})
	return n
}

// rangesOverlapOrMatch implements spec §4.D's range-matching rule: "match
// by key and by range (for non-singular ranges, match on either bound;
// for singular, match on start)".
func rangesOverlapOrMatch(have, want base.PartitionRange) bool {
	if want.Singular {
		return have.Start.Token == want.Start.Token && have.Start.Key.Equal(want.Start.Key)
	}
	return have.Start.Token == want.Start.Token || have.End.Token == want.End.Token
}

// lookup implements the shared body of lookup_data_querier,
// lookup_mutation_querier, and lookup_shard_mutation_querier: match by
// key and range, verify schema version, verify the caller's requested
// start does not lie beyond the parked reader's last clustering position.
// Any mismatch drops the entry and counts a drop; a clean miss counts a
// miss.
func (c *Cache) lookup(id base.QueryID, variant Variant, schemaVersion uint64, pr base.PartitionRange, startCk base.ClusteringKey, hasStartCk bool) (*Querier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Lookups.Inc()
	}

	es, _ := c.entries.Get(id)
	for i, e := range es {
		if e.variant != variant {
			continue
		}
		if !rangesOverlapOrMatch(e.q.Range, pr) {
			continue
		}
		if e.q.SchemaVersion != schemaVersion {
			c.dropLocked(id, i)
			return nil, false
		}
		if hasStartCk && e.q.HasLastCk {
			// position_mismatch: usable only when the caller's requested
			// start does not run ahead of where the parked reader
			// actually stopped (spec §8 scenario 5: a reader parked at
			// c=2 cannot serve a page that now wants to start at c=5;
			// "5 > 2 is beyond the reader's position").
			if byteLess(e.q.LastClustering, startCk) {
				c.dropLocked(id, i)
				return nil, false
			}
		}
		c.removeLocked(id, i)
		c.memUsed -= e.weight
		if c.metrics != nil {
			c.metrics.Population.Set(float64(c.population()))
		}
		return e.q, true
	}
	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
	return nil, false
}

// byteLess is a position comparator over opaque clustering-key bytes,
// sufficient for the cache's own drop-detection (it never needs the full
// schema-aware tri-compare; the reader's own ordering already guarantees
// its stream is monotone).
func byteLess(a, b base.ClusteringKey) bool {
	ac, bc := a.Components(), b.Components()
	n := len(ac)
	if len(bc) < n {
		n = len(bc)
	}
	for i := 0; i < n; i++ {
		if c := compareBytes(ac[i], bc[i]); c != 0 {
			return c < 0
		}
	}
	return len(ac) < len(bc)
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// LookupDataQuerier implements lookup_data_querier.
func (c *Cache) LookupDataQuerier(id base.QueryID, schemaVersion uint64, pr base.PartitionRange, startCk base.ClusteringKey, hasStartCk bool) (*Querier, bool) {
	return c.lookup(id, VariantData, schemaVersion, pr, startCk, hasStartCk)
}

// LookupMutationQuerier implements lookup_mutation_querier.
func (c *Cache) LookupMutationQuerier(id base.QueryID, schemaVersion uint64, pr base.PartitionRange, startCk base.ClusteringKey, hasStartCk bool) (*Querier, bool) {
	return c.lookup(id, VariantMutation, schemaVersion, pr, startCk, hasStartCk)
}

// LookupShardMutationQuerier implements lookup_shard_mutation_querier,
// the variant the multishard read context uses (spec §4.E step 1).
func (c *Cache) LookupShardMutationQuerier(id base.QueryID, schemaVersion uint64, pr base.PartitionRange, startCk base.ClusteringKey, hasStartCk bool) (*Querier, bool) {
	return c.lookup(id, VariantShardMutation, schemaVersion, pr, startCk, hasStartCk)
}

// dropLocked removes entries[id][i] and counts it as a drop (caller holds
// c.mu).
func (c *Cache) dropLocked(id base.QueryID, i int) {
	es, _ := c.entries.Get(id)
	c.memUsed -= es[i].weight
	c.removeLocked(id, i)
	if c.metrics != nil {
		c.metrics.Drops.Inc()
		c.metrics.Population.Set(float64(c.population()))
	}
}

func (c *Cache) removeLocked(id base.QueryID, i int) {
	es, _ := c.entries.Get(id)
	es = append(es[:i], es[i+1:]...)
	if len(es) == 0 {
		c.entries.Delete(id)
	} else {
		c.entries.Put(id, es)
	}
}

// EvictOne implements evict_one(): drop the entry with the soonest
// expiry, counted as a resource-based eviction since it is invoked by
// admission-semaphore pressure (spec §4.D).
func (c *Cache) EvictOne() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictOneLocked(false)
}

// evictOneLocked drops the oldest entry. memoryPressure selects whether
// the eviction is counted as memory-based (ceiling exceeded) or
// resource-based (semaphore callback).
func (c *Cache) evictOneLocked(memoryPressure bool) bool {
	var bestID base.QueryID
	bestIdx := -1
	var bestExp time.Time
	found := false
	c.entries.All(func(id base.QueryID, es []*entry) bool {
		for i, e := range es {
			if !found || e.expires.Before(bestExp) {
				bestID, bestIdx, bestExp, found = id, i, e.expires, true
			}
		}
		return true
	})
	if !found {
		return false
	}
	bestEs, _ := c.entries.Get(bestID)
	c.memUsed -= bestEs[bestIdx].weight
	c.removeLocked(bestID, bestIdx)
	if c.metrics != nil {
		if memoryPressure {
			c.metrics.MemoryBasedEvictions.Inc()
		} else {
			c.metrics.ResourceBasedEvictions.Inc()
		}
		c.metrics.Population.Set(float64(c.population()))
	}
	return true
}

// EvictAllForTable implements evict_all_for_table(schema_id): drop every
// entry whose querier's schema matches schemaID, used when a table is
// dropped or altered incompatibly.
func (c *Cache) EvictAllForTable(schemaID [16]byte, schemaOf func(*Querier) [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// swiss.Map disallows mutating while All is iterating, so the kept
	// slices are collected first and applied in a second pass (matching
	// the teacher's own All-then-mutate two-step, e.g.
	// internal/cache/block_map.go's delete-after-iterate pattern).
	type change struct {
		id   base.QueryID
		kept []*entry
	}
	var changes []change
	c.entries.All(func(id base.QueryID, es []*entry) bool {
		var kept []*entry
		for _, e := range es {
			if schemaOf(e.q) == schemaID {
				c.memUsed -= e.weight
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) != len(es) {
			changes = append(changes, change{id: id, kept: kept})
		}
		return true
	})
	for _, ch := range changes {
		if len(ch.kept) == 0 {
			c.entries.Delete(ch.id)
		} else {
			c.entries.Put(ch.id, ch.kept)
		}
	}
	if c.metrics != nil {
		c.metrics.Population.Set(float64(c.population()))
	}
}

// RunTTLSweeper runs the TTL timer described in spec §4.D ("scans at a
// fixed cadence and evicts expired entries") until ctx is canceled. The
// caller typically runs this in its own goroutine per shard.
func (c *Cache) RunTTLSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweepExpired()
		}
	}
}

// AcquirePermit acquires weight units from the shard's admission
// semaphore, evicting inactive cache entries under pressure before
// falling back to blocking (spec §4.D: "the admission semaphore may
// call back to evict an inactive handle").
func (c *Cache) AcquirePermit(ctx context.Context, weight int64) error {
	for {
		if c.sem.TryAcquire(weight) {
			return nil
		}
		if !c.EvictOne() {
			if err := c.sem.Acquire(ctx, weight); err != nil {
				return base.WrapError(base.KindPermitDenied, err, "querier: acquiring admission permit")
			}
			return nil
		}
	}
}

// ReleasePermit releases weight units back to the shard's admission
// semaphore, used when a live reader is destroyed or parked (spec §5:
// "parked readers hold no permit").
func (c *Cache) ReleasePermit(weight int64) {
	c.sem.Release(weight)
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	// Collect first, mutate after: see EvictAllForTable's comment on why
	// swiss.Map's All iteration isn't mutated in place.
	type change struct {
		id   base.QueryID
		kept []*entry
	}
	var changes []change
	c.entries.All(func(id base.QueryID, es []*entry) bool {
		var kept []*entry
		for _, e := range es {
			if now.After(e.expires) {
				c.memUsed -= e.weight
				if c.metrics != nil {
					c.metrics.TimeBasedEvictions.Inc()
				}
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) != len(es) {
			changes = append(changes, change{id: id, kept: kept})
		}
		return true
	})
	for _, ch := range changes {
		if len(ch.kept) == 0 {
			c.entries.Delete(ch.id)
		} else {
			c.entries.Put(ch.id, ch.kept)
		}
	}
	if c.metrics != nil {
		c.metrics.Population.Set(float64(c.population()))
	}
}
