// Package multishard implements the per-page multishard read context of
// spec §4.E: the coordinator that locates or creates a resumable reader
// on every shard, drives a combining reader across them, and at page end
// dismantles the combined buffer back into per-shard state parked in
// each shard's querier cache.
package multishard

import (
	"context"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"github.com/coreshard/coreshard/mutationsource"
	"github.com/coreshard/coreshard/page"
	"github.com/coreshard/coreshard/querier"
	"golang.org/x/sync/errgroup"
)

// readerState is the four-state machine of spec §4.E.
type readerState int

const (
	stateInexistent readerState = iota
	stateSuccessfulLookup
	stateUsed
	stateSaving
)

// readerWeight returns the admission-semaphore weight to charge for
// shard's live reader, proportional to its in-memory footprint (spec
// §3/§5: "permits carry weight proportional to the reader's in-memory
// footprint"), the same measure querier.PermitWeight uses for a parked
// reader's weight in the cache's own memory-ceiling accounting
// (SPEC_FULL.md's "Reader-permit weight accounting" supplemented
// feature). A resumed reader is weighed by its already-known parked
// buffer; a freshly created reader, which has not buffered anything yet,
// charges querier.BaseReaderWeight.
func readerWeight(m *readerMeta) int64 {
	if m.q != nil {
		return querier.PermitWeight(m.q)
	}
	return querier.BaseReaderWeight
}

// ShardResources is what the coordinator needs from each shard: its
// local querier cache and the mutation source backing its local data.
// Per spec §5's "each shard owns its own mutation sources, readers,
// querier cache, admission semaphore," an embedder supplies one of these
// per shard.
type ShardResources interface {
	Cache() *querier.Cache
	MutationSource() mutationsource.MutationSource
}

// Coordinator is the process-wide, shard-independent part of the
// multishard subsystem: the sharder used to route dismantled fragments,
// the per-shard resources, and the shared metrics. One Context is built
// from it per page.
type Coordinator struct {
	Sharder base.Sharder
	Shards  []ShardResources
	Metrics *metrics.MultishardMetrics
}

// readerMeta is one shard's entry in the state machine.
type readerMeta struct {
	state readerState

	rng   base.PartitionRange
	slice base.PartitionSlice

	reader *mutationsource.Reader
	q      *querier.Querier

	buffer []base.MutationFragment

	// acquiredWeight is the admission-semaphore weight charged when this
	// shard's reader was created or resumed, released by DestroyReader
	// with the same value (spec §5's permit-weight model).
	acquiredWeight int64

	lastPartition    base.DecoratedKey
	hasLastPartition bool
	lastClustering   base.ClusteringKey
	hasLastCk        bool

	openTombstone *base.RangeTombstoneMarker
}

// Context is the per-page multishard read coordinator (spec §4.E).
type Context struct {
	coord  *Coordinator
	schema *base.Schema

	queryID     *base.QueryID
	isFirstPage bool

	metas []readerMeta

	barrier errgroup.Group
}

// NewContext builds a fresh per-page Context. rng/slice are the request's
// full partition range and slice; per-shard readers narrow rng to their
// own token ownership implicitly via the sharder.
func NewContext(coord *Coordinator, schema *base.Schema, queryID *base.QueryID, isFirstPage bool, rng base.PartitionRange, slice base.PartitionSlice) *Context {
	metas := make([]readerMeta, len(coord.Shards))
	for i := range metas {
		metas[i].rng = rng
		metas[i].slice = slice
	}
	return &Context{coord: coord, schema: schema, queryID: queryID, isFirstPage: isFirstPage, metas: metas}
}

// LookupReaders implements spec §4.E phase 1: on every shard, in
// parallel, look up a parked shard-mutation querier; skipped entirely
// when this is the query's first page or it has no identifier.
func (c *Context) LookupReaders(ctx context.Context) error {
	if c.isFirstPage || c.queryID == nil {
		return nil
	}
	var g errgroup.Group
	for i := range c.metas {
		i := i
		g.Go(func() error {
			cache := c.coord.Shards[i].Cache()
			q, ok := cache.LookupShardMutationQuerier(*c.queryID, c.schema.Version(), c.metas[i].rng, base.ClusteringKey{}, false)
			if ok {
				c.metas[i].state = stateSuccessfulLookup
				c.metas[i].q = q
			} else {
				c.metas[i].state = stateInexistent
			}
			return nil
		})
	}
	return g.Wait()
}

// CreateReader implements spec §4.E phase 2: invoked by the combining
// reader (via a ShardReaderSource.Resolve closure built from this
// method) the first time it needs shard's reader. On a successful
// lookup, it resumes the parked reader; otherwise it builds a fresh one
// from the shard's mutation source.
func (c *Context) CreateReader(ctx context.Context, shard base.ShardID) (*mutationsource.Reader, error) {
	m := &c.metas[shard]
	cache := c.coord.Shards[shard].Cache()

	if m.state == stateSuccessfulLookup {
		w := readerWeight(m)
		if err := cache.AcquirePermit(ctx, w); err != nil {
			return nil, err
		}
		m.acquiredWeight = w
		m.reader = m.q.Reader
		m.reader.AttachBuffer(m.q.Buffer)
		m.rng = m.q.Range
		m.slice = m.q.Slice
		m.lastPartition = m.q.LastPartition
		m.hasLastPartition = true
		m.lastClustering = m.q.LastClustering
		m.hasLastCk = m.q.HasLastCk
		m.openTombstone = m.q.OpenTombstone
		m.state = stateUsed
		return m.reader, nil
	}

	w := readerWeight(m)
	if err := cache.AcquirePermit(ctx, w); err != nil {
		return nil, err
	}
	permit := weightedPermit{w}
	reader, err := c.coord.Shards[shard].MutationSource().MakeReader(c.schema, permit, m.rng, m.slice, nil, false, false)
	if err != nil {
		cache.ReleasePermit(w)
		return nil, err
	}
	m.acquiredWeight = w
	m.reader = reader
	m.state = stateUsed
	return reader, nil
}

type weightedPermit struct{ w int64 }

func (p weightedPermit) Weight() int64 { return p.w }

// DestroyReader implements spec §4.E phase 3: called when the combining
// reader stops pulling from shard, gated by the dismantling barrier so
// Stop/SaveReaders wait for every destroy that began before them. On
// success, it captures the reader's unconsumed buffer and transitions to
// saving; on failure, it logs and reverts to inexistent.
func (c *Context) DestroyReader(shard base.ShardID) {
	c.barrier.Go(func() error {
		m := &c.metas[shard]
		if m.state != stateUsed {
			return nil
		}
		buf := m.reader.DetachBuffer()
		if err := m.reader.Close(); err != nil {
			if c.coord.Metrics != nil {
				c.coord.Metrics.FailedReaderStops.Inc()
			}
			c.coord.Shards[shard].Cache().ReleasePermit(m.acquiredWeight)
			m.state = stateInexistent
			return nil
		}
		m.buffer = buf
		c.coord.Shards[shard].Cache().ReleasePermit(m.acquiredWeight)
		m.state = stateSaving
		return nil
	})
}

// SaveReaders implements spec §4.E phase 4's
// save_readers(combined_buffer, compaction_state, last_ckey). It closes
// the dismantling barrier, dismantles combinedBuffer by scanning it in
// reverse, attaches lastCk to the shard owning currentPartition, and
// parks each shard still in successful_lookup/saving by inserting a
// Querier into its local cache.
func (c *Context) SaveReaders(ctx context.Context, combinedBuffer []base.MutationFragment, currentPartition base.DecoratedKey, hasCurrentPartition bool, lastCk base.ClusteringKey, hasLastCk bool, compState *page.CompactionState) error {
	if err := c.barrier.Wait(); err != nil {
		return err
	}

	c.dismantleBuffer(combinedBuffer, currentPartition, hasCurrentPartition)
	c.dismantleCompactionState(compState, currentPartition, hasCurrentPartition)
	if hasCurrentPartition {
		shard := c.coord.Sharder.ShardOf(currentPartition.Token)
		m := &c.metas[shard]
		if m.state == stateSaving {
			if hasLastCk {
				m.lastClustering = lastCk
				m.hasLastCk = true
			}
			m.lastPartition = currentPartition
			m.hasLastPartition = true
		}
	}

	if c.queryID == nil {
		// One-shot read: nothing to park, just drop what dismantle
		// assembled.
		return nil
	}

	for i := range c.metas {
		m := &c.metas[i]
		if m.state != stateSuccessfulLookup && m.state != stateSaving {
			continue
		}
		q := &querier.Querier{
			Reader:         m.reader,
			Range:          m.rng,
			Slice:          m.slice,
			SchemaVersion:  c.schema.Version(),
			LastPartition:  m.lastPartition,
			HasLastCk:      m.hasLastCk,
			LastClustering: m.lastClustering,
			OpenTombstone:  m.openTombstone,
		}
		// unpop in reverse so the buffer reappears in original order
		// (spec §4.E step 4: "the reader's buffer with unpop applied in
		// reverse").
		for j := len(m.buffer) - 1; j >= 0; j-- {
			if m.reader != nil {
				m.reader.UnpopFragment(m.buffer[j])
			}
		}
		q.Buffer = append([]base.MutationFragment(nil), m.buffer...)
		c.coord.Shards[i].Cache().Insert(*c.queryID, querier.VariantShardMutation, q)
	}
	return nil
}

// dismantleBuffer scans the combined buffer in reverse, per spec §9's
// "dismantle direction": the scan fills a temp list tail-first and flushes
// it at each partition boundary so the shard's buffer receives fragments
// back in original order with a single pass.
func (c *Context) dismantleBuffer(buf []base.MutationFragment, currentPartition base.DecoratedKey, hasCurrentPartition bool) {
	var temp []base.MutationFragment
	for i := len(buf) - 1; i >= 0; i-- {
		f := buf[i]
		temp = append([]base.MutationFragment{f}, temp...)
		if f.Kind == base.FragmentPartitionStart {
			shard := c.coord.Sharder.ShardOf(f.PartitionStart.Key.Token)
			m := &c.metas[shard]
			if m.state == stateSaving {
				m.buffer = append(append([]base.MutationFragment(nil), temp...), m.buffer...)
				m.lastPartition = f.PartitionStart.Key
				m.hasLastPartition = true
			} else if c.coord.Metrics != nil {
				c.coord.Metrics.UnpoppedFragments.Add(float64(len(temp)))
			}
			temp = nil
		}
	}
	if len(temp) > 0 && hasCurrentPartition {
		shard := c.coord.Sharder.ShardOf(currentPartition.Token)
		m := &c.metas[shard]
		if m.state == stateSaving {
			m.buffer = append(append([]base.MutationFragment(nil), temp...), m.buffer...)
		} else if c.coord.Metrics != nil {
			c.coord.Metrics.UnpoppedFragments.Add(float64(len(temp)))
		}
	}
}

// dismantleCompactionState attaches the compaction state's still-open
// partition-start/static-row/range-tombstone to the shard owning the
// current partition, per spec §4.E step 4's "dismantle the compaction
// state... to the correct shard by token."
func (c *Context) dismantleCompactionState(state *page.CompactionState, currentPartition base.DecoratedKey, hasCurrentPartition bool) {
	if state == nil || !hasCurrentPartition {
		return
	}
	shard := c.coord.Sharder.ShardOf(currentPartition.Token)
	m := &c.metas[shard]
	if m.state != stateSaving {
		return
	}
	m.lastPartition = currentPartition
	m.hasLastPartition = true
	m.openTombstone = state.OpenTombstone
	if state.OpenPartitionStart != nil {
		front := []base.MutationFragment{base.NewPartitionStartFragment(state.OpenPartitionStart.Key, state.OpenPartitionStart.PartitionDelete)}
		if state.OpenStaticRow != nil {
			front = append(front, base.NewStaticRowFragment(state.OpenStaticRow.Cells))
		}
		m.buffer = append(front, m.buffer...)
	}
}

// Stop implements spec §4.E phase 5: close the dismantling barrier and,
// for any shard still in saving (never handed to SaveReaders, e.g. an
// aborted page), release its resources rather than leak them.
func (c *Context) Stop() error {
	err := c.barrier.Wait()
	for i := range c.metas {
		m := &c.metas[i]
		if m.state == stateSaving {
			// Never reached SaveReaders (e.g. an aborted page): the
			// permit was already released in DestroyReader, so there is
			// nothing left to hold other than the captured buffer itself.
			m.state = stateInexistent
		}
	}
	return err
}

// Run drives one full page: lookup, build a combining reader across all
// shards (creating readers lazily through CreateReader), consume through
// the page component, destroy every shard's reader, then save.
func Run(ctx context.Context, coord *Coordinator, schema *base.Schema, queryID *base.QueryID, isFirstPage bool, rng base.PartitionRange, slice base.PartitionSlice, result page.ResultBuilder, compState *page.CompactionState, deadline time.Time, dataQuery bool) (page.Outcome, error) {
	mctx := NewContext(coord, schema, queryID, isFirstPage, rng, slice)
	if coord.Metrics != nil {
		coord.Metrics.TotalReads.Inc()
	}
	if err := mctx.LookupReaders(ctx); err != nil {
		if coord.Metrics != nil {
			coord.Metrics.TotalReadsFailed.Inc()
		}
		return page.Outcome{}, err
	}
	if compState != nil && compState.OpenTombstone == nil {
		// A range tombstone spanning a page boundary belongs to whichever
		// single shard owns the partition that was still open when the
		// previous page stopped; restore it onto this page's otherwise
		// shard-agnostic compaction state before compaction resumes.
		for i := range mctx.metas {
			if mctx.metas[i].state == stateSuccessfulLookup && mctx.metas[i].q.OpenTombstone != nil {
				compState.OpenTombstone = mctx.metas[i].q.OpenTombstone
				break
			}
		}
	}

	sources := make([]mutationsource.ShardReaderSource, len(coord.Shards))
	for i := range coord.Shards {
		shard := base.ShardID(i)
		sources[i] = mutationsource.ShardReaderSource{
			Shard: shard,
			Resolve: func() (*mutationsource.Reader, error) {
				return mctx.CreateReader(ctx, shard)
			},
		}
	}
	combining := mutationsource.NewCombiningReader(sources, slice.Options.Reversed)
	reader := mutationsource.NewReader(schema, combining, false, false)

	out, err := page.Consume(ctx, reader, compState, result, deadline, dataQuery)
	if err != nil {
		if coord.Metrics != nil {
			coord.Metrics.TotalReadsFailed.Inc()
		}
		return page.Outcome{}, err
	}
	if out.ShortRead && !dataQuery {
		if coord.Metrics != nil {
			coord.Metrics.ShortMutationQueries.Inc()
		}
	}

	for i := range coord.Shards {
		mctx.DestroyReader(base.ShardID(i))
	}

	var currentPartition base.DecoratedKey
	hasCurrent := out.HasLastKey
	if hasCurrent {
		currentPartition = out.LastPartition
	}
	if err := mctx.SaveReaders(ctx, reader.DetachBuffer(), currentPartition, hasCurrent, out.LastClustering, out.HasLastCk, compState); err != nil {
		if coord.Metrics != nil {
			coord.Metrics.FailedReaderSaves.Inc()
		}
		return out, err
	}
	return out, nil
}
