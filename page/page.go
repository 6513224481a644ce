// Package page implements the page consumer of spec §4.C: it drives a
// mutationsource.Reader until a row/partition budget or a result-builder
// short read stops it, compacting fragments through a tombstone-aware
// filter as it goes.
package page

import (
	"context"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/mutationsource"
)

// ResultBuilder accumulates the fragments a page emits to the caller. Its
// AddXxx methods report whether the result still has room; once any of
// them returns false, the page stops with a short read (spec §4.C: "a
// short read is a permitted, not anomalous, outcome").
type ResultBuilder interface {
	AddPartitionStart(base.PartitionStart)
	AddStaticRow(base.StaticRow) bool
	AddClusteringRow(base.ClusteringRow) bool
	AddRangeTombstone(base.RangeTombstoneMarker) bool
	AddPartitionEnd()
}

// CompactionState carries the row/partition budget and query time a page
// consumer enforces, plus the bookkeeping a multishard dismantle needs to
// resume tombstone state across pages (spec §4.E step 4: "dismantle the
// compaction state").
type CompactionState struct {
	QueryTime time.Time

	RowLimit       uint64
	PartitionLimit uint64

	rowsEmitted       uint64
	partitionsEmitted uint64

	// OpenTombstone, when non-nil, is the still-open range-tombstone
	// bound most recently seen. Exported so a multishard save_readers
	// can dismantle it to the shard that owns it and restore it on the
	// next page (spec §4.E step 4: "dismantle the compaction state...
	// to the correct shard by token").
	OpenPartitionStart *base.PartitionStart
	OpenStaticRow      *base.StaticRow
	OpenTombstone      *base.RangeTombstoneMarker
}

// NewCompactionState builds a fresh CompactionState for one page.
func NewCompactionState(queryTime time.Time, rowLimit, partitionLimit uint64) *CompactionState {
	return &CompactionState{QueryTime: queryTime, RowLimit: rowLimit, PartitionLimit: partitionLimit}
}

// Resume builds a CompactionState carrying forward the open-tombstone
// state a previous page's dismantle captured for this shard, so a range
// deletion split across a page boundary still suppresses cells on the
// resumed page.
func Resume(queryTime time.Time, rowLimit, partitionLimit uint64, openTombstone *base.RangeTombstoneMarker) *CompactionState {
	s := NewCompactionState(queryTime, rowLimit, partitionLimit)
	s.OpenTombstone = openTombstone
	return s
}

// exhausted reports whether the row or partition budget has been used up.
func (c *CompactionState) exhausted() bool {
	if c.RowLimit != 0 && c.rowsEmitted >= c.RowLimit {
		return true
	}
	if c.PartitionLimit != 0 && c.partitionsEmitted >= c.PartitionLimit {
		return true
	}
	return false
}

// compactCells drops cells that have expired (TTL) or are superseded by a
// still-open range tombstone or the row's own deletion marker, matching
// spec §4.C's "tombstone-aware compactor that drops expired cells and
// emits only live rows."
func compactCells(cells []base.Cell, queryTime time.Time, rowDelete base.DeletionTime, open *base.RangeTombstoneMarker) []base.Cell {
	var out []base.Cell
	for _, c := range cells {
		if !c.Live(queryTime) {
			continue
		}
		if rowDelete.Supersedes(c.Timestamp) {
			continue
		}
		if open != nil {
			dt := open.DeletionTimes[0]
			if open.Kind.IsBoundary() {
				dt = open.DeletionTimes[1]
			}
			if dt.Supersedes(c.Timestamp) {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Outcome reports how Consume ended and the position the reader stopped
// at, for the multishard context to record on the suspended reader (spec
// §3's "position... (last-pkey, last-ckey)").
type Outcome struct {
	ShortRead      bool
	Exhausted      bool
	LastPartition  base.DecoratedKey
	HasLastKey     bool
	LastClustering base.ClusteringKey
	HasLastCk      bool
}

// Consume drives reader, feeding every fragment through compaction and
// into result, until state's budget is exhausted, result signals a short
// read, or the reader itself is exhausted. It implements component C for
// a forward (non-reversed) reader; reversed slices are handled by
// NewReversingProducer, whose output is wrapped in a mutationsource.Reader
// like any other producer, so this function needn't special-case them.
func Consume(ctx context.Context, reader *mutationsource.Reader, state *CompactionState, result ResultBuilder, deadline time.Time, dataQuery bool) (Outcome, error) {
	var out Outcome
	consumer := &pageConsumer{state: state, result: result, dataQuery: dataQuery, out: &out}
	res, err := reader.Consume(ctx, consumer, deadline)
	if err != nil {
		return Outcome{}, err
	}
	out.ShortRead = consumer.shortRead
	out.Exhausted = res.Exhausted && !consumer.shortRead
	return out, nil
}

type pageConsumer struct {
	state     *CompactionState
	result    ResultBuilder
	dataQuery bool
	out       *Outcome

	shortRead bool
}

// ConsumeFragment implements mutationsource.FragmentConsumer.
func (p *pageConsumer) ConsumeFragment(f base.MutationFragment) mutationsource.ConsumeAction {
	switch f.Kind {
	case base.FragmentPartitionStart:
		p.state.OpenPartitionStart = &f.PartitionStart
		p.state.OpenStaticRow = nil
		p.state.OpenTombstone = nil
		p.out.HasLastKey = true
		p.out.LastPartition = f.PartitionStart.Key
		p.out.HasLastCk = false
		p.result.AddPartitionStart(f.PartitionStart)
		return mutationsource.ConsumeContinue

	case base.FragmentStaticRow:
		p.state.OpenStaticRow = &f.StaticRow
		row := f.StaticRow
		if p.dataQuery {
			row.Cells = compactCells(row.Cells, p.state.QueryTime, base.DeletionTime{}, nil)
		}
		if !p.result.AddStaticRow(row) {
			p.shortRead = true
			return mutationsource.ConsumeStop
		}
		return mutationsource.ConsumeContinue

	case base.FragmentClusteringRow:
		if p.state.exhausted() {
			return mutationsource.ConsumeStop
		}
		row := f.ClusteringRow
		if p.dataQuery {
			row.Cells = compactCells(row.Cells, p.state.QueryTime, row.Marker, p.state.OpenTombstone)
			if len(row.Cells) == 0 && row.Marker.Live() {
				// Nothing live survived compaction and the row carries no
				// marker of its own: skip it without charging the budget.
				return mutationsource.ConsumeContinue
			}
		}
		if !p.result.AddClusteringRow(row) {
			p.shortRead = true
			return mutationsource.ConsumeStop
		}
		p.state.rowsEmitted++
		p.out.HasLastCk = true
		p.out.LastClustering = f.ClusteringRow.Key
		if p.state.exhausted() {
			return mutationsource.ConsumeStop
		}
		return mutationsource.ConsumeContinue

	case base.FragmentRangeTombstone:
		m := f.RangeTombstone
		if m.Kind.IsBoundary() || m.Kind == base.BoundInclStart || m.Kind == base.BoundExclStart {
			p.state.OpenTombstone = &m
		} else {
			p.state.OpenTombstone = nil
		}
		if !p.result.AddRangeTombstone(m) {
			p.shortRead = true
			return mutationsource.ConsumeStop
		}
		// A range-tombstone marker's key does not update the reader's last
		// clustering-row position: the position stays at the last
		// clustering row seen in this partition (reset only by a new
		// partition start); only FragmentClusteringRow above touches
		// out.LastClustering.
		return mutationsource.ConsumeContinue

	case base.FragmentPartitionEnd:
		p.state.partitionsEmitted++
		p.state.OpenPartitionStart = nil
		p.state.OpenStaticRow = nil
		p.state.OpenTombstone = nil
		p.result.AddPartitionEnd()
		if p.state.exhausted() {
			return mutationsource.ConsumeStop
		}
		return mutationsource.ConsumeContinue
	}
	return mutationsource.ConsumeContinue
}
