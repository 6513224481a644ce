package mutationsource

import (
	"context"
	"io"
	"sort"

	"github.com/coreshard/coreshard/internal/base"
)

// MemPartition is one partition held by a MemSource: the in-memory
// analogue of an SSTable partition, always kept in forward clustering
// order. It plays the role of a real engine's memtable for this module's
// read-path core; writing to it is out of scope (spec §1 excludes
// "commit-log, flush" from this module), so MemSource is populated
// directly by tests and by any embedder simulating a memtable.
type MemPartition struct {
	Key             base.DecoratedKey
	PartitionDelete base.DeletionTime
	Static          base.StaticRow
	HasStatic       bool
	Unfiltereds     []base.Unfiltered // must be supplied in clustering order
}

// MemSource is a MutationSource backed by an in-memory, token-ordered set
// of partitions.
type MemSource struct {
	schema     *base.Schema
	partitions []MemPartition // sorted by token, then full key
}

// NewMemSource builds a MemSource over the given partitions, sorting them
// into token order.
func NewMemSource(schema *base.Schema, partitions []MemPartition) *MemSource {
	sorted := append([]MemPartition(nil), partitions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })
	return &MemSource{schema: schema, partitions: sorted}
}

// MakeReader implements MutationSource.
func (m *MemSource) MakeReader(
	schema *base.Schema,
	permit Permit,
	pr base.PartitionRange,
	slice base.PartitionSlice,
	trace TraceState,
	partitionFwd, rangeFwd bool,
) (*Reader, error) {
	p := &memProducer{
		schema:     schema,
		all:        m.partitions,
		slice:      slice,
		remaining:  pr,
		reversed:   slice.Options.Reversed,
	}
	p.resetPartitionCursor()
	return NewReader(schema, p, partitionFwd, rangeFwd), nil
}

// memProducer walks MemSource partitions within a range, emitting
// well-formed fragment streams per partition.
type memProducer struct {
	schema   *base.Schema
	all      []MemPartition
	slice    base.PartitionSlice
	remaining base.PartitionRange
	reversed bool

	partitions []MemPartition // filtered+ordered view of all within remaining, computed lazily
	idx        int
	inPartition bool
	cur        *partitionCursor
}

type partitionCursor struct {
	part       MemPartition
	emittedStart bool
	emittedStatic bool
	ranges     []base.ClusteringRange
	items      []base.Unfiltered
	pos        int
	emittedEnd bool
}

func (p *memProducer) resetPartitionCursor() {
	p.partitions = filterPartitions(p.all, p.remaining, p.reversed)
	p.idx = 0
	p.inPartition = false
	p.cur = nil
}

func filterPartitions(all []MemPartition, pr base.PartitionRange, reversed bool) []MemPartition {
	var out []MemPartition
	for _, part := range all {
		if pr.Contains(part.Key) {
			out = append(out, part)
		}
	}
	if reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (p *memProducer) startPartition(part MemPartition) *partitionCursor {
	ranges := p.slice.RangesFor(part.Key.Key)
	items := selectUnfiltereds(p.schema, part.Unfiltereds, ranges, p.reversed)
	return &partitionCursor{part: part, ranges: ranges, items: items}
}

// selectUnfiltereds filters part entries to those overlapping ranges and
// orders them per reversed.
func selectUnfiltereds(schema *base.Schema, all []base.Unfiltered, ranges []base.ClusteringRange, reversed bool) []base.Unfiltered {
	var out []base.Unfiltered
	for _, u := range all {
		k := u.Key()
		for _, r := range ranges {
			if r.Contains(schema, k) {
				out = append(out, u)
				break
			}
		}
	}
	if reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Next implements Producer.
func (p *memProducer) Next(ctx context.Context) (*base.MutationFragment, error) {
	for {
		if p.cur == nil {
			if p.idx >= len(p.partitions) {
				return nil, io.EOF
			}
			p.cur = p.startPartition(p.partitions[p.idx])
			p.idx++
		}
		c := p.cur
		if !c.emittedStart {
			c.emittedStart = true
			f := base.NewPartitionStartFragment(c.part.Key, c.part.PartitionDelete)
			return &f, nil
		}
		if !c.emittedStatic {
			c.emittedStatic = true
			if c.part.HasStatic && (len(c.part.Static.Cells) > 0 || p.slice.Options.AlwaysReturnStaticContent) {
				f := base.NewStaticRowFragment(c.part.Static.Cells)
				return &f, nil
			}
		}
		if c.pos < len(c.items) {
			u := c.items[c.pos]
			c.pos++
			if u.IsTombstone {
				f := base.NewRangeTombstoneFragment(u.Tombstone)
				return &f, nil
			}
			f := base.NewClusteringRowFragment(u.Row)
			return &f, nil
		}
		if !c.emittedEnd {
			c.emittedEnd = true
			p.cur = nil
			return &base.PartitionEndFragment, nil
		}
		p.cur = nil
	}
}

// FastForwardToClustering implements Producer by discarding already-seen
// items in the current partition up to cr's start.
func (p *memProducer) FastForwardToClustering(cr base.ClusteringRange) error {
	if p.cur == nil {
		return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to(clustering_range) outside a partition")
	}
	var kept []base.Unfiltered
	for _, u := range p.cur.items[p.cur.pos:] {
		if cr.Contains(p.schema, u.Key()) {
			kept = append(kept, u)
		}
	}
	p.cur.items = kept
	p.cur.pos = 0
	return nil
}

// FastForwardToPartitionRange implements Producer by narrowing the
// remaining partition scan to pr.
func (p *memProducer) FastForwardToPartitionRange(pr base.PartitionRange) error {
	p.remaining = pr
	p.cur = nil
	p.partitions = filterPartitions(p.all, pr, p.reversed)
	p.idx = 0
	return nil
}

// Close implements Producer.
func (p *memProducer) Close() error { return nil }
