package mutationsource

import (
	"context"
	"io"
	"sort"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/sstable"
)

// SSTablePartitionHandle locates one partition's bytes within an
// immutable SSTable, plus enough of its parsed header to avoid
// re-reading it on every access.
type SSTablePartitionHandle struct {
	Key                  base.DecoratedKey
	File                 sstable.PartitionBytes
	Header               sstable.PartitionHeader
	HeaderLen            int64
	ClusteringRangeStart int64
	// NewIndexReader builds a fresh MutableIndexReader scoped to this
	// partition. If nil, a NewFixedIndexReader(File.Size()) is used.
	NewIndexReader func() sstable.MutableIndexReader
}

// SSTableSource is a MutationSource backed by one immutable SSTable's
// partitions (component A over component B, per spec §2's data-flow
// note: "A, which may be B under the hood").
type SSTableSource struct {
	schema     *base.Schema
	partitions []SSTablePartitionHandle
}

// NewSSTableSource builds an SSTableSource over partitions sorted by
// token.
func NewSSTableSource(schema *base.Schema, partitions []SSTablePartitionHandle) *SSTableSource {
	sorted := append([]SSTablePartitionHandle(nil), partitions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })
	return &SSTableSource{schema: schema, partitions: sorted}
}

// MakeReader implements MutationSource.
func (s *SSTableSource) MakeReader(
	schema *base.Schema,
	permit Permit,
	pr base.PartitionRange,
	slice base.PartitionSlice,
	trace TraceState,
	partitionFwd, rangeFwd bool,
) (*Reader, error) {
	p := &sstableProducer{schema: schema, all: s.partitions, slice: slice, remaining: pr, reversed: slice.Options.Reversed}
	p.resetPartitions()
	return NewReader(schema, p, partitionFwd, rangeFwd), nil
}

type sstableProducer struct {
	schema    *base.Schema
	all       []SSTablePartitionHandle
	slice     base.PartitionSlice
	remaining base.PartitionRange
	reversed  bool

	partitions []SSTablePartitionHandle
	idx        int
	cur        *sstablePartitionCursor
}

type sstablePartitionCursor struct {
	handle       SSTablePartitionHandle
	ranges       []base.ClusteringRange
	emittedStart bool
	emittedStatic bool
	emittedEnd   bool

	// forward cursor state
	fwdOffset int64

	// reverse cursor state
	rev *sstable.ReverseDataSource
	revDone bool
}

func (p *sstableProducer) resetPartitions() {
	var out []SSTablePartitionHandle
	for _, h := range p.all {
		if p.remaining.Contains(h.Key) {
			out = append(out, h)
		}
	}
	if p.reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	p.partitions = out
	p.idx = 0
	p.cur = nil
}

func (p *sstableProducer) startPartition(h SSTablePartitionHandle) (*sstablePartitionCursor, error) {
	c := &sstablePartitionCursor{handle: h, ranges: p.slice.RangesFor(h.Key.Key), fwdOffset: h.ClusteringRangeStart}
	if p.reversed {
		idx := h.NewIndexReader
		var ir sstable.MutableIndexReader
		if idx != nil {
			ir = idx()
		} else {
			ir = sstable.NewFixedIndexReader(h.File.Size())
		}
		rev, err := sstable.NewReverseDataSource(h.File, ir, h.HeaderLen, h.ClusteringRangeStart)
		if err != nil {
			return nil, base.WrapError(base.KindMalformedOnDisk, err, "mutationsource: opening reverse data source")
		}
		c.rev = rev
	}
	return c, nil
}

// Next implements Producer.
func (p *sstableProducer) Next(ctx context.Context) (*base.MutationFragment, error) {
	for {
		if p.cur == nil {
			if p.idx >= len(p.partitions) {
				return nil, io.EOF
			}
			c, err := p.startPartition(p.partitions[p.idx])
			if err != nil {
				return nil, err
			}
			p.cur = c
			p.idx++
		}
		c := p.cur
		if !c.emittedStart {
			c.emittedStart = true
			f := base.NewPartitionStartFragment(c.handle.Key, c.handle.Header.PartitionDelete)
			return &f, nil
		}
		if !c.emittedStatic {
			c.emittedStatic = true
			if c.handle.Header.HasStaticRow && (len(c.handle.Header.StaticRow.Cells) > 0 || p.slice.Options.AlwaysReturnStaticContent) {
				f := base.NewStaticRowFragment(c.handle.Header.StaticRow.Cells)
				return &f, nil
			}
		}
		f, done, err := p.nextUnfiltered(c)
		if err != nil {
			return nil, err
		}
		if f != nil {
			if !inAnyRange(p.schema, c.ranges, *f) {
				continue
			}
			return f, nil
		}
		if done && !c.emittedEnd {
			c.emittedEnd = true
			p.cur = nil
			return &base.PartitionEndFragment, nil
		}
		p.cur = nil
	}
}

// inAnyRange reports whether fragment f's clustering key (if any) falls
// within one of ranges; non-clustering fragments always pass.
func inAnyRange(schema *base.Schema, ranges []base.ClusteringRange, f base.MutationFragment) bool {
	ck, ok := f.ClusteringKeyOf()
	if !ok {
		return true
	}
	for _, r := range ranges {
		if r.Contains(schema, ck) {
			return true
		}
	}
	return false
}

// nextUnfiltered returns the next raw clustering-row/range-tombstone
// fragment from the current partition's forward or reverse cursor.
// done=true with f=nil means the partition's unfiltereds are exhausted.
func (p *sstableProducer) nextUnfiltered(c *sstablePartitionCursor) (*base.MutationFragment, bool, error) {
	if p.reversed {
		if c.revDone {
			return nil, true, nil
		}
		buf, err := c.rev.Next()
		if err == io.EOF {
			c.revDone = true
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if buf.Record == nil {
			// synthetic end-of-partition buffer (spec §4.B step 7)
			c.revDone = true
			return nil, true, nil
		}
		return fragmentFromRecord(sstable.ExportRecord(buf.Record)), false, nil
	}

	rec, ok := readForwardAt(c.handle.File, c.fwdOffset)
	if !ok {
		return nil, false, base.NewError(base.KindMalformedOnDisk, "mutationsource: truncated unfiltered at offset %d", c.fwdOffset)
	}
	if rec.IsEndOfPartition {
		return nil, true, nil
	}
	c.fwdOffset += int64(rec.Len)
	return fragmentFromRecord(rec), false, nil
}

// readForwardAt parses one unfiltered record at a known offset, reading
// just enough of the file to do so. Partitions used by this module's
// tests are small enough to read in one shot; a production embedder would
// cache this the same way sstable.ReverseDataSource caches its backward
// window.
func readForwardAt(file sstable.PartitionBytes, offset int64) (sstable.Record, bool) {
	size := file.Size() - offset
	if size <= 0 {
		return sstable.Record{}, false
	}
	buf := make([]byte, size)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return sstable.Record{}, false
	}
	return sstable.ParseUnfiltered(buf[:n])
}

func fragmentFromRecord(rec sstable.Record) *base.MutationFragment {
	if rec.IsTombstone {
		f := base.NewRangeTombstoneFragment(rec.Tombstone)
		return &f
	}
	f := base.NewClusteringRowFragment(rec.Row)
	return &f
}

// FastForwardToClustering implements Producer. Forward cursors are
// reopened at the narrowed range's start by rescanning from
// clustering_range_start (acceptable for this module's scope; a
// production reader would consult a block index instead). Reverse cursors
// are unsupported for partition-forwarding per spec §4.C ("reversed
// slices are incompatible with partition-forwarding in this code path").
func (p *sstableProducer) FastForwardToClustering(cr base.ClusteringRange) error {
	if p.cur == nil {
		return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to(clustering_range) outside a partition")
	}
	if p.reversed {
		return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to(clustering_range) on a reversed reader")
	}
	p.cur.ranges = []base.ClusteringRange{cr}
	p.cur.fwdOffset = p.cur.handle.ClusteringRangeStart
	p.cur.emittedStart, p.cur.emittedStatic, p.cur.emittedEnd = true, true, false
	return nil
}

// FastForwardToPartitionRange implements Producer.
func (p *sstableProducer) FastForwardToPartitionRange(pr base.PartitionRange) error {
	p.remaining = pr
	p.cur = nil
	p.resetPartitions()
	return nil
}

// Close implements Producer.
func (p *sstableProducer) Close() error { return nil }
