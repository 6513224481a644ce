package sstable

// IndexReader supplies seek hints to the reverse data source: where the
// last promoted-index block inside the current scan region begins, and a
// skip ("end") cursor the consumer can lower to prune already-consumed
// regions (spec §4.B steps 3 and 6).
//
// The end cursor is monotone non-increasing for the lifetime of one
// ReverseDataSource (spec §4.B step 6): once narrowed, it is never
// widened. A real implementation backs this with the promoted index
// block trailer; tests use fixedIndexReader.
type IndexReader interface {
	// LastBlockOffset returns the file offset of the last index block
	// whose range overlaps [clusteringRangeStart, end), or ok=false if
	// no index block information is available (spec §4.B step 3: "if
	// none, start from clustering_range_start").
	LastBlockOffset() (offset int64, ok bool)
	// End returns the current skip cursor. Initially the partition-end
	// byte offset.
	End() int64
}

// MutableIndexReader is the consumer-facing half of IndexReader: it lets a
// driver (e.g. a range-skipping page consumer) lower the end cursor.
type MutableIndexReader interface {
	IndexReader
	// SetEnd lowers the end cursor. Panics if newEnd > current End(),
	// since the cursor is only ever allowed to shrink (spec §4.B step
	// 6: "Reductions only").
	SetEnd(newEnd int64)
}

// fixedIndexReader is a simple IndexReader with no promoted-index
// knowledge: LastBlockOffset always reports "none," so the reverse source
// always starts its last-unfiltered scan from clustering_range_start. It
// still honors the end-cursor skip protocol.
type fixedIndexReader struct {
	end int64
}

// NewFixedIndexReader builds an IndexReader with no index-block hints,
// useful for small partitions or tests where a full promoted index is
// unnecessary.
func NewFixedIndexReader(partitionEndOffset int64) MutableIndexReader {
	return &fixedIndexReader{end: partitionEndOffset}
}

func (r *fixedIndexReader) LastBlockOffset() (int64, bool) { return 0, false }
func (r *fixedIndexReader) End() int64                     { return r.end }
func (r *fixedIndexReader) SetEnd(newEnd int64) {
	if newEnd > r.end {
		panic("sstable: index reader end cursor may only shrink")
	}
	r.end = newEnd
}

// blockIndexReader additionally knows the offset of the last promoted
// index block at or before the current end cursor, letting the reverse
// source skip straight to the final block of a large partition instead of
// scanning from clustering_range_start every time (spec §4.B step 3).
type blockIndexReader struct {
	// blockOffsets are index-block start offsets in ascending order.
	blockOffsets []int64
	end          int64
}

// NewBlockIndexReader builds an IndexReader backed by a promoted index's
// block start offsets.
func NewBlockIndexReader(blockOffsets []int64, partitionEndOffset int64) MutableIndexReader {
	return &blockIndexReader{blockOffsets: blockOffsets, end: partitionEndOffset}
}

func (r *blockIndexReader) LastBlockOffset() (int64, bool) {
	for i := len(r.blockOffsets) - 1; i >= 0; i-- {
		if r.blockOffsets[i] < r.end {
			return r.blockOffsets[i], true
		}
	}
	return 0, false
}

func (r *blockIndexReader) End() int64 { return r.end }
func (r *blockIndexReader) SetEnd(newEnd int64) {
	if newEnd > r.end {
		panic("sstable: index reader end cursor may only shrink")
	}
	r.end = newEnd
}
