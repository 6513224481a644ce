package sstable

import (
	"io"

	"github.com/coreshard/coreshard/internal/base"
)

// PartitionBytes is the minimal byte-storage contract the reverse source
// needs from an on-disk partition, matching the io.ReaderAt half of
// pebble's vfs.File.
type PartitionBytes interface {
	io.ReaderAt
	// Size returns the partition's total byte length on disk, i.e. the
	// offset immediately past its terminal end-of-partition record.
	Size() int64
}

// initialBufSize and maxBufSize bound the read-cache's geometric growth
// (spec §4.B "Read buffering": "grows geometrically from 4 KiB up to 128
// KiB").
const (
	initialBufSize = 4 * 1024
	maxBufSize     = 128 * 1024
)

// Buffer is one emitted chunk of bytes: either the partition header (plus
// static row, unchanged from the forward representation), a reversed
// unfiltered's raw bytes (with any contained tombstone markers rewritten
// in place), or the synthetic one-byte end-of-partition sentinel.
type Buffer struct {
	Data []byte
	// Record, if non-nil, is the decoded unfiltered the buffer's bytes
	// represent; nil for the header buffer and the synthetic EOP buffer.
	Record *parsedRecord
}

// ReverseDataSource presents one partition's on-disk bytes as though its
// unfiltereds had been written in reverse clustering order (spec §4.B).
// It does not rewrite the file: the header and static row are relayed
// unchanged, and each unfiltered's raw bytes are read once, patched in
// place for any contained range-tombstone bound swap, and handed to the
// caller.
type ReverseDataSource struct {
	file  PartitionBytes
	index MutableIndexReader

	clusteringRangeStart int64
	partitionEnd         int64

	// cache is the read-cache window: cache[0:len(cache)] holds bytes
	// from file offset [cacheBase, cacheBase+len(cache)). Positioned so
	// the next unfiltered to emit ends at cacheBase+len(cache) (spec
	// §4.B "Read buffering": "positioned so that the next unfiltered to
	// emit is at the buffer's tail").
	cache     []byte
	cacheBase int64
	bufCap    int

	// rowStart/rowEnd bound the next unfiltered to serve, in absolute
	// file offsets. rowEnd == rowStart means no more real unfiltereds
	// remain in range.
	rowStart int64
	rowEnd   int64

	headerEmitted bool
	eopEmitted    bool
	done          bool
}

// NewReverseDataSource opens a reverse source over one partition. headerLen
// is the on-disk byte length of the partition header (the source itself
// does not read it); clusteringRangeStart is the file offset where
// unfiltereds begin (spec §4.B step 1).
func NewReverseDataSource(file PartitionBytes, index MutableIndexReader, headerLen, clusteringRangeStart int64) (*ReverseDataSource, error) {
	s := &ReverseDataSource{
		file:                 file,
		index:                index,
		clusteringRangeStart: clusteringRangeStart,
		partitionEnd:         file.Size(),
		bufCap:               initialBufSize,
	}
	if err := s.locateLastUnfiltered(); err != nil {
		return nil, err
	}
	return s, nil
}

// fill ensures the read-cache covers [wantStart, wantEnd) by growing
// geometrically (doubling, capped at maxBufSize) and re-reading from
// file. Positions the cache so its tail is wantEnd.
func (s *ReverseDataSource) fill(wantStart, wantEnd int64) error {
	need := wantEnd - wantStart
	if int64(s.bufCap) < need {
		s.bufCap = initialBufSize
		for int64(s.bufCap) < need && s.bufCap < maxBufSize {
			s.bufCap *= 2
		}
		if int64(s.bufCap) < need {
			s.bufCap = int(need)
		}
	}
	readStart := wantEnd - int64(s.bufCap)
	if readStart < s.clusteringRangeStart {
		readStart = s.clusteringRangeStart
	}
	size := wantEnd - readStart
	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, readStart)
	if err != nil && err != io.EOF {
		return base.WrapError(base.KindMalformedOnDisk, err, "sstable: reading partition bytes at %d", readStart)
	}
	s.cache = buf[:n]
	s.cacheBase = readStart
	return nil
}

// window returns the cache bytes covering the absolute range [start, end),
// growing the cache first if necessary.
func (s *ReverseDataSource) window(start, end int64) ([]byte, error) {
	if s.cache == nil || start < s.cacheBase || end > s.cacheBase+int64(len(s.cache)) {
		if err := s.fill(start, end); err != nil {
			return nil, err
		}
		if start < s.cacheBase || end > s.cacheBase+int64(len(s.cache)) {
			return nil, base.NewError(base.KindMalformedOnDisk, "sstable: short read filling partition cache [%d,%d)", start, end)
		}
	}
	return s.cache[start-s.cacheBase : end-s.cacheBase], nil
}

// locateLastUnfiltered implements spec §4.B step 3: find the start offset
// of the partition's (or current index block's) last unfiltered by
// scanning forward from the index reader's last-block offset, or from
// clustering_range_start if the index carries no hint.
func (s *ReverseDataSource) locateLastUnfiltered() error {
	scanStart, hasHint := s.index.LastBlockOffset()
	if !hasHint {
		scanStart = s.clusteringRangeStart
	}
	end := s.index.End()

	var lastStart int64 = -1
	off := scanStart
	for off < end {
		rec, recLen, err := s.parseAt(off)
		if err != nil {
			return err
		}
		if rec.isEOP {
			break
		}
		lastStart = off
		off += int64(recLen)
	}
	if lastStart < 0 {
		// No real unfiltereds in range: rowStart==rowEnd signals
		// "nothing left to emit" to Next.
		s.rowStart, s.rowEnd = s.clusteringRangeStart, s.clusteringRangeStart
		return nil
	}
	s.rowStart = lastStart
	s.rowEnd = off
	return nil
}

// parseAt fully parses the unfiltered record at absolute offset off,
// growing the read window as needed to satisfy the "waiting" half of the
// parser contract (spec §9).
func (s *ReverseDataSource) parseAt(off int64) (parsedRecord, int, error) {
	width := int64(256)
	for {
		end := off + width
		if end > s.partitionEnd {
			end = s.partitionEnd
		}
		buf, err := s.window(off, end)
		if err != nil {
			return parsedRecord{}, 0, err
		}
		rec, ok := parseUnfiltered(buf)
		if ok {
			return rec, rec.totalLen, nil
		}
		if end >= s.partitionEnd {
			return parsedRecord{}, 0, base.NewError(base.KindMalformedOnDisk, "sstable: truncated unfiltered at offset %d", off)
		}
		width *= 2
	}
}

// HeaderBuffer returns the partition's header bytes (and static row, if
// present) unchanged, as the first buffer the caller should emit (spec
// §4.B step 2). It is safe to call exactly once.
func (s *ReverseDataSource) HeaderBuffer(headerBytes []byte) (Buffer, error) {
	if s.headerEmitted {
		return Buffer{}, base.NewError(base.KindInternalInvariantViolation, "sstable: header buffer already emitted")
	}
	s.headerEmitted = true
	return Buffer{Data: headerBytes}, nil
}

// Next returns the next buffer in reverse order: a rewritten unfiltered's
// raw bytes, or the synthetic end-of-partition buffer once all
// unfiltereds in range have been served, or (nil, io.EOF) once the source
// is exhausted.
func (s *ReverseDataSource) Next() (Buffer, error) {
	if s.done {
		return Buffer{}, io.EOF
	}

	// Honor a narrowed end cursor before doing anything else (spec §4.B
	// step 6): if skipping moved end below our current rowStart, we must
	// relocate the last unfiltered of the new (smaller) block.
	if end := s.index.End(); end < s.rowEnd {
		if end <= s.rowStart {
			if err := s.relocateAfterSkip(); err != nil {
				return Buffer{}, err
			}
		} else {
			s.rowEnd = end
		}
	}

	if s.rowStart >= s.rowEnd {
		if s.eopEmitted {
			s.done = true
			return Buffer{}, io.EOF
		}
		s.eopEmitted = true
		s.done = true
		return Buffer{Data: encodeEOP()}, nil
	}

	rec, recLen, err := s.parseAt(s.rowStart)
	if err != nil {
		return Buffer{}, err
	}
	raw, err := s.window(s.rowStart, s.rowStart+int64(recLen))
	if err != nil {
		return Buffer{}, err
	}
	out := append([]byte(nil), raw...)
	if rec.body.isTombstone {
		reverseTombstoneInPlace(out, rec.body)
		rec.body.tombstone.Kind = rec.body.tombstone.Kind.Reverse()
		if rec.body.tombstone.Kind.IsBoundary() {
			dt := &rec.body.tombstone.DeletionTimes
			dt[0], dt[1] = dt[1], dt[0]
		}
	}

	newEnd := s.rowStart
	newStart := s.rowStart - int64(rec.prevLength)
	s.rowEnd = newEnd
	s.rowStart = newStart

	return Buffer{Data: out, Record: &rec}, nil
}

// relocateAfterSkip re-runs the last-unfiltered scan for the current
// index-reader end cursor, implementing the "return to step 3 for the new
// block" half of spec §4.B step 6.
func (s *ReverseDataSource) relocateAfterSkip() error {
	scanStart, hasHint := s.index.LastBlockOffset()
	if !hasHint {
		scanStart = s.clusteringRangeStart
	}
	end := s.index.End()
	if scanStart >= end {
		s.rowStart, s.rowEnd = end, end
		return nil
	}
	var lastStart int64 = -1
	off := scanStart
	for off < end {
		rec, recLen, err := s.parseAt(off)
		if err != nil {
			return err
		}
		if rec.isEOP {
			break
		}
		lastStart = off
		off += int64(recLen)
	}
	if lastStart < 0 {
		s.rowStart, s.rowEnd = end, end
		return nil
	}
	s.rowStart, s.rowEnd = lastStart, off
	return nil
}

// reverseTombstoneInPlace rewrites out's kind byte to its reverse and, for
// a boundary marker, swaps its two deletion-time pairs, per spec §4.B
// step 5. Offsets in body are relative to the record start, matching out.
func reverseTombstoneInPlace(out []byte, body recordBody) {
	kind := base.BoundKind(out[body.kindOffset])
	out[body.kindOffset] = byte(kind.Reverse())
	if body.pair2Offset != 0 {
		var tmp [deletionTimePairSize]byte
		copy(tmp[:], out[body.pair1Offset:body.pair1Offset+deletionTimePairSize])
		copy(out[body.pair1Offset:body.pair1Offset+deletionTimePairSize], out[body.pair2Offset:body.pair2Offset+deletionTimePairSize])
		copy(out[body.pair2Offset:body.pair2Offset+deletionTimePairSize], tmp[:])
	}
}
