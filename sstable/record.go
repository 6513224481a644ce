package sstable

import (
	"github.com/coreshard/coreshard/internal/base"
)

// clusteringKeyBytes encodes a clustering key as a varint component count
// followed by varint-length-prefixed components.
func clusteringKeyBytes(buf []byte, k base.ClusteringKey) []byte {
	buf = putUvarint(buf, uint64(k.Len()))
	for _, c := range k.Components() {
		buf = putUvarint(buf, uint64(len(c)))
		buf = append(buf, c...)
	}
	return buf
}

// getClusteringKey decodes a clustering key from buf, returning the
// consumed byte count. ok is false if buf is incomplete.
func getClusteringKey(buf []byte) (k base.ClusteringKey, n int, ok bool) {
	count, cn, ok := getUvarint(buf)
	if !ok {
		return base.ClusteringKey{}, 0, false
	}
	off := cn
	comps := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		l, ln, ok := getUvarint(buf[off:])
		if !ok {
			return base.ClusteringKey{}, 0, false
		}
		off += ln
		if off+int(l) > len(buf) {
			return base.ClusteringKey{}, 0, false
		}
		comps = append(comps, buf[off:off+int(l)])
		off += int(l)
	}
	return base.NewClusteringKey(comps...), off, true
}

func cellsBytes(buf []byte, cells []base.Cell) []byte {
	buf = putUvarint(buf, uint64(len(cells)))
	for _, c := range cells {
		buf = putUvarint(buf, uint64(c.Column))
		buf = putUvarint(buf, uint64(len(c.Value)))
		buf = append(buf, c.Value...)
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(c.Timestamp >> (56 - 8*i))
		}
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func getCells(buf []byte) (cells []base.Cell, n int, ok bool) {
	count, cn, ok := getUvarint(buf)
	if !ok {
		return nil, 0, false
	}
	off := cn
	out := make([]base.Cell, 0, count)
	for i := uint64(0); i < count; i++ {
		col, ln, ok := getUvarint(buf[off:])
		if !ok {
			return nil, 0, false
		}
		off += ln
		vlen, ln2, ok := getUvarint(buf[off:])
		if !ok {
			return nil, 0, false
		}
		off += ln2
		if off+int(vlen)+8 > len(buf) {
			return nil, 0, false
		}
		val := buf[off : off+int(vlen)]
		off += int(vlen)
		var ts int64
		for j := 0; j < 8; j++ {
			ts = ts<<8 | int64(buf[off+j])
		}
		off += 8
		out = append(out, base.Cell{Column: base.ColumnID(col), Value: val, Timestamp: ts})
	}
	return out, off, true
}

// recordBody describes the decoded variable body of one unfiltered record
// plus the byte offsets (relative to the record's start) needed to perform
// the in-place tombstone-kind-byte and deletion-time-pair surgery of spec
// §4.B step 5.
type recordBody struct {
	isTombstone bool
	kindOffset  int // offset of the kind byte, relative to record start
	pair1Offset int
	pair2Offset int // 0 if not a boundary

	tombstone base.RangeTombstoneMarker
	row       base.ClusteringRow
}

// parsedRecord is the result of fully parsing one unfiltered record
// starting at a given offset.
type parsedRecord struct {
	isEOP      bool
	totalLen   int // total bytes consumed by this record, including the trailing prev-length field
	prevLength int
	body       recordBody
}

// parseUnfiltered parses the unfiltered record at the start of buf. If buf
// does not yet contain the whole record, ok is false (the "waiting" half
// of the ready/waiting parser contract of spec §9); the caller should grow
// its read window and retry from the same offset.
func parseUnfiltered(buf []byte) (rec parsedRecord, ok bool) {
	if len(buf) < 1 {
		return rec, false
	}
	flags := buf[0]
	off := 1
	if flags&flagEndOfPartition != 0 {
		rec.isEOP = true
		rec.totalLen = 1
		return rec, true
	}
	if flags&flagHasExtendedFlags != 0 {
		if len(buf) < off+1 {
			return rec, false
		}
		off++ // extended flags byte value itself is not needed downstream today
	}
	key, kn, kok := getClusteringKey(buf[off:])
	if !kok {
		return rec, false
	}
	off += kn

	bodySize, bsn, bsok := getUvarint(buf[off:])
	if !bsok {
		return rec, false
	}
	off += bsn
	bodyStart := off
	if len(buf) < bodyStart+int(bodySize) {
		return rec, false
	}
	body := buf[bodyStart : bodyStart+int(bodySize)]

	if flags&flagIsRangeTombstone != 0 {
		if len(body) < 1 {
			return rec, false
		}
		kind := base.BoundKind(body[0])
		pairs := 1
		if kind.IsBoundary() {
			pairs = 2
		}
		need := 1 + pairs*deletionTimePairSize
		if len(body) < need {
			return rec, false
		}
		var dts [2]base.DeletionTime
		dts[0] = getDeletionTime(body[1 : 1+deletionTimePairSize])
		pair2Offset := 0
		if pairs == 2 {
			dts[1] = getDeletionTime(body[1+deletionTimePairSize : 1+2*deletionTimePairSize])
			pair2Offset = bodyStart + 1 + deletionTimePairSize
		}
		rec.body = recordBody{
			isTombstone: true,
			kindOffset:  bodyStart,
			pair1Offset: bodyStart + 1,
			pair2Offset: pair2Offset,
			tombstone:   base.RangeTombstoneMarker{Kind: kind, Key: key, DeletionTimes: dts},
		}
	} else {
		if len(body) < 1 {
			return rec, false
		}
		marker := base.DeletionTime{}
		bo := 1
		if body[0] == rowMarkerDeleted {
			if len(body) < bo+deletionTimePairSize {
				return rec, false
			}
			marker = getDeletionTime(body[bo : bo+deletionTimePairSize])
			bo += deletionTimePairSize
		}
		cells, cn2, cok := getCells(body[bo:])
		if !cok {
			return rec, false
		}
		_ = cn2
		rec.body = recordBody{
			isTombstone: false,
			row:         base.ClusteringRow{Key: key, Cells: cells, Marker: marker},
		}
	}

	off = bodyStart + int(bodySize)
	prevLen, pn, pok := getUvarint(buf[off:])
	if !pok {
		return rec, false
	}
	off += pn

	rec.prevLength = int(prevLen)
	rec.totalLen = off
	return rec, true
}

// encodeEOP encodes the on-disk end-of-partition sentinel record: a single
// flags byte with the EOP bit set. It is never walked backward over; the
// reverse source synthesizes its own one-byte EOP buffer (spec §4.B step
// 7) rather than relaying this on-disk record.
func encodeEOP() []byte {
	return []byte{flagEndOfPartition}
}

// encodeClusteringRow encodes a clustering row unfiltered record,
// appending it to buf. prevLen is the byte length of the immediately
// preceding unfiltered record in the partition (0 if this is the first).
func encodeClusteringRow(buf []byte, row base.ClusteringRow, prevLen int) []byte {
	buf = append(buf, byte(0))
	buf = clusteringKeyBytes(buf, row.Key)

	var body []byte
	if row.Marker.Live() {
		body = append(body, rowMarkerLive)
	} else {
		body = append(body, rowMarkerDeleted)
		tmp := make([]byte, deletionTimePairSize)
		putDeletionTime(tmp, row.Marker)
		body = append(body, tmp...)
	}
	body = cellsBytes(body, row.Cells)

	buf = putUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	buf = putUvarint(buf, uint64(prevLen))
	return buf
}

// encodeRangeTombstone encodes a range-tombstone marker unfiltered record.
func encodeRangeTombstone(buf []byte, marker base.RangeTombstoneMarker, prevLen int) []byte {
	buf = append(buf, flagIsRangeTombstone)
	buf = clusteringKeyBytes(buf, marker.Key)

	pairs := 1
	if marker.Kind.IsBoundary() {
		pairs = 2
	}
	body := make([]byte, 1+pairs*deletionTimePairSize)
	body[0] = byte(marker.Kind)
	putDeletionTime(body[1:1+deletionTimePairSize], marker.DeletionTimes[0])
	if pairs == 2 {
		putDeletionTime(body[1+deletionTimePairSize:1+2*deletionTimePairSize], marker.DeletionTimes[1])
	}

	buf = putUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)
	buf = putUvarint(buf, uint64(prevLen))
	return buf
}
