package sstable

import "github.com/coreshard/coreshard/internal/base"

// Record is the exported, direction-agnostic view of one parsed
// unfiltered: either a clustering row or a range-tombstone marker, plus
// its on-disk length (needed by forward readers to advance to the next
// record).
type Record struct {
	IsEndOfPartition bool
	Len              int
	IsTombstone      bool
	Tombstone        base.RangeTombstoneMarker
	Row              base.ClusteringRow
}

func exportRecord(r parsedRecord) Record {
	out := Record{IsEndOfPartition: r.isEOP, Len: r.totalLen}
	if r.isEOP {
		return out
	}
	out.IsTombstone = r.body.isTombstone
	if r.body.isTombstone {
		out.Tombstone = r.body.tombstone
	} else {
		out.Row = r.body.row
	}
	return out
}

// ExportRecord converts a *parsedRecord (as exposed by Buffer.Record) into
// its direction-agnostic public Record view.
func ExportRecord(r *parsedRecord) Record {
	return exportRecord(*r)
}

// ParseUnfiltered decodes one unfiltered record from the start of buf,
// forward direction (no tombstone-bound reversal is applied). ok is false
// if buf does not yet contain a complete record.
func ParseUnfiltered(buf []byte) (rec Record, ok bool) {
	r, ok := parseUnfiltered(buf)
	if !ok {
		return Record{}, false
	}
	return exportRecord(r), true
}

// ParsePartitionHeader decodes a PartitionHeader from the start of buf,
// returning the number of bytes consumed.
func ParsePartitionHeader(buf []byte) (h PartitionHeader, n int, ok bool) {
	return parsePartitionHeader(buf)
}

// EncodeClusteringRow exposes the clustering-row unfiltered encoder for
// writers and tests building fixture partitions.
func EncodeClusteringRow(buf []byte, row base.ClusteringRow, prevLen int) []byte {
	return encodeClusteringRow(buf, row, prevLen)
}

// EncodeRangeTombstone exposes the range-tombstone unfiltered encoder.
func EncodeRangeTombstone(buf []byte, marker base.RangeTombstoneMarker, prevLen int) []byte {
	return encodeRangeTombstone(buf, marker, prevLen)
}

// EncodeEOP exposes the end-of-partition sentinel encoder.
func EncodeEOP() []byte { return encodeEOP() }
