package sstable

import (
	"io"

	"github.com/coreshard/coreshard/internal/base"
)

// UnfilteredEntry is one clustering row or range-tombstone marker to be
// written, in forward clustering order. It is an alias of base.Unfiltered
// so memtable partitions and on-disk partitions share one representation.
type UnfilteredEntry = base.Unfiltered

// WritePartition serializes a complete partition (header, optional static
// row, unfiltereds, terminal EOP record) in the on-disk layout this
// package's reverse reader consumes. It exists so tests (and any
// in-process "flush a memtable partition to an immutable SSTable"
// operation) can build fixtures without hand-assembling bytes.
//
// It returns the full partition bytes, the byte length of the header
// (including the static row, if any), and the offset where unfiltereds
// begin (== header length, since unfiltereds immediately follow the
// header in this layout).
func WritePartition(header PartitionHeader, entries []UnfilteredEntry) (data []byte, headerLen int64, clusteringRangeStart int64) {
	h := EncodePartitionHeader(header)
	buf := append([]byte(nil), h...)
	headerLen = int64(len(buf))
	clusteringRangeStart = headerLen

	prevLen := 0
	for _, e := range entries {
		before := len(buf)
		if e.IsTombstone {
			buf = encodeRangeTombstone(buf, e.Tombstone, prevLen)
		} else {
			buf = encodeClusteringRow(buf, e.Row, prevLen)
		}
		prevLen = len(buf) - before
	}
	buf = append(buf, EncodeEOP()...)
	return buf, headerLen, clusteringRangeStart
}

// partitionBytes is a simple in-memory PartitionBytes, used by tests and
// by in-process sources that keep flushed partitions resident.
type partitionBytes struct {
	data []byte
}

// NewPartitionBytes wraps an in-memory byte slice as a PartitionBytes.
func NewPartitionBytes(data []byte) PartitionBytes { return &partitionBytes{data: data} }

func (p *partitionBytes) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(p.data)) {
		return 0, errOutOfRange
	}
	n := copy(b, p.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *partitionBytes) Size() int64 { return int64(len(p.data)) }

var errOutOfRange = base.NewError(base.KindMalformedOnDisk, "sstable: read offset out of range")
