package sstable

import "github.com/coreshard/coreshard/internal/base"

// PartitionHeader is the fixed-shape prefix of a partition's on-disk bytes:
// the partition key, its partition-level deletion time, and an optional
// static row (spec §4.B "File model").
type PartitionHeader struct {
	Key             base.PartitionKey
	PartitionDelete base.DeletionTime
	HasStaticRow    bool
	StaticRow       base.StaticRow
}

// EncodePartitionHeader serializes a header. Layout: varint key length,
// key bytes, 16-byte partition deletion time, a presence byte, and (if
// present) the static row's cells using the same cell encoding as a
// clustering row's body.
func EncodePartitionHeader(h PartitionHeader) []byte {
	var buf []byte
	buf = putUvarint(buf, uint64(len(h.Key.Bytes())))
	buf = append(buf, h.Key.Bytes()...)
	tmp := make([]byte, deletionTimePairSize)
	putDeletionTime(tmp, h.PartitionDelete)
	buf = append(buf, tmp...)
	if h.HasStaticRow {
		buf = append(buf, 1)
		buf = cellsBytes(buf, h.StaticRow.Cells)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// parsePartitionHeader parses a header from the start of buf, returning
// the number of bytes consumed. ok is false if buf is incomplete.
func parsePartitionHeader(buf []byte) (h PartitionHeader, n int, ok bool) {
	klen, kn, kok := getUvarint(buf)
	if !kok {
		return h, 0, false
	}
	off := kn
	if len(buf) < off+int(klen)+deletionTimePairSize+1 {
		return h, 0, false
	}
	h.Key = base.NewPartitionKey(buf[off : off+int(klen)])
	off += int(klen)
	h.PartitionDelete = getDeletionTime(buf[off : off+deletionTimePairSize])
	off += deletionTimePairSize
	present := buf[off]
	off++
	if present != 0 {
		cells, cn, cok := getCells(buf[off:])
		if !cok {
			return h, 0, false
		}
		h.HasStaticRow = true
		h.StaticRow = base.StaticRow{Cells: cells}
		off += cn
	}
	return h, off, true
}
