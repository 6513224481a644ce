// Package sstable implements the reverse-order SSTable data source of
// spec §4.B: a byte-level codec that reads an immutable partition's
// on-disk bytes and emits its unfiltereds (clustering rows and
// range-tombstone markers) in reverse clustering order without rewriting
// the file.
//
// The on-disk layout implemented here is a deliberately simplified
// instance of the format spec §4.B and §6 describe: a fixed-shape
// partition header, an optional static row, and a sequence of
// length-delimited, back-pointer-chained unfiltered records. Variable
// length integers use the standard unsigned-vint MSB-continuation
// encoding (spec §6), for which this module reuses the stdlib's
// encoding/binary varint codec (pebble itself relies on the same stdlib
// codec throughout batch.go and version_edit.go rather than hand-rolling
// one).
package sstable

import (
	"encoding/binary"

	"github.com/coreshard/coreshard/internal/base"
)

// Unfiltered flags byte bits (spec §6).
const (
	flagEndOfPartition byte = 1 << 0
	flagIsRangeTombstone byte = 1 << 1
	flagHasExtendedFlags byte = 1 << 2
)

// Extended flags byte bits (spec §6).
const (
	extFlagIsStatic byte = 1 << 0
)

// rowMarker values for a clustering row's liveness byte.
const (
	rowMarkerLive    byte = 0
	rowMarkerDeleted byte = 1
)

// deletionTimePairSize is the fixed on-disk width of one DeletionTime pair
// (two big-endian int64 fields). Deletion times are encoded fixed-width,
// not as vints, specifically so the reverse codec's tombstone-bound-swap
// (spec §4.B step 5) can exchange the two pairs of a boundary marker with
// a single in-place byte-range swap instead of re-encoding.
const deletionTimePairSize = 16

func putDeletionTime(buf []byte, d base.DeletionTime) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(d.MarkedForDeleteAt))
	binary.BigEndian.PutUint64(buf[8:16], uint64(d.LocalDeletionTime))
}

func getDeletionTime(buf []byte) base.DeletionTime {
	return base.DeletionTime{
		MarkedForDeleteAt: int64(binary.BigEndian.Uint64(buf[0:8])),
		LocalDeletionTime: int64(binary.BigEndian.Uint64(buf[8:16])),
	}
}

// putUvarint appends x to buf using the standard unsigned-vint encoding and
// returns the extended slice.
func putUvarint(buf []byte, x uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// getUvarint decodes a varint at the start of buf. ok is false if buf does
// not contain a complete varint (the "waiting" half of spec §9's
// ready/waiting parser contract).
func getUvarint(buf []byte) (value uint64, n int, ok bool) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, false
	}
	return v, n, true
}
