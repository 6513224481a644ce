package base

import "time"

// ColumnSet is a set of column ids, used to select which static/regular
// columns a PartitionSlice should materialize.
type ColumnSet map[ColumnID]struct{}

// NewColumnSet builds a ColumnSet from a list of ids.
func NewColumnSet(ids ...ColumnID) ColumnSet {
	s := make(ColumnSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s ColumnSet) Contains(id ColumnID) bool {
	_, ok := s[id]
	return ok
}

// PartitionSlice declares what to read from each partition a read command
// touches (spec §3).
type PartitionSlice struct {
	StaticColumns  ColumnSet
	RegularColumns ColumnSet
	// ClusteringRanges is the default list of clustering ranges applied
	// to every partition the slice touches.
	ClusteringRanges []ClusteringRange
	// PerPartitionRanges overrides ClusteringRanges for specific
	// partitions, keyed by the partition key's raw bytes.
	PerPartitionRanges map[string][]ClusteringRange

	Options PartitionSliceOptions
	// PartitionRowLimit is the per-partition clustering-row limit carried
	// by this slice, distinct from a read command's per-partition row
	// limit; CAS's static-only short-circuit (spec §4.F) sets it to 1.
	// The readers and the page compaction in this module do not apply
	// it, and nothing combines it with the read command's limit.
	PartitionRowLimit uint64
}

// PartitionSliceOptions is the boolean-options bitset of spec §3.
type PartitionSliceOptions struct {
	Reversed                   bool
	AllowShortRead             bool
	AlwaysReturnStaticContent bool
}

// RangesFor returns the clustering ranges to apply for the given
// partition key, honoring a per-partition override if present.
func (s PartitionSlice) RangesFor(key PartitionKey) []ClusteringRange {
	if s.PerPartitionRanges != nil {
		if r, ok := s.PerPartitionRanges[string(key.Bytes())]; ok {
			return r
		}
	}
	if s.ClusteringRanges == nil {
		return []ClusteringRange{FullClusteringRange()}
	}
	return s.ClusteringRanges
}

// QueryID is the stable identifier that lets a query be suspended at the
// end of a page and resumed on the next, per spec §3.
type QueryID = [16]byte

// ReadCommand is the full description of one page of a read, per spec §3
// and the wire fields of spec §6.
type ReadCommand struct {
	SchemaID      [16]byte
	SchemaVersion uint64

	Slice PartitionSlice

	PerPartitionRowLimit uint64
	PerQueryRowLimit     uint64
	PerQueryPartitionLimit uint64

	QueryTime time.Time
	// QueryID, if present, lets this read resume a suspended reader and
	// park a new one for the next page. Absent for one-shot reads.
	QueryID   *QueryID
	IsFirstPage bool

	ReadTimestamp   int64
	MaxResultSize   uint64
}
