package base

import "time"

// FragmentKind tags the variant carried by a MutationFragment (spec §3).
type FragmentKind uint8

const (
	FragmentPartitionStart FragmentKind = iota
	FragmentStaticRow
	FragmentClusteringRow
	FragmentRangeTombstone
	FragmentPartitionEnd
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentPartitionStart:
		return "partition_start"
	case FragmentStaticRow:
		return "static_row"
	case FragmentClusteringRow:
		return "clustering_row"
	case FragmentRangeTombstone:
		return "range_tombstone"
	case FragmentPartitionEnd:
		return "partition_end"
	default:
		return "unknown"
	}
}

// DeletionTime is a (timestamp, local-deletion-time) pair marking when a
// cell, row, or range was deleted, used both for partition-level deletions
// and range-tombstone markers.
type DeletionTime struct {
	// MarkedForDeleteAt is the write timestamp of the deletion.
	MarkedForDeleteAt int64
	// LocalDeletionTime is the wall-clock time the deletion was applied,
	// used for tombstone-GC purposes. A zero value means "live" (no
	// deletion).
	LocalDeletionTime int64
}

// Live reports whether this DeletionTime represents no deletion.
func (d DeletionTime) Live() bool { return d.LocalDeletionTime == 0 }

// Supersedes reports whether d deletes cells written at ts or earlier.
func (d DeletionTime) Supersedes(ts int64) bool {
	return !d.Live() && d.MarkedForDeleteAt >= ts
}

// Cell is a single column value with its write timestamp and optional
// per-cell deletion/TTL expiry.
type Cell struct {
	Column    ColumnID
	Value     []byte
	Timestamp int64
	// ExpiresAt, if nonzero, is the wall-clock time this cell's TTL
	// expires. Zero means no TTL.
	ExpiresAt time.Time
}

// Live reports whether the cell is still live at queryTime, accounting for
// TTL expiry.
func (c Cell) Live(queryTime time.Time) bool {
	return c.ExpiresAt.IsZero() || c.ExpiresAt.After(queryTime)
}

// BoundKind enumerates the four range-tombstone bound kinds of spec §4.B
// and §6, plus the two boundary kinds. Values are chosen to make Reverse a
// simple table lookup, matching the byte-level kind swap spec §4.B step 5
// describes.
type BoundKind uint8

const (
	BoundInclStart BoundKind = iota
	BoundExclStart
	BoundInclEnd
	BoundExclEnd
	// BoundaryInclEndExclStart marks a boundary where one range's
	// inclusive end meets the next range's exclusive start.
	BoundaryInclEndExclStart
	// BoundaryExclEndInclStart marks a boundary where one range's
	// exclusive end meets the next range's inclusive start.
	BoundaryExclEndInclStart
)

// IsBoundary reports whether this kind carries two deletion-time pairs.
func (k BoundKind) IsBoundary() bool {
	return k == BoundaryInclEndExclStart || k == BoundaryExclEndInclStart
}

// Reverse returns the bound kind obtained by walking the partition in the
// opposite clustering direction, per spec §4.B step 5:
//
//	incl_start <-> incl_end
//	excl_start <-> excl_end
//	incl_end_excl_start <-> excl_end_incl_start
func (k BoundKind) Reverse() BoundKind {
	switch k {
	case BoundInclStart:
		return BoundInclEnd
	case BoundInclEnd:
		return BoundInclStart
	case BoundExclStart:
		return BoundExclEnd
	case BoundExclEnd:
		return BoundExclStart
	case BoundaryInclEndExclStart:
		return BoundaryExclEndInclStart
	case BoundaryExclEndInclStart:
		return BoundaryInclEndExclStart
	default:
		return k
	}
}

// RangeTombstoneMarker is one endpoint (bound) or junction (boundary) of a
// range deletion.
type RangeTombstoneMarker struct {
	Kind BoundKind
	Key  ClusteringKey
	// DeletionTimes holds one entry for a bound, two for a boundary. For
	// a boundary, [0] is the deletion time of the range being closed and
	// [1] is the deletion time of the range being opened, in forward
	// clustering order.
	DeletionTimes [2]DeletionTime
}

// ClusteringRow is one row addressed by a full (or partial, for a static
// read) clustering key.
type ClusteringRow struct {
	Key    ClusteringKey
	Cells  []Cell
	Marker DeletionTime // row-level (not cell) deletion/liveness marker
}

// StaticRow carries the static-column cells attached to a partition.
type StaticRow struct {
	Cells []Cell
}

// PartitionStart opens a new partition in the fragment stream.
type PartitionStart struct {
	Key             DecoratedKey
	PartitionDelete DeletionTime
}

// MutationFragment is the tagged union described in spec §3. Exactly one of
// the payload fields is meaningful, selected by Kind.
type MutationFragment struct {
	Kind FragmentKind

	PartitionStart PartitionStart
	StaticRow      StaticRow
	ClusteringRow  ClusteringRow
	RangeTombstone RangeTombstoneMarker
}

// NewPartitionStartFragment builds a partition-start fragment.
func NewPartitionStartFragment(key DecoratedKey, del DeletionTime) MutationFragment {
	return MutationFragment{Kind: FragmentPartitionStart, PartitionStart: PartitionStart{Key: key, PartitionDelete: del}}
}

// NewStaticRowFragment builds a static-row fragment.
func NewStaticRowFragment(cells []Cell) MutationFragment {
	return MutationFragment{Kind: FragmentStaticRow, StaticRow: StaticRow{Cells: cells}}
}

// NewClusteringRowFragment builds a clustering-row fragment.
func NewClusteringRowFragment(row ClusteringRow) MutationFragment {
	return MutationFragment{Kind: FragmentClusteringRow, ClusteringRow: row}
}

// NewRangeTombstoneFragment builds a range-tombstone fragment.
func NewRangeTombstoneFragment(marker RangeTombstoneMarker) MutationFragment {
	return MutationFragment{Kind: FragmentRangeTombstone, RangeTombstone: marker}
}

// PartitionEndFragment is the single partition-end sentinel; it carries no
// payload so a shared value can be reused.
var PartitionEndFragment = MutationFragment{Kind: FragmentPartitionEnd}

// Unfiltered is a clustering row or range-tombstone marker in forward
// clustering order, the unit a partition's body is built from both on
// disk (sstable.WritePartition) and in memory (memtable partitions).
type Unfiltered struct {
	IsTombstone bool
	Row         ClusteringRow
	Tombstone   RangeTombstoneMarker
}

// Key returns the unfiltered's clustering key regardless of variant.
func (u Unfiltered) Key() ClusteringKey {
	if u.IsTombstone {
		return u.Tombstone.Key
	}
	return u.Row.Key
}

// ClusteringKeyOf returns the fragment's clustering key and true if Kind is
// a clustering row or range tombstone. Unlike the page's last-clustering-key
// bookkeeping, it also reports a range tombstone's key.
func (f MutationFragment) ClusteringKeyOf() (ClusteringKey, bool) {
	switch f.Kind {
	case FragmentClusteringRow:
		return f.ClusteringRow.Key, true
	case FragmentRangeTombstone:
		return f.RangeTombstone.Key, true
	default:
		return ClusteringKey{}, false
	}
}
