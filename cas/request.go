// Package cas implements the conditional (compare-and-set) apply path of
// spec §4.F: a read-before-write critical section that prefetches a
// partition prefix, evaluates per-statement conditional predicates against
// it, and synthesizes a single partition-scoped mutation only if every
// condition holds.
//
// Grounded on original_source/cql3/statements/cas_request.cc: a Request
// here plays the role of that file's cas_request, RowUpdate its
// cas_row_update, and BuildReadCommand/AppliesTo/Apply its read_command,
// applies_to and apply member functions respectively.
package cas

import (
	"sort"

	"github.com/coreshard/coreshard/internal/base"
)

// CompareOp is the comparison a Condition applies between a prefetched
// cell's value and the condition's literal.
type CompareOp int

const (
	OpEQ CompareOp = iota
	OpNE
	OpLT
	OpLTE
	OpGT
	OpGTE
)

// Condition is one IF-clause predicate of a CAS statement, bound to a
// single column.
type Condition struct {
	Column   base.ColumnID
	IsStatic bool
	Op       CompareOp
	Value    []byte
	Type     base.ColumnType
}

// Satisfied evaluates the condition against a prefetched cell. exists
// reports whether the column had a live value in the prefetched row.
func (c Condition) Satisfied(value []byte, exists bool) bool {
	if !exists {
		return false
	}
	cmp := c.Type.Compare(value, c.Value)
	switch c.Op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	default:
		return false
	}
}

// RowUpdate is one statement's contribution to a CAS batch: the
// clustering ranges it touches, its conditions, and the write it applies
// when the batch as a whole applies. It is cas_row_update's counterpart.
type RowUpdate struct {
	Ranges      []base.ClusteringRange
	Conditions  []Condition
	IfExists    bool
	IfNotExists bool
	// NeedsRead marks a statement that must read the prior row even with
	// no conditions of its own (e.g. an append to a collection column),
	// matching statement.requires_read().
	NeedsRead bool
	// ApplyUpdates folds this statement's write into out, given the full
	// prefetched partition. Only called once the batch as a whole
	// applies.
	ApplyUpdates func(ts int64, prefetch *Prefetch, out *Mutation)
}

// hasConditions reports whether this statement carries any IF-clause at
// all (column conditions or exists/not-exists), matching
// statement.has_conditions().
func (u RowUpdate) hasConditions() bool {
	return len(u.Conditions) > 0 || u.IfExists || u.IfNotExists
}

// onlyStaticConditions reports whether every column condition on this
// statement targets a static column, matching
// statement.has_only_static_column_conditions(): a statement with no
// column conditions at all is not "only static."
func (u RowUpdate) onlyStaticConditions() bool {
	if len(u.Conditions) == 0 {
		return false
	}
	for _, c := range u.Conditions {
		if !c.IsStatic {
			return false
		}
	}
	return true
}

// hasStaticCondition reports whether any of this statement's conditions
// targets a static column.
func (u RowUpdate) hasStaticCondition() bool {
	for _, c := range u.Conditions {
		if c.IsStatic {
			return true
		}
	}
	return false
}

// conditionRowKey picks the clustering key this statement's conditions
// are checked against: the empty key (the static row) when every column
// condition is static, otherwise the start of the statement's first
// range, matching cas_request::applies_to's row selection.
func (u RowUpdate) conditionRowKey() base.ClusteringKey {
	if u.onlyStaticConditions() {
		return base.EmptyClusteringKey
	}
	if len(u.Ranges) > 0 && !u.Ranges[0].NoStart {
		return u.Ranges[0].Start
	}
	return base.EmptyClusteringKey
}

// Request collects one partition's worth of CAS row updates, the schema
// they're evaluated against, and the partition they apply to.
type Request struct {
	Schema    *base.Schema
	Partition base.DecoratedKey
	Updates   []RowUpdate
}

// BuildReadCommand implements build_read_command(proxy): it unions the
// columns needed by every statement that has conditions or needs a read,
// and either short-circuits to a one-row existence probe (when every
// contributing statement has only static-column conditions and none
// needs a read) or unions and deoverlaps the contributing ranges.
func (r *Request) BuildReadCommand() base.ReadCommand {
	staticCols := base.ColumnSet{}
	regularCols := base.ColumnSet{}
	var ranges []base.ClusteringRange

	for _, u := range r.Updates {
		if !u.hasConditions() && !u.NeedsRead {
			continue
		}
		for _, c := range u.Conditions {
			if c.IsStatic {
				staticCols[c.Column] = struct{}{}
			} else {
				regularCols[c.Column] = struct{}{}
			}
		}
		if u.onlyStaticConditions() && !u.NeedsRead {
			// Any partition row tells us what we need to know; no
			// range contribution required.
			continue
		}
		ranges = append(ranges, u.Ranges...)
	}

	slice := base.PartitionSlice{StaticColumns: staticCols, RegularColumns: regularCols}
	slice.Options.AlwaysReturnStaticContent = true
	if len(ranges) == 0 {
		// Distinguish a non-existing partition from one that exists but
		// has no static content: probe the first live row.
		slice.ClusteringRanges = []base.ClusteringRange{base.FullClusteringRange()}
		slice.PartitionRowLimit = 1
	} else {
		slice.ClusteringRanges = deoverlapRanges(r.Schema, ranges)
	}

	return base.ReadCommand{
		SchemaID:             r.Schema.ID(),
		SchemaVersion:        r.Schema.Version(),
		Slice:                slice,
		PerPartitionRowLimit: slice.PartitionRowLimit,
		IsFirstPage:          true,
	}
}

// deoverlapRanges sorts ranges by start and merges any that overlap or
// touch, by the schema's clustering tri-compare, matching
// query::clustering_range::deoverlap. It targets the small, typically
// non-overlapping range sets a CAS batch produces rather than aiming to
// be a general-purpose interval-merge library.
func deoverlapRanges(schema *base.Schema, ranges []base.ClusteringRange) []base.ClusteringRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]base.ClusteringRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		return startBefore(schema, sorted[i], sorted[j])
	})

	out := []base.ClusteringRange{sorted[0]}
	for _, next := range sorted[1:] {
		last := &out[len(out)-1]
		if touches(schema, *last, next) {
			*last = unionRange(schema, *last, next)
			continue
		}
		out = append(out, next)
	}
	return out
}

func startBefore(schema *base.Schema, a, b base.ClusteringRange) bool {
	if a.NoStart != b.NoStart {
		return a.NoStart
	}
	if a.NoStart {
		return false
	}
	if c := schema.CompareClustering(a.Start, b.Start); c != 0 {
		return c < 0
	}
	return a.StartIncl && !b.StartIncl
}

// touches reports whether b's start falls at or before a's end, so the
// two ranges can be merged into one. a and b are assumed sorted by start.
func touches(schema *base.Schema, a, b base.ClusteringRange) bool {
	if a.NoEnd || b.NoStart {
		return true
	}
	c := schema.CompareClustering(b.Start, a.End)
	if c < 0 {
		return true
	}
	if c > 0 {
		return false
	}
	return a.EndIncl || b.StartIncl
}

func unionRange(schema *base.Schema, a, b base.ClusteringRange) base.ClusteringRange {
	out := a
	if a.NoEnd {
		return out
	}
	if b.NoEnd {
		out.NoEnd = true
		return out
	}
	c := schema.CompareClustering(b.End, a.End)
	if c > 0 || (c == 0 && b.EndIncl && !a.EndIncl) {
		out.End = b.End
		out.EndIncl = b.EndIncl
	}
	return out
}
