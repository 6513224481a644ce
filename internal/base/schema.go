package base

import (
	"bytes"
	"sync/atomic"

	"github.com/google/uuid"
)

// ColumnKind distinguishes the four roles a column can play in a schema.
type ColumnKind uint8

const (
	ColumnPartitionKey ColumnKind = iota
	ColumnClusteringKey
	ColumnRegular
	ColumnStatic
)

// ColumnID identifies a column within a Schema by position in its kind's
// ordered tuple (partition-key and clustering-key columns) or by a stable
// index into the schema's regular/static column sets.
type ColumnID uint32

// ColumnType is the minimal type contract a column value must satisfy: a
// canonical binary serialization and a three-way comparator, matching
// spec §3's "each column has a type with a canonical binary serialization."
type ColumnType interface {
	Name() string
	// Compare orders two serialized values of this type. Only
	// clustering-key and partition-key column types are required to
	// implement a total order; regular/static column types may panic if
	// Compare is never called on them in practice.
	Compare(a, b []byte) int
}

// Column describes one column of a Schema.
type Column struct {
	Name string
	Kind ColumnKind
	Type ColumnType
	// ID is stable across schema versions for a given column; used to
	// address static/regular columns in a PartitionSlice's column sets.
	ID ColumnID
}

// Schema is an immutable description of a table. Once constructed it is
// never mutated; a schema change produces a new Schema with the same ID and
// a higher Version, matching spec §3's "a schema has a stable identifier
// and a monotonically advancing version."
type Schema struct {
	id      uuid.UUID
	version uint64

	partitionKey  []Column
	clusteringKey []Column
	regular       map[ColumnID]Column
	static        map[ColumnID]Column
}

// NewSchema builds a Schema. partitionKey and clusteringKey define the key
// columns in order; regular and static enumerate the non-key columns.
func NewSchema(id uuid.UUID, version uint64, partitionKey, clusteringKey []Column, regular, static []Column) *Schema {
	s := &Schema{
		id:            id,
		version:       version,
		partitionKey:  append([]Column(nil), partitionKey...),
		clusteringKey: append([]Column(nil), clusteringKey...),
		regular:       make(map[ColumnID]Column, len(regular)),
		static:        make(map[ColumnID]Column, len(static)),
	}
	for _, c := range regular {
		s.regular[c.ID] = c
	}
	for _, c := range static {
		s.static[c.ID] = c
	}
	return s
}

// ID returns the schema's stable identifier.
func (s *Schema) ID() uuid.UUID { return s.id }

// Version returns the schema's monotonically advancing version.
func (s *Schema) Version() uint64 { return s.version }

// WithVersion returns a copy of s with version bumped; used by callers that
// simulate a schema alteration in tests.
func (s *Schema) WithVersion(version uint64) *Schema {
	cp := *s
	cp.version = version
	return &cp
}

// PartitionKeyColumns returns the ordered partition-key column tuple.
func (s *Schema) PartitionKeyColumns() []Column { return s.partitionKey }

// ClusteringKeyColumns returns the ordered clustering-key column tuple.
func (s *Schema) ClusteringKeyColumns() []Column { return s.clusteringKey }

// RegularColumn looks up a regular column by ID.
func (s *Schema) RegularColumn(id ColumnID) (Column, bool) {
	c, ok := s.regular[id]
	return c, ok
}

// StaticColumn looks up a static column by ID.
func (s *Schema) StaticColumn(id ColumnID) (Column, bool) {
	c, ok := s.static[id]
	return c, ok
}

// HasStaticColumns reports whether the schema declares any static columns.
func (s *Schema) HasStaticColumns() bool { return len(s.static) > 0 }

// CompareClustering implements the clustering-key tri-compare ordering
// derived from the schema: lexicographic over the clustering-key column
// tuple using each column's Compare, with a shorter key (a clustering-range
// bound, e.g.) ordering before a longer one that shares its prefix.
func (s *Schema) CompareClustering(a, b ClusteringKey) int {
	n := len(s.clusteringKey)
	for i := 0; i < n; i++ {
		av, aok := a.component(i)
		bv, bok := b.component(i)
		if !aok && !bok {
			return 0
		}
		if !aok {
			return -1
		}
		if !bok {
			return 1
		}
		if c := s.clusteringKey[i].Type.Compare(av, bv); c != 0 {
			return c
		}
	}
	return 0
}

// atomicVersion is a small helper that publishes a version number through
// atomic loads and stores, without locking readers out. No code in this
// module uses it.
type atomicVersion struct{ v atomic.Uint64 }

func (a *atomicVersion) Load() uint64     { return a.v.Load() }
func (a *atomicVersion) Store(v uint64)   { a.v.Store(v) }

// BytesType is a ColumnType for raw byte comparison (e.g. blob/text columns
// stored byte-comparable). It is the simplest column type and is used
// pervasively in this module's tests.
type BytesType struct{ NameStr string }

func (t BytesType) Name() string           { return t.NameStr }
func (t BytesType) Compare(a, b []byte) int { return bytes.Compare(a, b) }
