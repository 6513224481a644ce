package cas

import "github.com/coreshard/coreshard/internal/base"

// Mutation is the single partition-scoped write apply() synthesizes by
// folding every applying statement's ApplyUpdates into one accumulator,
// matching cas_request::apply_updates's "append all mutations (in fact
// only one) to the consolidated one."
type Mutation struct {
	Partition       base.DecoratedKey
	PartitionDelete base.DeletionTime

	StaticCells []base.Cell

	rows     map[string]*mutationRow
	rowOrder []base.ClusteringKey
}

type mutationRow struct {
	key    base.ClusteringKey
	cells  []base.Cell
	marker base.DeletionTime
}

// NewMutation builds an empty partition-scoped mutation.
func NewMutation(partition base.DecoratedKey) *Mutation {
	return &Mutation{Partition: partition, rows: make(map[string]*mutationRow)}
}

func rowKeyString(ck base.ClusteringKey) string {
	var b []byte
	for _, c := range ck.Components() {
		b = append(b, byte(len(c)))
		b = append(b, c...)
	}
	return string(b)
}

func (m *Mutation) row(key base.ClusteringKey) *mutationRow {
	k := rowKeyString(key)
	if r, ok := m.rows[k]; ok {
		return r
	}
	r := &mutationRow{key: key}
	m.rows[k] = r
	m.rowOrder = append(m.rowOrder, key)
	return r
}

// AddStaticCell folds one static-column write into the mutation.
func (m *Mutation) AddStaticCell(cell base.Cell) {
	m.StaticCells = append(m.StaticCells, cell)
}

// AddCell folds one regular-column write at key into the mutation.
func (m *Mutation) AddCell(key base.ClusteringKey, cell base.Cell) {
	m.row(key).cells = append(m.row(key).cells, cell)
}

// SetRowMarker sets the row-level deletion/liveness marker for key.
func (m *Mutation) SetRowMarker(key base.ClusteringKey, marker base.DeletionTime) {
	m.row(key).marker = marker
}

// RowCount reports how many distinct clustering rows this mutation
// touches.
func (m *Mutation) RowCount() int { return len(m.rowOrder) }

// Fragments materializes the mutation as a forward fragment stream:
// partition_start, an optional static_row, then each touched clustering
// row in key order, then partition_end. This is the form a mutation
// source or writer consumes to apply the CAS write.
func (m *Mutation) Fragments(schema *base.Schema) []base.MutationFragment {
	frags := []base.MutationFragment{base.NewPartitionStartFragment(m.Partition, m.PartitionDelete)}
	if len(m.StaticCells) > 0 {
		frags = append(frags, base.NewStaticRowFragment(append([]base.Cell(nil), m.StaticCells...)))
	}
	ordered := append([]base.ClusteringKey(nil), m.rowOrder...)
	sortClusteringKeys(schema, ordered)
	for _, key := range ordered {
		r := m.rows[rowKeyString(key)]
		frags = append(frags, base.NewClusteringRowFragment(base.ClusteringRow{
			Key:    r.key,
			Cells:  r.cells,
			Marker: r.marker,
		}))
	}
	frags = append(frags, base.PartitionEndFragment)
	return frags
}

func sortClusteringKeys(schema *base.Schema, keys []base.ClusteringKey) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && schema.CompareClustering(keys[j], keys[j-1]) < 0; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
