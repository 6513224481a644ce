package cas

import "github.com/coreshard/coreshard/internal/base"

// Prefetch is the partition prefix cas_request::applies_to and apply()
// evaluate against: the rows and static cells a page consumer collected
// while executing this Request's BuildReadCommand, grounded on
// update_parameters::build_prefetch_data.
type Prefetch struct {
	Partition base.DecoratedKey

	HasStaticRow bool
	StaticCells  []base.Cell

	Rows []base.ClusteringRow
}

// NewPrefetch builds an empty Prefetch for partition.
func NewPrefetch(partition base.DecoratedKey) *Prefetch {
	return &Prefetch{Partition: partition}
}

// RowFound reports whether the prefetch has a row at ck: the virtual
// static row when ck is empty, or a matching clustering row otherwise.
func (p *Prefetch) RowFound(schema *base.Schema, ck base.ClusteringKey) (base.ClusteringRow, bool) {
	if ck.IsEmpty() {
		if p.HasStaticRow {
			return base.ClusteringRow{Key: base.EmptyClusteringKey, Cells: p.StaticCells}, true
		}
		return base.ClusteringRow{}, false
	}
	for _, r := range p.Rows {
		if schema.CompareClustering(r.Key, ck) == 0 {
			return r, true
		}
	}
	return base.ClusteringRow{}, false
}

// cellValue looks up a column's value among cells, reporting whether it
// was present.
func cellValue(cells []base.Cell, col base.ColumnID) ([]byte, bool) {
	for _, c := range cells {
		if c.Column == col {
			return c.Value, true
		}
	}
	return nil, false
}

// staticCellValue looks up a static column's value in the prefetch's
// partition-level static cells.
func (p *Prefetch) staticCellValue(col base.ColumnID) ([]byte, bool) {
	if !p.HasStaticRow {
		return nil, false
	}
	return cellValue(p.StaticCells, col)
}
