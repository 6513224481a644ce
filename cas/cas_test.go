package cas

import (
	"testing"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func intBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

const (
	colS base.ColumnID = 0
	colV base.ColumnID = 1
)

func casTestSchema() *base.Schema {
	return base.NewSchema(uuid.UUID{4}, 1,
		[]base.Column{{Name: "p", Kind: base.ColumnPartitionKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "c", Kind: base.ColumnClusteringKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "v", ID: colV, Kind: base.ColumnRegular, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "s", ID: colS, Kind: base.ColumnStatic, Type: base.BytesType{NameStr: "int"}}},
	)
}

// TestStaticOnlyConditionMarksStaticRowWithNoMatchingRow implements spec
// §8 scenario 6: a static-only condition applies and marks the static row
// in the result set even though no clustering row in the partition
// matches c=1.
func TestStaticOnlyConditionMarksStaticRowWithNoMatchingRow(t *testing.T) {
	schema := casTestSchema()
	partition := base.DecoratedKey{Key: base.NewPartitionKey(intBytes(1)), Token: 1}
	c1 := base.NewClusteringKey(intBytes(1))

	update := RowUpdate{
		Ranges: []base.ClusteringRange{{Start: c1, End: c1, StartIncl: true, EndIncl: true}},
		Conditions: []Condition{
			{Column: colS, IsStatic: true, Op: OpEQ, Value: intBytes(1), Type: base.BytesType{NameStr: "int"}},
		},
		ApplyUpdates: func(ts int64, prefetch *Prefetch, out *Mutation) {
			out.AddCell(c1, base.Cell{Column: colV, Value: intBytes(1), Timestamp: ts})
		},
	}

	prefetch := NewPrefetch(partition)
	prefetch.HasStaticRow = true
	prefetch.StaticCells = []base.Cell{{Column: colS, Value: intBytes(1)}}
	// No clustering row at c=1: the INSERT only ever wrote the static cell.

	applies, result := AppliesTo(schema, []RowUpdate{update}, prefetch)
	require.True(t, applies)
	require.Len(t, result, 1)
	require.True(t, result[0].IsStatic)

	mutation, result, applied := Apply(schema, []RowUpdate{update}, prefetch, 100)
	require.True(t, applied)
	require.Len(t, result, 1)
	require.Equal(t, 1, mutation.RowCount())

	frags := mutation.Fragments(schema)
	require.Equal(t, base.FragmentPartitionStart, frags[0].Kind)
	require.Equal(t, base.FragmentClusteringRow, frags[1].Kind)
	require.Equal(t, intBytes(1), frags[1].ClusteringRow.Cells[0].Value)
	require.Equal(t, base.FragmentPartitionEnd, frags[2].Kind)
}

// TestConditionFailureStillMarksEveryStatementsRow verifies the
// short-circuit-but-keep-marking behavior: once one statement's condition
// fails, later conditions are not evaluated, but every statement's target
// row is still added to the result set.
func TestConditionFailureStillMarksEveryStatementsRow(t *testing.T) {
	schema := casTestSchema()
	partition := base.DecoratedKey{Key: base.NewPartitionKey(intBytes(1)), Token: 1}
	c1 := base.NewClusteringKey(intBytes(1))
	c2 := base.NewClusteringKey(intBytes(2))

	failing := RowUpdate{
		Ranges: []base.ClusteringRange{{Start: c1, End: c1, StartIncl: true, EndIncl: true}},
		Conditions: []Condition{
			{Column: colV, IsStatic: false, Op: OpEQ, Value: intBytes(99), Type: base.BytesType{NameStr: "int"}},
		},
	}
	other := RowUpdate{
		Ranges: []base.ClusteringRange{{Start: c2, End: c2, StartIncl: true, EndIncl: true}},
		Conditions: []Condition{
			{Column: colV, IsStatic: false, Op: OpEQ, Value: intBytes(5), Type: base.BytesType{NameStr: "int"}},
		},
	}

	prefetch := NewPrefetch(partition)
	prefetch.Rows = []base.ClusteringRow{
		{Key: c1, Cells: []base.Cell{{Column: colV, Value: intBytes(1)}}},
		{Key: c2, Cells: []base.Cell{{Column: colV, Value: intBytes(5)}}},
	}

	applies, result := AppliesTo(schema, []RowUpdate{failing, other}, prefetch)
	require.False(t, applies)
	require.Len(t, result, 2)
}

// TestBuildReadCommandStaticOnlyShortCircuit verifies that a batch whose
// only contributing statement has a static-only condition and needs no
// read probes with a single full open-ended clustering range and a row
// limit of 1.
func TestBuildReadCommandStaticOnlyShortCircuit(t *testing.T) {
	schema := casTestSchema()
	partition := base.DecoratedKey{Key: base.NewPartitionKey(intBytes(1)), Token: 1}
	c1 := base.NewClusteringKey(intBytes(1))

	req := &Request{
		Schema:    schema,
		Partition: partition,
		Updates: []RowUpdate{{
			Ranges: []base.ClusteringRange{{Start: c1, End: c1, StartIncl: true, EndIncl: true}},
			Conditions: []Condition{
				{Column: colS, IsStatic: true, Op: OpEQ, Value: intBytes(1), Type: base.BytesType{NameStr: "int"}},
			},
		}},
	}

	cmd := req.BuildReadCommand()
	require.True(t, cmd.Slice.Options.AlwaysReturnStaticContent)
	require.EqualValues(t, 1, cmd.Slice.PartitionRowLimit)
	require.Len(t, cmd.Slice.ClusteringRanges, 1)
	require.True(t, cmd.Slice.ClusteringRanges[0].NoStart)
	require.True(t, cmd.Slice.ClusteringRanges[0].NoEnd)
}

// TestBuildReadCommandUnionsAndDeoverlapsRanges verifies a batch with two
// overlapping regular-column-conditioned statements unions and merges
// their ranges rather than probing with a row limit of 1.
func TestBuildReadCommandUnionsAndDeoverlapsRanges(t *testing.T) {
	schema := casTestSchema()
	partition := base.DecoratedKey{Key: base.NewPartitionKey(intBytes(1)), Token: 1}
	c1, c3, c2, c5 := base.NewClusteringKey(intBytes(1)), base.NewClusteringKey(intBytes(3)),
		base.NewClusteringKey(intBytes(2)), base.NewClusteringKey(intBytes(5))

	req := &Request{
		Schema:    schema,
		Partition: partition,
		Updates: []RowUpdate{
			{
				Ranges: []base.ClusteringRange{{Start: c1, End: c3, StartIncl: true, EndIncl: true}},
				Conditions: []Condition{
					{Column: colV, IsStatic: false, Op: OpEQ, Value: intBytes(1), Type: base.BytesType{NameStr: "int"}},
				},
			},
			{
				Ranges: []base.ClusteringRange{{Start: c2, End: c5, StartIncl: true, EndIncl: true}},
				Conditions: []Condition{
					{Column: colV, IsStatic: false, Op: OpEQ, Value: intBytes(2), Type: base.BytesType{NameStr: "int"}},
				},
			},
		},
	}

	cmd := req.BuildReadCommand()
	require.EqualValues(t, 0, cmd.Slice.PartitionRowLimit)
	require.Len(t, cmd.Slice.ClusteringRanges, 1)
	require.Equal(t, c1, cmd.Slice.ClusteringRanges[0].Start)
	require.Equal(t, c5, cmd.Slice.ClusteringRanges[0].End)
}
