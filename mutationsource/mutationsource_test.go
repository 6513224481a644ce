package mutationsource

import (
	"context"
	"testing"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testSchema() *base.Schema {
	return base.NewSchema(uuid.UUID{1}, 1,
		[]base.Column{{Name: "p", Kind: base.ColumnPartitionKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "c", Kind: base.ColumnClusteringKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "v", ID: 0, Kind: base.ColumnRegular, Type: base.BytesType{NameStr: "text"}}},
		nil,
	)
}

func keyBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func dkey(tok base.Token, v int64) base.DecoratedKey {
	return base.DecoratedKey{Key: base.NewPartitionKey(keyBytes(v)), Token: tok}
}

func row(c int64, v string) base.Unfiltered {
	return base.Unfiltered{Row: base.ClusteringRow{
		Key:   base.NewClusteringKey(keyBytes(c)),
		Cells: []base.Cell{{Column: 0, Value: []byte(v)}},
	}}
}

type stopAfterOne struct{}

func (stopAfterOne) ConsumeFragment(base.MutationFragment) ConsumeAction { return ConsumeStop }

// TestTwoShardTokenOrderedScan implements spec §8 scenario 1.
func TestTwoShardTokenOrderedScan(t *testing.T) {
	schema := testSchema()
	shard0 := NewMemSource(schema, []MemPartition{{
		Key:         dkey(10, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), row(2, "b")},
	}})
	shard1 := NewMemSource(schema, []MemPartition{{
		Key:         dkey(20, 2),
		Unfiltereds: []base.Unfiltered{row(1, "c"), row(2, "d")},
	}})

	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	mkReader := func(s *MemSource) func() (*Reader, error) {
		return func() (*Reader, error) {
			return s.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
		}
	}
	comb := NewCombiningReader([]ShardReaderSource{
		{Shard: 0, Resolve: mkReader(shard0)},
		{Shard: 1, Resolve: mkReader(shard1)},
	}, false)
	reader := NewReader(schema, comb, false, false)

	var vals []string
	ctx := context.Background()
	for {
		f, err := reader.Peek(ctx)
		require.NoError(t, err)
		if f == nil {
			break
		}
		if f.Kind == base.FragmentClusteringRow {
			vals = append(vals, string(f.ClusteringRow.Cells[0].Value))
		}
		_, err = reader.Consume(ctx, stopAfterOne{}, time.Time{})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, vals)
}

// TestReverseSinglePartitionMemSource implements spec §8 scenario 2 over
// the in-memory source.
func TestReverseSinglePartitionMemSource(t *testing.T) {
	schema := testSchema()
	src := NewMemSource(schema, []MemPartition{{
		Key:         dkey(1, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), row(2, "b"), row(3, "c")},
	}})
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0), Options: base.PartitionSliceOptions{Reversed: true}}
	reader, err := src.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
	require.NoError(t, err)

	ctx := context.Background()
	var got []string
	for {
		f, err := reader.Peek(ctx)
		require.NoError(t, err)
		if f == nil {
			break
		}
		if f.Kind == base.FragmentClusteringRow {
			got = append(got, string(f.ClusteringRow.Cells[0].Value))
		}
		_, err = reader.Consume(ctx, stopAfterOne{}, time.Time{})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"c", "b", "a"}, got)
}

// TestCombiningReaderClosesAllResolvedShards verifies Close tears down
// every shard reader that was resolved, per spec §4.E's dismantling-barrier
// requirement that no reader leaks across a multishard read context's
// lifetime.
func TestCombiningReaderClosesAllResolvedShards(t *testing.T) {
	schema := testSchema()
	shard0 := NewMemSource(schema, []MemPartition{{
		Key:         dkey(5, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a")},
	}})
	shard1 := NewMemSource(schema, nil)
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	comb := NewCombiningReader([]ShardReaderSource{
		{Shard: 0, Resolve: func() (*Reader, error) {
			return shard0.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
		}},
		{Shard: 1, Resolve: func() (*Reader, error) {
			return shard1.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
		}},
	}, false)
	reader := NewReader(schema, comb, false, false)
	require.NoError(t, reader.NextPartition(context.Background()))
	require.NoError(t, reader.Close())
}
