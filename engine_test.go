package coreshard

import (
	"context"
	"testing"
	"time"

	"github.com/coreshard/coreshard/cas"
	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/sharder"
	"github.com/coreshard/coreshard/multishard"
	"github.com/coreshard/coreshard/mutationsource"
	"github.com/coreshard/coreshard/page"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func engineTestSchema() *base.Schema {
	return base.NewSchema(uuid.UUID{9}, 1,
		[]base.Column{{Name: "p", Kind: base.ColumnPartitionKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "c", Kind: base.ColumnClusteringKey, Type: base.BytesType{NameStr: "int"}}},
		[]base.Column{{Name: "v", ID: 0, Kind: base.ColumnRegular, Type: base.BytesType{NameStr: "text"}}},
		nil,
	)
}

func engineKeyBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

type recordingResultBuilder struct {
	rows []base.ClusteringRow
}

func (r *recordingResultBuilder) AddPartitionStart(base.PartitionStart)          {}
func (r *recordingResultBuilder) AddStaticRow(base.StaticRow) bool              { return true }
func (r *recordingResultBuilder) AddClusteringRow(row base.ClusteringRow) bool {
	r.rows = append(r.rows, row)
	return true
}
func (r *recordingResultBuilder) AddRangeTombstone(base.RangeTombstoneMarker) bool { return true }
func (r *recordingResultBuilder) AddPartitionEnd()                               {}

type testStagingProcessor struct{}

func (testStagingProcessor) ProcessStaged(context.Context, multishard.TableID, []multishard.StagingHandle) error {
	return nil
}

type testStagingMover struct{}

func (testStagingMover) MoveFromStaging(context.Context, multishard.TableID, []multishard.StagingHandle) error {
	return nil
}

func TestEngineOpenReadsAcrossShards(t *testing.T) {
	schema := engineTestSchema()
	sh := sharder.New(2)

	partA := sharder.Decorate(sh, base.NewPartitionKey(engineKeyBytes(1)))
	partB := sharder.Decorate(sh, base.NewPartitionKey(engineKeyBytes(3)))

	partition := func(key base.DecoratedKey, v string) mutationsource.MemPartition {
		return mutationsource.MemPartition{
			Key: key,
			Unfiltereds: []base.Unfiltered{{Row: base.ClusteringRow{
				Key:   base.NewClusteringKey(engineKeyBytes(1)),
				Cells: []base.Cell{{Column: 0, Value: []byte(v)}},
			}}},
		}
	}

	sources := make([]mutationsource.MutationSource, sh.ShardCount())
	for i := range sources {
		sources[i] = mutationsource.NewMemSource(schema, nil)
	}
	sources[sh.ShardOf(partA.Token)] = mutationsource.NewMemSource(schema, []mutationsource.MemPartition{partition(partA, "a")})
	sources[sh.ShardOf(partB.Token)] = mutationsource.NewMemSource(schema, []mutationsource.MemPartition{partition(partB, "b")})

	engine, err := Open(sh, sources, Options{}, testStagingProcessor{}, testStagingMover{})
	require.NoError(t, err)
	require.Len(t, engine.Shards(), 2)

	result := &recordingResultBuilder{}
	outcome, err := engine.Read(context.Background(), ReadRequest{
		Schema:      schema,
		IsFirstPage: true,
		Range:       base.FullPartitionRange(),
		Slice:       base.PartitionSlice{RegularColumns: base.NewColumnSet(0)},
		CompState:   page.NewCompactionState(time.Now(), 100, 100),
		Deadline:    time.Now().Add(time.Second),
		DataQuery:   true,
	}, result)

	require.NoError(t, err)
	require.True(t, outcome.Exhausted)
	require.Len(t, result.rows, 2)
}

func TestEngineCASAppliesWhenConditionHolds(t *testing.T) {
	schema := engineTestSchema()
	partition := base.DecoratedKey{Key: base.NewPartitionKey(engineKeyBytes(1)), Token: 1}
	c1 := base.NewClusteringKey(engineKeyBytes(1))

	req := CASRequest{
		Request: &cas.Request{
			Schema:    schema,
			Partition: partition,
			Updates: []cas.RowUpdate{{
				Ranges: []base.ClusteringRange{{Start: c1, End: c1, StartIncl: true, EndIncl: true}},
				IfExists: true,
				ApplyUpdates: func(ts int64, _ *cas.Prefetch, out *cas.Mutation) {
					out.AddCell(c1, base.Cell{Column: 0, Value: []byte("updated"), Timestamp: ts})
				},
			}},
		},
		Timestamp: 42,
	}

	prefetch := cas.NewPrefetch(partition)
	prefetch.Rows = []base.ClusteringRow{{Key: c1, Cells: []base.Cell{{Column: 0, Value: []byte("orig")}}}}

	engine := &Engine{}
	mutation, result, applied := engine.CAS(req, prefetch)
	require.True(t, applied)
	require.Len(t, result, 1)
	require.Equal(t, 1, mutation.RowCount())
}
