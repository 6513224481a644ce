package multishard

import (
	"context"
	"testing"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"github.com/coreshard/coreshard/mutationsource"
	"github.com/coreshard/coreshard/page"
	"github.com/coreshard/coreshard/querier"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func testSchema() *base.Schema {
	return base.NewSchema(uuid.UUID{3}, 1,
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

// modSharder assigns shard = token % shardCount, used only by this
// test's fixtures.
type modSharder struct{ n uint32 }

func (s modSharder) TokenFor(base.PartitionKey) base.Token { return 0 }
func (s modSharder) ShardOf(t base.Token) base.ShardID     { return base.ShardID(uint64(t) % uint64(s.n)) }
func (s modSharder) ShardCount() uint32                    { return s.n }

type fakeShard struct {
	cache  *querier.Cache
	source mutationsource.MutationSource
}

func (f *fakeShard) Cache() *querier.Cache                        { return f.cache }
func (f *fakeShard) MutationSource() mutationsource.MutationSource { return f.source }

// collectingResult is a page.ResultBuilder with no capacity limit, used
// to observe exactly what a page emitted.
type collectingResult struct {
	rows []string
}

func (r *collectingResult) AddPartitionStart(base.PartitionStart)      {}
func (r *collectingResult) AddStaticRow(base.StaticRow) bool           { return true }
func (r *collectingResult) AddClusteringRow(row base.ClusteringRow) bool {
	r.rows = append(r.rows, string(row.Cells[0].Value))
	return true
}
func (r *collectingResult) AddRangeTombstone(base.RangeTombstoneMarker) bool { return true }
func (r *collectingResult) AddPartitionEnd()                                {}

// TestTwoShardPaginatedResume runs spec §8 scenarios 1 and 4 combined
// across a two-shard coordinator: a query paginates with a row limit of
// 2, resuming across pages via the querier cache, and the concatenation
// of all pages equals the unlimited single-page stream in order.
func TestTwoShardPaginatedResume(t *testing.T) {
	schema := testSchema()
	shard0Source := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key:         dkey(0, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), row(2, "b")},
	}})
	shard1Source := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key:         dkey(1, 2),
		Unfiltereds: []base.Unfiltered{row(1, "c"), row(2, "d")},
	}})

	shards := []ShardResources{
		&fakeShard{cache: querier.New(semaphore.NewWeighted(1000), time.Hour, 0, nil), source: shard0Source},
		&fakeShard{cache: querier.New(semaphore.NewWeighted(1000), time.Hour, 0, nil), source: shard1Source},
	}
	coord := &Coordinator{Sharder: modSharder{2}, Shards: shards, Metrics: newTestMultishardMetrics()}

	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	var id base.QueryID
	id[0] = 42

	var allRows []string
	ctx := context.Background()
	for page_ := 0; page_ < 3; page_++ {
		result := &collectingResult{}
		state := page.NewCompactionState(time.Time{}, 2, 0)
		out, err := Run(ctx, coord, schema, &id, page_ == 0, base.FullPartitionRange(), slice, result, state, time.Time{}, true)
		require.NoError(t, err)
		allRows = append(allRows, result.rows...)
		if out.Exhausted {
			break
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, allRows)
}

func newTestMultishardMetrics() *metrics.MultishardMetrics {
	return metrics.NewMultishardMetrics(nil)
}
