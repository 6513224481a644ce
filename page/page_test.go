package page

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/mutationsource"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testSchema() *base.Schema {
	return base.NewSchema(uuid.UUID{2}, 1,
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

// recordingResult is a ResultBuilder that stops accepting clustering rows
// once it has recorded `capacity` of them, simulating a memory-ceiling
// short read.
type recordingResult struct {
	capacity int

	partitionStarts []base.DecoratedKey
	rows            []base.ClusteringRow
	tombstones      []base.RangeTombstoneMarker
	partitionEnds   int
}

func (r *recordingResult) AddPartitionStart(p base.PartitionStart) { r.partitionStarts = append(r.partitionStarts, p.Key) }
func (r *recordingResult) AddStaticRow(base.StaticRow) bool        { return true }
func (r *recordingResult) AddClusteringRow(row base.ClusteringRow) bool {
	if r.capacity > 0 && len(r.rows) >= r.capacity {
		return false
	}
	r.rows = append(r.rows, row)
	return true
}
func (r *recordingResult) AddRangeTombstone(m base.RangeTombstoneMarker) bool {
	r.tombstones = append(r.tombstones, m)
	return true
}
func (r *recordingResult) AddPartitionEnd() { r.partitionEnds++ }

// TestPaginatedResumeExactBoundary implements spec §8 scenario 4: a
// row-limit=2 query over five clustering rows resumes across three pages
// at exact boundaries.
func TestPaginatedResumeExactBoundary(t *testing.T) {
	schema := testSchema()
	src := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key: dkey(1, 1),
		Unfiltereds: []base.Unfiltered{
			row(1, "a"), row(2, "b"), row(3, "c"), row(4, "d"), row(5, "e"),
		},
	}})
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	ctx := context.Background()

	var pages [][]string
	reader, err := src.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		state := NewCompactionState(time.Time{}, 2, 0)
		result := &recordingResult{}
		_, err := Consume(ctx, reader, state, result, time.Time{}, true)
		require.NoError(t, err)
		var got []string
		for _, r := range result.rows {
			got = append(got, string(r.Cells[0].Value))
		}
		pages = append(pages, got)
	}
	require.Equal(t, []string{"a", "b"}, pages[0])
	require.Equal(t, []string{"c", "d"}, pages[1])
	require.Equal(t, []string{"e"}, pages[2])
}

// TestShortReadStopsOnResultCeiling verifies that a ResultBuilder
// signaling no room produces a short read without the row budget being
// hit (spec §4.C: "a short read is a permitted, not anomalous, outcome").
func TestShortReadStopsOnResultCeiling(t *testing.T) {
	schema := testSchema()
	src := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key:         dkey(1, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), row(2, "b"), row(3, "c")},
	}})
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	reader, err := src.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
	require.NoError(t, err)

	state := NewCompactionState(time.Time{}, 0, 0)
	result := &recordingResult{capacity: 2}
	out, err := Consume(context.Background(), reader, state, result, time.Time{}, true)
	require.NoError(t, err)
	require.True(t, out.ShortRead)
	require.False(t, out.Exhausted)
	require.Len(t, result.rows, 2)
}

// TestExpiredCellDroppedByCompaction verifies a TTL-expired cell is
// dropped and, with no other live cells and no row marker, the row is
// skipped entirely.
func TestExpiredCellDroppedByCompaction(t *testing.T) {
	schema := testSchema()
	past := time.Unix(100, 0)
	now := time.Unix(200, 0)
	expired := base.Unfiltered{Row: base.ClusteringRow{
		Key:   base.NewClusteringKey(keyBytes(1)),
		Cells: []base.Cell{{Column: 0, Value: []byte("stale"), ExpiresAt: past}},
	}}
	live := row(2, "fresh")
	src := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key:         dkey(1, 1),
		Unfiltereds: []base.Unfiltered{expired, live},
	}})
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	reader, err := src.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
	require.NoError(t, err)

	state := NewCompactionState(now, 0, 0)
	result := &recordingResult{}
	_, err = Consume(context.Background(), reader, state, result, time.Time{}, true)
	require.NoError(t, err)
	require.Len(t, result.rows, 1)
	require.Equal(t, "fresh", string(result.rows[0].Cells[0].Value))
}

// TestRangeTombstoneDoesNotUpdateLastClustering verifies that a page
// whose last clustering fragment is a range-tombstone marker records the
// last real clustering row's key as the resume position, not the
// tombstone's key.
func TestRangeTombstoneDoesNotUpdateLastClustering(t *testing.T) {
	schema := testSchema()
	tombstone := base.Unfiltered{
		IsTombstone: true,
		Tombstone: base.RangeTombstoneMarker{
			Kind: base.BoundInclStart,
			Key:  base.NewClusteringKey(keyBytes(2)),
		},
	}
	src := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{{
		Key:         dkey(1, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), tombstone},
	}})
	slice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	reader, err := src.MakeReader(schema, nil, base.FullPartitionRange(), slice, nil, false, false)
	require.NoError(t, err)

	state := NewCompactionState(time.Time{}, 0, 0)
	result := &recordingResult{}
	out, err := Consume(context.Background(), reader, state, result, time.Time{}, false)
	require.NoError(t, err)
	require.True(t, out.HasLastCk)
	require.Equal(t, base.NewClusteringKey(keyBytes(1)), out.LastClustering)
}

// TestReversingProducerMatchesNativeReverse verifies the in-memory
// fallback adapter produces the same order as a native reversed reader
// (spec §8's "round-trip reverse" property, applied to the fallback path
// of spec §9).
func TestReversingProducerMatchesNativeReverse(t *testing.T) {
	schema := testSchema()
	part := mutationsource.MemPartition{
		Key:         dkey(1, 1),
		Unfiltereds: []base.Unfiltered{row(1, "a"), row(2, "b"), row(3, "c")},
	}

	fwdSrc := mutationsource.NewMemSource(schema, []mutationsource.MemPartition{part})
	fwdSlice := base.PartitionSlice{RegularColumns: base.NewColumnSet(0)}
	fwdReader, err := fwdSrc.MakeReader(schema, nil, base.FullPartitionRange(), fwdSlice, nil, false, false)
	require.NoError(t, err)

	adapted := mutationsource.NewReader(schema, NewReversingProducer(&fixedProducer{r: fwdReader}), false, false)
	var got []string
	ctx := context.Background()
	for {
		f, err := adapted.Peek(ctx)
		require.NoError(t, err)
		if f == nil {
			break
		}
		if f.Kind == base.FragmentClusteringRow {
			got = append(got, string(f.ClusteringRow.Cells[0].Value))
		}
		_, err = adapted.Consume(ctx, stopAfterOne{}, time.Time{})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"c", "b", "a"}, got)
}

type stopAfterOne struct{}

func (stopAfterOne) ConsumeFragment(base.MutationFragment) mutationsource.ConsumeAction {
	return mutationsource.ConsumeStop
}

// fixedProducer adapts a *mutationsource.Reader back into a
// mutationsource.Producer so it can be wrapped by another adapter in
// tests.
type fixedProducer struct {
	r *mutationsource.Reader
}

func (f *fixedProducer) Next(ctx context.Context) (*base.MutationFragment, error) {
	var captured *base.MutationFragment
	c := captureOne{dst: &captured}
	_, err := f.r.Consume(ctx, c, time.Time{})
	if err != nil {
		return nil, err
	}
	if captured == nil {
		return nil, io.EOF
	}
	return captured, nil
}
func (f *fixedProducer) FastForwardToClustering(cr base.ClusteringRange) error {
	return f.r.FastForwardTo(&cr, nil)
}
func (f *fixedProducer) FastForwardToPartitionRange(pr base.PartitionRange) error {
	return f.r.FastForwardTo(nil, &pr)
}
func (f *fixedProducer) Close() error { return f.r.Close() }

type captureOne struct{ dst **base.MutationFragment }

func (c captureOne) ConsumeFragment(f base.MutationFragment) mutationsource.ConsumeAction {
	*c.dst = &f
	return mutationsource.ConsumeStop
}
