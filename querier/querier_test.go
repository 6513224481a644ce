package querier

import (
	"testing"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func ckBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func pr() base.PartitionRange {
	return base.PartitionRange{Singular: true, StartIncl: true, EndIncl: true}
}

// TestCachePositionDrop implements spec §8 scenario 5: a reader parked at
// c=2 cannot serve a lookup whose page now wants to start at c=5.
func TestCachePositionDrop(t *testing.T) {
	sem := semaphore.NewWeighted(100)
	c := New(sem, time.Hour, 0, nil)

	var id base.QueryID
	id[0] = 1
	q := &Querier{
		Range:          pr(),
		SchemaVersion:  1,
		HasLastCk:      true,
		LastClustering: base.NewClusteringKey(ckBytes(2)),
	}
	c.Insert(id, VariantShardMutation, q)

	_, ok := c.LookupShardMutationQuerier(id, 1, pr(), base.NewClusteringKey(ckBytes(5)), true)
	require.False(t, ok)

	// The entry was dropped, not merely missed: a second lookup against
	// the same key must also miss, even with a position in-range.
	_, ok = c.LookupShardMutationQuerier(id, 1, pr(), base.NewClusteringKey(ckBytes(1)), true)
	require.False(t, ok)
}

// TestCacheHitOnExactContinuation verifies the companion positive case: a
// lookup whose start does not run ahead of the parked position succeeds.
func TestCacheHitOnExactContinuation(t *testing.T) {
	sem := semaphore.NewWeighted(100)
	c := New(sem, time.Hour, 0, nil)

	var id base.QueryID
	id[1] = 1
	q := &Querier{
		Range:          pr(),
		SchemaVersion:  1,
		HasLastCk:      true,
		LastClustering: base.NewClusteringKey(ckBytes(2)),
	}
	c.Insert(id, VariantShardMutation, q)

	got, ok := c.LookupShardMutationQuerier(id, 1, pr(), base.NewClusteringKey(ckBytes(2)), true)
	require.True(t, ok)
	require.Same(t, q, got)
}

// TestCacheSchemaMismatchDrops verifies a schema-version mismatch drops
// the entry and reports a miss (spec §7: recovered inside the cache by
// evicting and returning none).
func TestCacheSchemaMismatchDrops(t *testing.T) {
	sem := semaphore.NewWeighted(100)
	c := New(sem, time.Hour, 0, nil)

	var id base.QueryID
	id[2] = 1
	q := &Querier{Range: pr(), SchemaVersion: 1}
	c.Insert(id, VariantData, q)

	_, ok := c.LookupDataQuerier(id, 2, pr(), base.ClusteringKey{}, false)
	require.False(t, ok)
}

// TestEvictOneRemovesSoonestExpiry verifies evict_one drops the entry
// with the soonest expiry.
func TestEvictOneRemovesSoonestExpiry(t *testing.T) {
	sem := semaphore.NewWeighted(100)
	c := New(sem, time.Hour, 0, nil)

	var id1, id2 base.QueryID
	id1[0], id2[0] = 1, 2
	c.Insert(id1, VariantData, &Querier{Range: pr()})
	c.Insert(id2, VariantData, &Querier{Range: pr()})
	es1, _ := c.entries.Get(id1)
	es2, _ := c.entries.Get(id2)
	es2[0].expires = es1[0].expires.Add(time.Minute)

	require.Equal(t, 2, c.population())
	require.True(t, c.EvictOne())
	require.Equal(t, 1, c.population())
	_, ok := c.entries.Get(id1)
	require.False(t, ok)
	_, ok = c.entries.Get(id2)
	require.True(t, ok)
}
