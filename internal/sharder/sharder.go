// Package sharder maps partition keys to 64-bit tokens and tokens to
// shards, grounded on pebble's use of github.com/cespare/xxhash/v2 for fast
// non-cryptographic hashing (pebble hashes blocks for its block cache;
// here the same hash drives shard dispatch and global token order).
package sharder

import (
	"github.com/cespare/xxhash/v2"
	"github.com/coreshard/coreshard/internal/base"
)

// XXHashSharder hashes partition keys with xxhash and dispatches to shards
// by a modulo-like mapping, matching spec §3's "mapped by a sharder to a
// 64-bit token, then to a shard identifier by modulo-like dispatch."
type XXHashSharder struct {
	shardCount uint32
}

// New builds a Sharder across shardCount shards. shardCount must be >= 1.
func New(shardCount uint32) *XXHashSharder {
	if shardCount == 0 {
		shardCount = 1
	}
	return &XXHashSharder{shardCount: shardCount}
}

// TokenFor implements base.Sharder.
func (s *XXHashSharder) TokenFor(key base.PartitionKey) base.Token {
	return base.Token(xxhash.Sum64(key.Bytes()))
}

// ShardOf implements base.Sharder. It takes the shard from the token's
// high 32 bits, so tokens that differ only in their low 32 bits map to
// the same shard.
func (s *XXHashSharder) ShardOf(t base.Token) base.ShardID {
	return base.ShardID((uint64(t) >> 32) % uint64(s.shardCount))
}

// ShardCount implements base.Sharder.
func (s *XXHashSharder) ShardCount() uint32 { return s.shardCount }

// Decorate computes the DecoratedKey (key + token) for a partition key.
func Decorate(s base.Sharder, key base.PartitionKey) base.DecoratedKey {
	return base.DecoratedKey{Key: key, Token: s.TokenFor(key)}
}
