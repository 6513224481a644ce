package base

// Token is a 64-bit hash of a partition key used for shard assignment and
// global ordering (spec GLOSSARY). Token is produced by a Sharder and
// otherwise treated as an opaque, totally ordered value.
type Token uint64

// ShardID identifies one shard of the sharded process.
type ShardID uint32

// Sharder maps partition keys to tokens and tokens to shards.
type Sharder interface {
	// TokenFor computes the token of a partition key.
	TokenFor(key PartitionKey) Token
	// ShardOf maps a token to a shard identifier.
	ShardOf(t Token) ShardID
	// ShardCount returns the number of shards this sharder dispatches
	// across.
	ShardCount() uint32
}
