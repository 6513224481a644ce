package base

import (
	"bytes"

	"github.com/cockroachdb/redact"
)

// PartitionKey is the serialized tuple of a table's partition-key columns.
// The bytes are opaque here: NewPartitionKey wraps whatever serialization
// the caller produced, and no component boundaries are tracked.
type PartitionKey struct {
	raw []byte
}

// NewPartitionKey wraps already-serialized partition-key bytes.
func NewPartitionKey(raw []byte) PartitionKey { return PartitionKey{raw: raw} }

// Bytes returns the opaque serialized form.
func (k PartitionKey) Bytes() []byte { return k.raw }

// Equal reports byte equality.
func (k PartitionKey) Equal(o PartitionKey) bool { return bytes.Equal(k.raw, o.raw) }

// SafeFormat implements redact.SafeFormatter. Partition-key bytes are
// application data, not engine metadata, so they are left unmarked and a
// redaction policy that hides non-safe values will elide them from logs,
// matching pebble's split between safe metadata (SeqNum, FileNum) and
// unmarked user keys.
func (k PartitionKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(k.raw)
}

// DecoratedKey pairs a partition key with its token, matching the pattern
// used throughout the corpus (e.g. cockroach's RKey/token pairing) of
// caching the hash alongside the key it was computed from so comparisons
// don't re-hash.
type DecoratedKey struct {
	Key   PartitionKey
	Token Token
}

// Less orders two decorated keys by token, breaking ties by the full
// partition key, matching spec §5's "ties on token are broken by full
// partition key comparison."
func (d DecoratedKey) Less(o DecoratedKey) bool {
	if d.Token != o.Token {
		return d.Token < o.Token
	}
	return bytes.Compare(d.Key.raw, o.Key.raw) < 0
}

// SafeFormat implements redact.SafeFormatter: the token is engine
// metadata and printed safely, the partition key is application data and
// printed through PartitionKey's own SafeFormat so it is subject to
// redaction.
func (d DecoratedKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("token=%s key=%s", redact.SafeUint(uint64(d.Token)), d.Key)
}

// ClusteringKey is the serialized tuple of a table's clustering-key
// columns. A clustering key may be a proper prefix of the full tuple (used
// as a range bound); component reports which positions are present.
type ClusteringKey struct {
	components [][]byte
}

// NewClusteringKey builds a clustering key from its serialized components,
// in schema column order. A partial key (fewer components than the schema
// declares) is valid and used as a range bound.
func NewClusteringKey(components ...[]byte) ClusteringKey {
	return ClusteringKey{components: components}
}

// EmptyClusteringKey is the zero-length clustering key, used to address a
// partition's static row (spec §4.F: "(partition key, empty clustering
// key)").
var EmptyClusteringKey = ClusteringKey{}

// IsEmpty reports whether the key has no components (the static-row
// address).
func (k ClusteringKey) IsEmpty() bool { return len(k.components) == 0 }

// Len returns the number of components present.
func (k ClusteringKey) Len() int { return len(k.components) }

func (k ClusteringKey) component(i int) ([]byte, bool) {
	if i < 0 || i >= len(k.components) {
		return nil, false
	}
	return k.components[i], true
}

// Components returns the raw component slice. Callers must not mutate it.
func (k ClusteringKey) Components() [][]byte { return k.components }

// SafeFormat implements redact.SafeFormatter, leaving clustering-key
// bytes unmarked so they are redacted alongside partition keys.
func (k ClusteringKey) SafeFormat(w redact.SafePrinter, _ rune) {
	for i, c := range k.components {
		if i > 0 {
			w.Print(redact.SafeString("/"))
		}
		w.Print(c)
	}
}

// PartitionRange is a half-open interval over tokens, optionally singular
// (a single partition).
type PartitionRange struct {
	Start     DecoratedKey
	End       DecoratedKey
	StartIncl bool
	EndIncl   bool
	// Singular, when true, means Start == End and both bounds are
	// inclusive: the range addresses exactly one partition.
	Singular bool
}

// SinglePartition builds a singular PartitionRange over one partition.
func SinglePartition(k DecoratedKey) PartitionRange {
	return PartitionRange{Start: k, End: k, StartIncl: true, EndIncl: true, Singular: true}
}

// FullPartitionRange spans the entire token space.
func FullPartitionRange() PartitionRange {
	return PartitionRange{StartIncl: true, EndIncl: true}
}

// Contains reports whether k falls within the range, by token order with
// full-key tie-break (matching DecoratedKey.Less).
func (r PartitionRange) Contains(k DecoratedKey) bool {
	hasStart := r.Start.Token != 0 || len(r.Start.Key.raw) != 0
	hasEnd := r.End.Token != 0 || len(r.End.Key.raw) != 0
	if hasStart {
		if r.StartIncl {
			if k.Less(r.Start) {
				return false
			}
		} else if !r.Start.Less(k) {
			return false
		}
	}
	if hasEnd {
		if r.EndIncl {
			if r.End.Less(k) {
				return false
			}
		} else if !k.Less(r.End) {
			return false
		}
	}
	return true
}

// ClusteringRange is a half-open (or closed) interval over clustering keys,
// scoped to a single partition.
type ClusteringRange struct {
	Start     ClusteringKey
	End       ClusteringKey
	StartIncl bool
	EndIncl   bool
	// NoStart/NoEnd mark an unbounded side, distinguishing "start at
	// empty clustering key" from "no lower bound."
	NoStart bool
	NoEnd   bool
}

// FullClusteringRange spans an entire partition's clustering rows.
func FullClusteringRange() ClusteringRange {
	return ClusteringRange{NoStart: true, NoEnd: true}
}

// Contains reports whether ck falls within the range according to schema's
// clustering comparator.
func (r ClusteringRange) Contains(schema *Schema, ck ClusteringKey) bool {
	if !r.NoStart {
		c := schema.CompareClustering(ck, r.Start)
		if r.StartIncl {
			if c < 0 {
				return false
			}
		} else if c <= 0 {
			return false
		}
	}
	if !r.NoEnd {
		c := schema.CompareClustering(ck, r.End)
		if r.EndIncl {
			if c > 0 {
				return false
			}
		} else if c >= 0 {
			return false
		}
	}
	return true
}

// Reversed returns the range with bounds swapped, used when building a
// reversed PartitionSlice's default range from a forward one (spec §4.B
// describes the reversed stream; the slice itself still expresses ranges
// in forward clustering order per spec §3).
func (r ClusteringRange) Reversed() ClusteringRange {
	return ClusteringRange{
		Start: r.End, End: r.Start,
		StartIncl: r.EndIncl, EndIncl: r.StartIncl,
		NoStart: r.NoEnd, NoEnd: r.NoStart,
	}
}
