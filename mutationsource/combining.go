package mutationsource

import (
	"context"
	"io"

	"github.com/coreshard/coreshard/internal/base"
)

// ShardReaderSource lazily resolves the Reader for one shard. The
// multishard read context (spec §4.E) supplies one of these per shard;
// Resolve is only called the first time the combining reader actually
// needs to pull from that shard, matching spec §4.E step 2's
// "create_reader ... invoked by the combining reader when it first needs
// that shard."
type ShardReaderSource struct {
	Shard   base.ShardID
	Resolve func() (*Reader, error)
}

// CombiningReader is the Producer described in spec §2's data-flow note:
// "a combining reader interleaves fragments from all shards in token
// order." It implements Producer so it can be wrapped in a Reader like
// any single-shard source, letting the page consumer (component C) drive
// it uniformly.
type CombiningReader struct {
	sources  []ShardReaderSource
	readers  []*Reader // parallel to sources; nil until resolved
	reversed bool

	active    int // index into sources/readers of the shard currently being drained, or -1
	exhausted []bool
}

// NewCombiningReader builds a CombiningReader over the given shard
// sources.
func NewCombiningReader(sources []ShardReaderSource, reversed bool) *CombiningReader {
	return &CombiningReader{
		sources:   sources,
		readers:   make([]*Reader, len(sources)),
		reversed:  reversed,
		active:    -1,
		exhausted: make([]bool, len(sources)),
	}
}

func (c *CombiningReader) resolve(ctx context.Context, i int) (*Reader, error) {
	if c.readers[i] != nil {
		return c.readers[i], nil
	}
	if c.exhausted[i] {
		return nil, nil
	}
	r, err := c.sources[i].Resolve()
	if err != nil {
		return nil, err
	}
	c.readers[i] = r
	return r, nil
}

// Next implements Producer, merging shard readers in token order (token
// ascending normally, descending for a reversed slice, per spec §5:
// "the combining reader produces partitions in token order ... by
// pulling a peek from each shard reader and merging; ties on token are
// broken by full partition key comparison.").
func (c *CombiningReader) Next(ctx context.Context) (*base.MutationFragment, error) {
	if c.active >= 0 {
		r, err := c.resolve(ctx, c.active)
		if err != nil {
			return nil, err
		}
		f, err := pull(ctx, r)
		if err != nil {
			return nil, err
		}
		if f == nil {
			c.exhausted[c.active] = true
			c.active = -1
			return c.Next(ctx)
		}
		if f.Kind == base.FragmentPartitionEnd {
			c.active = -1
		}
		return f, nil
	}

	best := -1
	var bestKey base.DecoratedKey
	for i := range c.sources {
		if c.exhausted[i] {
			continue
		}
		r, err := c.resolve(ctx, i)
		if err != nil {
			return nil, err
		}
		if r == nil {
			c.exhausted[i] = true
			continue
		}
		f, err := r.Peek(ctx)
		if err != nil {
			return nil, err
		}
		if f == nil {
			c.exhausted[i] = true
			continue
		}
		if f.Kind != base.FragmentPartitionStart {
			return nil, base.NewError(base.KindInternalInvariantViolation, "mutationsource: shard reader %d did not start a partition", c.sources[i].Shard)
		}
		k := f.PartitionStart.Key
		if best < 0 || less(k, bestKey, c.reversed) {
			best, bestKey = i, k
		}
	}
	if best < 0 {
		return nil, io.EOF
	}
	c.active = best
	r, _ := c.resolve(ctx, best)
	return pull(ctx, r)
}

// less orders a before b by token, reversed if desired; ties break on the
// full partition key (spec §5).
func less(a, b base.DecoratedKey, reversed bool) bool {
	if reversed {
		return b.Less(a)
	}
	return a.Less(b)
}

func pull(ctx context.Context, r *Reader) (*base.MutationFragment, error) {
	return r.next(ctx)
}

// LastActiveShard returns the shard whose reader most recently produced a
// fragment, and false when no shard is active. The multishard dismantle
// step does not use it; it routes leftover fragments to shards by token.
func (c *CombiningReader) LastActiveShard() (base.ShardID, bool) {
	if c.active < 0 {
		return 0, false
	}
	return c.sources[c.active].Shard, true
}

// FastForwardToClustering implements Producer; unsupported at the
// combining-reader level, matching spec §4.C ("reversed slices are
// incompatible with partition-forwarding"); the multishard context only
// uses range-forwarding across pages, never partition-forwarding, on the
// combined reader.
func (c *CombiningReader) FastForwardToClustering(cr base.ClusteringRange) error {
	return base.NewError(base.KindInternalInvariantViolation, "mutationsource: combining reader does not support partition-forwarding")
}

// FastForwardToPartitionRange implements Producer by forwarding to every
// still-active shard reader.
func (c *CombiningReader) FastForwardToPartitionRange(pr base.PartitionRange) error {
	for i, r := range c.readers {
		if r == nil || c.exhausted[i] {
			continue
		}
		if err := r.FastForwardTo(nil, &pr); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Producer, closing every resolved shard reader.
func (c *CombiningReader) Close() error {
	var firstErr error
	for _, r := range c.readers {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
