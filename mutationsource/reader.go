// Package mutationsource implements the abstract mutation-source contract
// of spec §4.A: given a schema, key range, and column slice, a
// MutationSource yields an ordered, restartable-by-fast-forward stream of
// mutation fragments. Concrete sources are backed by an in-memory
// memtable-like structure or by the reverse/forward SSTable codec in the
// sstable package.
package mutationsource

import (
	"context"
	"io"
	"time"

	"github.com/coreshard/coreshard/internal/base"
)

// Producer pulls raw mutation fragments from an underlying storage engine.
// It is the seam a MutationSource implementation fills in; Reader wraps a
// Producer with the buffering, fast-forward bookkeeping, and
// peek/unpop/detach semantics spec §6's "Mutation source protocol"
// requires of every Reader regardless of backend.
type Producer interface {
	// Next returns the next fragment, or (nil, io.EOF) once the
	// producer's range is exhausted.
	Next(ctx context.Context) (*base.MutationFragment, error)
	// FastForwardToClustering narrows the current partition's remaining
	// range. Only called when partition-forwarding mode is enabled and
	// the most recently returned fragment was not a partition-end.
	FastForwardToClustering(cr base.ClusteringRange) error
	// FastForwardToPartitionRange narrows the remaining partition range.
	// Only called when range-forwarding mode is enabled.
	FastForwardToPartitionRange(pr base.PartitionRange) error
	// Close releases any resources (open file handles, etc.) held by the
	// producer.
	Close() error
}

// Reader is the consumer-facing handle spec §6 names: peek, consume,
// next_partition, fast_forward_to, detach_buffer, buffer_size, schema,
// unpop_fragment.
type Reader struct {
	schema   *base.Schema
	producer Producer

	// buf holds fragments pulled from the producer but not yet consumed
	// — populated by Peek and by UnpopFragment (the consumer pushing a
	// fragment back) and drained by next.
	buf []base.MutationFragment

	partitionFwd bool
	rangeFwd     bool

	exhausted bool
	closed    bool
}

// NewReader builds a Reader over a Producer.
func NewReader(schema *base.Schema, producer Producer, partitionFwd, rangeFwd bool) *Reader {
	return &Reader{schema: schema, producer: producer, partitionFwd: partitionFwd, rangeFwd: rangeFwd}
}

// Schema implements the reader protocol's schema accessor.
func (r *Reader) Schema() *base.Schema { return r.schema }

// BufferSize returns the number of fragments currently buffered (not yet
// handed to a consumer).
func (r *Reader) BufferSize() int { return len(r.buf) }

// Peek returns the next fragment without consuming it, or nil at
// end-of-stream.
func (r *Reader) Peek(ctx context.Context) (*base.MutationFragment, error) {
	if len(r.buf) > 0 {
		f := r.buf[0]
		return &f, nil
	}
	if r.exhausted {
		return nil, nil
	}
	f, err := r.producer.Next(ctx)
	if err == io.EOF {
		r.exhausted = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f == nil {
		r.exhausted = true
		return nil, nil
	}
	r.buf = append(r.buf, *f)
	return f, nil
}

// UnpopFragment pushes a fragment back to the front of the reader's
// buffer, as though it had never been consumed.
func (r *Reader) UnpopFragment(f base.MutationFragment) {
	r.buf = append([]base.MutationFragment{f}, r.buf...)
	r.exhausted = false
}

// next pops (and consumes) the next fragment, pulling from the producer
// if the buffer is empty.
func (r *Reader) next(ctx context.Context) (*base.MutationFragment, error) {
	if len(r.buf) > 0 {
		f := r.buf[0]
		r.buf = r.buf[1:]
		return &f, nil
	}
	if r.exhausted {
		return nil, nil
	}
	f, err := r.producer.Next(ctx)
	if err == io.EOF {
		r.exhausted = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f == nil {
		r.exhausted = true
		return nil, nil
	}
	return f, nil
}

// ConsumeAction is returned by a FragmentConsumer to tell Consume whether
// to keep pulling fragments.
type ConsumeAction int

const (
	ConsumeContinue ConsumeAction = iota
	ConsumeStop
)

// FragmentConsumer receives fragments pulled off a Reader by Consume.
type FragmentConsumer interface {
	ConsumeFragment(f base.MutationFragment) ConsumeAction
}

// ConsumeResult reports how a Consume call ended.
type ConsumeResult struct {
	Stopped   bool // the consumer returned ConsumeStop
	Exhausted bool // the producer ran out of fragments
}

// Consume drives the reader, feeding fragments to consumer until it
// returns ConsumeStop, the producer is exhausted, or deadline passes
// (spec §6's consume(consumer, deadline)). On deadline expiry it returns a
// KindTimeout error; per spec §5, the caller must then destroy the reader
// rather than park it.
func (r *Reader) Consume(ctx context.Context, consumer FragmentConsumer, deadline time.Time) (ConsumeResult, error) {
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ConsumeResult{}, base.NewError(base.KindTimeout, "mutationsource: consume deadline exceeded")
		}
		select {
		case <-ctx.Done():
			return ConsumeResult{}, base.WrapError(base.KindTimeout, ctx.Err(), "mutationsource: consume context done")
		default:
		}

		f, err := r.next(ctx)
		if err != nil {
			return ConsumeResult{}, err
		}
		if f == nil {
			return ConsumeResult{Exhausted: true}, nil
		}
		if consumer.ConsumeFragment(*f) == ConsumeStop {
			return ConsumeResult{Stopped: true}, nil
		}
	}
}

// NextPartition skips forward to the start of the next partition,
// discarding any buffered fragments belonging to the current one.
func (r *Reader) NextPartition(ctx context.Context) error {
	for {
		f, err := r.next(ctx)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if f.Kind == base.FragmentPartitionEnd {
			return nil
		}
	}
}

// FastForwardTo narrows the current partition's remaining clustering range
// to cr (when cr is non-nil) or narrows the remaining partition range to
// pr (when pr is non-nil), discarding buffered fragments, per spec §4.A's
// fast_forward_to contract.
func (r *Reader) FastForwardTo(cr *base.ClusteringRange, pr *base.PartitionRange) error {
	if cr != nil {
		if !r.partitionFwd {
			return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to(clustering_range) without partition-forwarding")
		}
		r.buf = nil
		r.exhausted = false
		return r.producer.FastForwardToClustering(*cr)
	}
	if pr != nil {
		if !r.rangeFwd {
			return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to(partition_range) without range-forwarding")
		}
		r.buf = nil
		r.exhausted = false
		return r.producer.FastForwardToPartitionRange(*pr)
	}
	return base.NewError(base.KindInternalInvariantViolation, "mutationsource: fast_forward_to called with no target")
}

// DetachBuffer removes and returns the reader's buffered-but-unconsumed
// fragments, leaving it empty. Used when a reader is about to be parked:
// the buffer is saved alongside the reader so resumption doesn't lose
// fragments already pulled off the underlying producer (spec §4.E
// destroy_reader step).
func (r *Reader) DetachBuffer() []base.MutationFragment {
	buf := r.buf
	r.buf = nil
	return buf
}

// AttachBuffer restores a previously detached buffer, used when resuming
// a parked reader.
func (r *Reader) AttachBuffer(buf []base.MutationFragment) {
	r.buf = buf
	r.exhausted = false
}

// Close releases the underlying producer's resources.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.producer.Close()
}
