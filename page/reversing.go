package page

import (
	"context"
	"io"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/mutationsource"
)

// reversingProducer adapts a forward mutationsource.Producer into one
// that emits each partition's unfiltereds in reverse clustering order by
// buffering the whole partition, per spec §9's fallback note: "an
// implementation without [the prev-length back-pointer] must... materialise
// reversed partitions in memory." The sstable and memtable sources in this
// module already support native reverse emission (spec §4.B); this adapter
// exists for sources that don't, or for tests exercising the fallback path
// itself.
type reversingProducer struct {
	inner mutationsource.Producer

	queue []base.MutationFragment
}

// NewReversingProducer wraps inner so it emits reversed partitions,
// without requiring inner to support PartitionSliceOptions.Reversed
// itself.
func NewReversingProducer(inner mutationsource.Producer) mutationsource.Producer {
	return &reversingProducer{inner: inner}
}

func (p *reversingProducer) Next(ctx context.Context) (*base.MutationFragment, error) {
	if len(p.queue) > 0 {
		f := p.queue[0]
		p.queue = p.queue[1:]
		return &f, nil
	}
	return p.fillPartition(ctx)
}

// fillPartition reads one whole partition from inner, reverses its body
// (static row and partition markers stay put; clustering rows and range
// tombstones, with bound kinds swapped, reverse), and queues it for
// emission.
func (p *reversingProducer) fillPartition(ctx context.Context) (*base.MutationFragment, error) {
	start, err := p.inner.Next(ctx)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if start.Kind != base.FragmentPartitionStart {
		return nil, base.NewError(base.KindInternalInvariantViolation, "page: reversing adapter expected partition_start, got %s", start.Kind)
	}

	var body []base.MutationFragment
	var static *base.MutationFragment
	for {
		f, err := p.inner.Next(ctx)
		if err != nil {
			return nil, err
		}
		if f.Kind == base.FragmentPartitionEnd {
			break
		}
		if f.Kind == base.FragmentStaticRow {
			static = f
			continue
		}
		body = append(body, *f)
	}

	for i, j := 0, len(body)-1; i < j; i, j = i+1, j-1 {
		body[i], body[j] = body[j], body[i]
	}
	for i := range body {
		if body[i].Kind == base.FragmentRangeTombstone {
			m := body[i].RangeTombstone
			m.Kind = m.Kind.Reverse()
			if m.Kind.IsBoundary() {
				m.DeletionTimes[0], m.DeletionTimes[1] = m.DeletionTimes[1], m.DeletionTimes[0]
			}
			body[i].RangeTombstone = m
		}
	}

	p.queue = append(p.queue, *start)
	if static != nil {
		p.queue = append(p.queue, *static)
	}
	p.queue = append(p.queue, body...)
	p.queue = append(p.queue, base.PartitionEndFragment)

	f := p.queue[0]
	p.queue = p.queue[1:]
	return &f, nil
}

// FastForwardToClustering is unsupported: reversed slices are
// incompatible with partition-forwarding (spec §4.C).
func (p *reversingProducer) FastForwardToClustering(cr base.ClusteringRange) error {
	return base.NewError(base.KindInternalInvariantViolation, "page: reversing adapter does not support partition-forwarding")
}

// FastForwardToPartitionRange implements mutationsource.Producer.
func (p *reversingProducer) FastForwardToPartitionRange(pr base.PartitionRange) error {
	p.queue = nil
	return p.inner.FastForwardToPartitionRange(pr)
}

// Close implements mutationsource.Producer.
func (p *reversingProducer) Close() error { return p.inner.Close() }
