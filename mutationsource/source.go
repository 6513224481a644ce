package mutationsource

import (
	"github.com/coreshard/coreshard/internal/base"
)

// TraceState is an opaque per-request tracing handle threaded through
// make_reader calls (spec §4.A); this module never inspects it.
type TraceState interface{}

// Permit is the reader-permit contract of spec §3: a token minted by a
// per-shard admission semaphore, required before a reader may be created.
// Defined here (rather than in the querier package) to avoid a
// mutationsource -> querier import cycle, since querier.Semaphore is the
// thing that mints Permits that mutation sources consume.
type Permit interface {
	// Weight reports the permit's memory weight, proportional to the
	// reader's expected in-memory footprint (spec §3).
	Weight() int64
}

// MutationSource is the factory of spec §4.A: "make_reader(schema,
// permit, partition-range, partition-slice, trace, partition-fwd-mode,
// range-fwd-mode) -> reader."
type MutationSource interface {
	MakeReader(
		schema *base.Schema,
		permit Permit,
		partitionRange base.PartitionRange,
		slice base.PartitionSlice,
		trace TraceState,
		partitionFwd, rangeFwd bool,
	) (*Reader, error)
}
