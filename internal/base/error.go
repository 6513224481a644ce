package base

import (
	"github.com/cockroachdb/errors"
)

// ErrorKind classifies the errors that can cross a mutation source,
// querier-cache, or multishard boundary. See spec §7 for the propagation
// policy associated with each kind.
type ErrorKind uint8

const (
	// KindNone is the zero value; not a real error kind.
	KindNone ErrorKind = iota
	// KindMalformedOnDisk marks corrupt or unparseable on-disk bytes.
	// Fatal to the in-flight read; the reader is destroyed without
	// parking.
	KindMalformedOnDisk
	// KindStorageUnavailable marks a transient storage-layer failure.
	// Reported to the caller, who may retry a later page.
	KindStorageUnavailable
	// KindTimeout marks a deadline expiry.
	KindTimeout
	// KindPermitDenied marks a failure to acquire a reader permit.
	KindPermitDenied
	// KindSchemaMismatch marks that the caller's schema version does not
	// match the cached reader's. Recovered inside the querier cache.
	KindSchemaMismatch
	// KindPositionMismatch marks that the caller's requested start
	// position lies beyond the cached reader's current position. Recovered
	// inside the querier cache.
	KindPositionMismatch
	// KindBadColumnFamily marks that the target table is missing or has
	// been altered incompatibly.
	KindBadColumnFamily
	// KindAbortRequested marks a process-wide abort of a long-running
	// loop.
	KindAbortRequested
	// KindInternalInvariantViolation marks a violated internal
	// invariant, e.g. a reader observed in an unexpected state, or a
	// cross-semaphore cache hit.
	KindInternalInvariantViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedOnDisk:
		return "malformed_on_disk"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindTimeout:
		return "timeout"
	case KindPermitDenied:
		return "permit_denied"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindPositionMismatch:
		return "position_mismatch"
	case KindBadColumnFamily:
		return "bad_column_family"
	case KindAbortRequested:
		return "abort_requested"
	case KindInternalInvariantViolation:
		return "internal_invariant_violation"
	default:
		return "none"
	}
}

// kindError is the concrete error type carrying an ErrorKind. Use Kind to
// recover it and errors.Is/errors.As for matching.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error  { return e.err }

// NewError builds an error of the given kind, formatted like errors.Newf.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Newf(format, args...)}
}

// WrapError wraps err with the given kind, preserving the chain for
// errors.Is/errors.As.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// Kind extracts the ErrorKind from err, walking the error chain. Returns
// KindNone if err does not carry one.
func Kind(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindNone
}

// IsKind reports whether err's kind equals kind.
func IsKind(err error, kind ErrorKind) bool {
	return Kind(err) == kind
}

// Sentinel errors for conditions with no useful extra context. Wrap these
// with WrapError or errors.Wrapf at the call site to attach a kind and
// detail.
var (
	// ErrReaderWrongState is raised when an operation is attempted on a
	// reader_meta in a state that does not support it (§4.E transition
	// diagram).
	ErrReaderWrongState = errors.New("reader in wrong state for requested transition")
	// ErrCrossSemaphoreLookup is raised when a cached querier is looked
	// up against an admission semaphore other than the one it was
	// inserted under (§3 invariants).
	ErrCrossSemaphoreLookup = errors.New("querier cache lookup across semaphores")
	// ErrForeignRelease is raised when a foreign reference's handle is
	// released on a shard other than its owner (§5, §9).
	ErrForeignRelease = errors.New("foreign reference released on non-owning shard")
	// ErrAborted is returned by long-running loops torn down by a
	// process-wide abort source (§5).
	ErrAborted = errors.New("aborted")
)
