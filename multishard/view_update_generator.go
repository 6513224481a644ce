package multishard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// TableID identifies a table whose staging sstables are queued for view
// update processing.
type TableID string

// StagingHandle is an opaque reference to one staged sstable. The
// generator never inspects it; it only batches, processes, and moves
// handles on a caller's behalf.
type StagingHandle interface{}

// StagingProcessor runs the view-updating consumer over one table's batch
// of staged sstables, the Go counterpart of
// consume_in_thread(view_updating_consumer(...)).
type StagingProcessor interface {
	ProcessStaged(ctx context.Context, table TableID, handles []StagingHandle) error
}

// StagingMover moves a table's already-processed sstables out of its
// staging directory into the table's base data, the counterpart of
// table::move_sstables_from_staging.
type StagingMover interface {
	MoveFromStaging(ctx context.Context, table TableID, handles []StagingHandle) error
}

// ViewUpdateGenerator is the per-shard background loop of
// view_update_generator.cc: it drains batches of staged sstables queued by
// RegisterStagingSSTable, runs each through a StagingProcessor, and then
// moves the processed ones out of staging via a StagingMover. It is torn
// down by Stop, which aborts the loop and unblocks any caller parked on
// RegisterStagingSSTable's admission semaphore with ErrAborted.
type ViewUpdateGenerator struct {
	processor StagingProcessor
	mover     StagingMover
	logger    base.Logger
	metrics   *metrics.ViewUpdateGeneratorMetrics

	// registrationSem throttles RegisterStagingSSTable the way
	// _registration_sem bounds how many sstables may be queued for
	// processing before a caller blocks, matching spec §5's weighted
	// permit model.
	registrationSem *semaphore.Weighted

	mu      sync.Mutex
	pending map[TableID][]StagingHandle
	toMove  map[TableID][]StagingHandle

	pendingSignal chan struct{}
	loopCtx       context.Context
	cancel        context.CancelFunc
	done          chan struct{}

	// waiters counts callers currently blocked acquiring a registration
	// permit, mirroring _registration_sem.waiters() for the
	// pending_registrations gauge.
	waiters atomic.Int64
}

// NewViewUpdateGenerator builds a generator. maxPendingRegistrations bounds
// how many sstable registrations may be outstanding before
// RegisterStagingSSTable blocks.
func NewViewUpdateGenerator(processor StagingProcessor, mover StagingMover, logger base.Logger, m *metrics.ViewUpdateGeneratorMetrics, maxPendingRegistrations int64) *ViewUpdateGenerator {
	if logger == nil {
		logger = base.NoopLogger{}
	}
	return &ViewUpdateGenerator{
		processor:       processor,
		mover:           mover,
		logger:          logger,
		metrics:         m,
		registrationSem: semaphore.NewWeighted(maxPendingRegistrations),
		pending:         make(map[TableID][]StagingHandle),
		toMove:          make(map[TableID][]StagingHandle),
		pendingSignal:   make(chan struct{}, 1),
	}
}

// Start launches the background loop. It returns once the loop goroutine
// has been spawned; call Stop to tear it down.
func (g *ViewUpdateGenerator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.loopCtx = ctx
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(ctx)
}

// Stop requests the loop abort, unblocks any pending registration with
// ErrAborted, and waits for the loop to exit.
func (g *ViewUpdateGenerator) Stop() {
	g.cancel()
	select {
	case g.pendingSignal <- struct{}{}:
	default:
	}
	<-g.done
}

// RegisterStagingSSTable queues a table's newly staged sstable for
// processing, blocking on the registration semaphore if too many
// registrations are already outstanding. Returns ErrAborted if the
// generator is stopped before or while blocked.
func (g *ViewUpdateGenerator) RegisterStagingSSTable(ctx context.Context, table TableID, handle StagingHandle) error {
	if g.loopCtx != nil && g.loopCtx.Err() != nil {
		return base.WrapError(base.KindAbortRequested, base.ErrAborted, "register staging sstable: %v", g.loopCtx.Err())
	}
	if !g.registrationSem.TryAcquire(1) {
		g.waiters.Add(1)
		if g.metrics != nil {
			g.metrics.PendingRegistrations.Set(float64(g.waiters.Load()))
		}
		waitCtx, cancelWait := abortableContext(ctx, g.loopCtx)
		err := g.registrationSem.Acquire(waitCtx, 1)
		cancelWait()
		g.waiters.Add(-1)
		if g.metrics != nil {
			g.metrics.PendingRegistrations.Set(float64(g.waiters.Load()))
		}
		if err != nil {
			return base.WrapError(base.KindAbortRequested, base.ErrAborted, "register staging sstable: %v", err)
		}
	}

	g.mu.Lock()
	g.pending[table] = append(g.pending[table], handle)
	g.updatePendingMetricsLocked()
	g.mu.Unlock()

	select {
	case g.pendingSignal <- struct{}{}:
	default:
	}
	return nil
}

// abortableContext derives a context that is canceled when either caller
// or loop is canceled, so a blocked RegisterStagingSSTable wakes up as
// soon as Stop runs rather than waiting out the caller's own deadline.
func abortableContext(caller, loop context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(caller)
	stop := make(chan struct{})
	go func() {
		select {
		case <-loop.Done():
			cancel()
		case <-merged.Done():
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}

func (g *ViewUpdateGenerator) run(ctx context.Context) {
	defer func() {
		g.mu.Lock()
		unprocessed, unmoved := len(g.pending), len(g.toMove)
		g.pending = make(map[TableID][]StagingHandle)
		g.toMove = make(map[TableID][]StagingHandle)
		g.updatePendingMetricsLocked()
		g.mu.Unlock()
		g.logger.Infof("leaving %d unprocessed staging batches and %d batches pending move unprocessed", unprocessed, unmoved)
		close(g.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		g.mu.Lock()
		if len(g.pending) == 0 {
			g.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-g.pendingSignal:
			}
			continue
		}
		batch := g.pending
		g.pending = make(map[TableID][]StagingHandle)
		g.mu.Unlock()

		// Process each table's batch; a processing failure requeues
		// that table's handles for retry on the next iteration rather
		// than dropping them, matching the original's catch block.
		for table, handles := range batch {
			if err := g.processor.ProcessStaged(ctx, table, handles); err != nil {
				g.logger.Errorf("processing staging sstables for table %s failed, will retry: %v", table, err)
				g.mu.Lock()
				g.pending[table] = append(g.pending[table], handles...)
				g.mu.Unlock()
				continue
			}
			g.registrationSem.Release(int64(len(handles)))
			g.mu.Lock()
			g.toMove[table] = append(g.toMove[table], handles...)
			g.mu.Unlock()
		}

		g.mu.Lock()
		toMove := g.toMove
		g.toMove = make(map[TableID][]StagingHandle)
		g.updatePendingMetricsLocked()
		g.mu.Unlock()

		// A move failure is logged and dropped, not requeued: the move
		// will be retried after a process restart re-discovers the
		// staging directory, matching the original's unconditional erase.
		for table, handles := range toMove {
			if err := g.mover.MoveFromStaging(ctx, table, handles); err != nil {
				g.logger.Errorf("moving staging sstables for table %s failed, ignoring: %v", table, err)
			}
		}

		g.mu.Lock()
		g.updatePendingMetricsLocked()
		g.mu.Unlock()
	}
}

// updatePendingMetricsLocked refreshes the exported gauges. Callers must
// hold g.mu.
func (g *ViewUpdateGenerator) updatePendingMetricsLocked() {
	if g.metrics == nil {
		return
	}
	g.metrics.QueuedBatchesCount.Set(float64(len(g.pending)))
	g.metrics.SSTablesToMoveCount.Set(float64(len(g.toMove)))
}
