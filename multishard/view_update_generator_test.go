package multishard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreshard/coreshard/internal/base"
	"github.com/coreshard/coreshard/internal/metrics"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu        sync.Mutex
	processed map[TableID][]StagingHandle
	failNext  map[TableID]int
}

func (p *recordingProcessor) ProcessStaged(_ context.Context, table TableID, handles []StagingHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext[table] > 0 {
		p.failNext[table]--
		return base.NewError(base.KindStorageUnavailable, "injected failure for %s", table)
	}
	if p.processed == nil {
		p.processed = make(map[TableID][]StagingHandle)
	}
	p.processed[table] = append(p.processed[table], handles...)
	return nil
}

type recordingMover struct {
	mu    sync.Mutex
	moved map[TableID][]StagingHandle
}

func (m *recordingMover) MoveFromStaging(_ context.Context, table TableID, handles []StagingHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.moved == nil {
		m.moved = make(map[TableID][]StagingHandle)
	}
	m.moved[table] = append(m.moved[table], handles...)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestViewUpdateGeneratorProcessesAndMoves(t *testing.T) {
	proc := &recordingProcessor{}
	mover := &recordingMover{}
	m := metrics.NewViewUpdateGeneratorMetrics(nil, 0)
	gen := NewViewUpdateGenerator(proc, mover, base.NoopLogger{}, m, 8)

	gen.Start(context.Background())
	defer gen.Stop()

	require.NoError(t, gen.RegisterStagingSSTable(context.Background(), "ks.t1", "sst-1"))
	require.NoError(t, gen.RegisterStagingSSTable(context.Background(), "ks.t1", "sst-2"))

	waitFor(t, func() bool {
		mover.mu.Lock()
		defer mover.mu.Unlock()
		return len(mover.moved["ks.t1"]) == 2
	})
}

func TestViewUpdateGeneratorRetriesFailedBatch(t *testing.T) {
	proc := &recordingProcessor{failNext: map[TableID]int{"ks.t1": 1}}
	mover := &recordingMover{}
	m := metrics.NewViewUpdateGeneratorMetrics(nil, 0)
	gen := NewViewUpdateGenerator(proc, mover, base.NoopLogger{}, m, 8)

	gen.Start(context.Background())
	defer gen.Stop()

	require.NoError(t, gen.RegisterStagingSSTable(context.Background(), "ks.t1", "sst-1"))

	waitFor(t, func() bool {
		mover.mu.Lock()
		defer mover.mu.Unlock()
		return len(mover.moved["ks.t1"]) == 1
	})
}

func TestViewUpdateGeneratorStopUnblocksRegistrations(t *testing.T) {
	proc := &recordingProcessor{}
	mover := &recordingMover{}
	m := metrics.NewViewUpdateGeneratorMetrics(nil, 0)
	// Size the semaphore to 0 so a registration blocks until Stop aborts it.
	gen := NewViewUpdateGenerator(proc, mover, base.NoopLogger{}, m, 0)
	gen.Start(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- gen.RegisterStagingSSTable(context.Background(), "ks.t1", "sst-1")
	}()

	waitFor(t, func() bool { return gen.waiters.Load() > 0 })
	gen.Stop()

	err := <-errc
	require.Error(t, err)
	require.True(t, base.IsKind(err, base.KindAbortRequested))
}
