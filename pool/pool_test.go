package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
)

func testCfg() config.Pool {
	return config.Pool{
		MinWorkers:    1,
		MaxWorkers:    2,
		IdleTimeoutMS: 60_000,
		MaxQueue:      4,
	}
}

func TestSubmitAndAwait(t *testing.T) {
	p := New(testCfg(), WithRunner("sum", func(_ context.Context, task Task, _ func(float64)) (any, error) {
		ns := task.Payload.([]int)
		total := 0
		for _, n := range ns {
			total += n
		}
		return total, nil
	}))
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), Task{Kind: "sum", Payload: []int{1, 2, 3}})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())

	res, err := h.Result(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, res)
}

func TestUnknownKindRejected(t *testing.T) {
	p := New(testCfg())
	defer p.Shutdown(context.Background())

	_, err := p.Submit(context.Background(), Task{Kind: "nope"})
	require.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestQueueFull(t *testing.T) {
	cfg := testCfg()
	cfg.MaxWorkers = 1
	cfg.MaxQueue = 1
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := New(cfg, WithRunner("block", func(ctx context.Context, _ Task, _ func(float64)) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}))
	defer func() {
		close(release)
		p.Shutdown(context.Background())
	}()

	_, err := p.Submit(context.Background(), Task{Kind: "block"})
	require.NoError(t, err)
	<-started

	_, err = p.Submit(context.Background(), Task{Kind: "block"})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), Task{Kind: "block"})
	require.True(t, domain.IsKind(err, domain.KindQueueFull))
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testCfg()
	cfg.MaxWorkers = 1
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := New(cfg, WithRunner("block", func(ctx context.Context, _ Task, _ func(float64)) (any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	defer p.Shutdown(context.Background())

	_, err := p.Submit(context.Background(), Task{Kind: "block"})
	require.NoError(t, err)
	<-started

	h, err := p.Submit(context.Background(), Task{ID: "queued", Kind: "block"})
	require.NoError(t, err)
	require.True(t, p.Cancel("queued"))

	close(release)
	_, err = h.Result(context.Background())
	require.True(t, domain.IsKind(err, domain.KindCancelled))
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	p := New(testCfg(), WithRunner("wait", func(ctx context.Context, _ Task, _ func(float64)) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), Task{ID: "running", Kind: "wait"})
	require.NoError(t, err)
	<-started
	require.True(t, p.Cancel("running"))

	_, err = h.Result(context.Background())
	require.True(t, domain.IsKind(err, domain.KindCancelled))
}

func TestCancelUnknownTask(t *testing.T) {
	p := New(testCfg())
	defer p.Shutdown(context.Background())
	require.False(t, p.Cancel("missing"))
}

func TestPoolEnforcedTimeout(t *testing.T) {
	p := New(testCfg(), WithRunner("wait", func(ctx context.Context, _ Task, _ func(float64)) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), Task{Kind: "wait", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = h.Result(context.Background())
	require.True(t, domain.IsKind(err, domain.KindTimeout))
}

func TestTimeoutReclaimsWorkerSlot(t *testing.T) {
	cfg := testCfg()
	cfg.MaxWorkers = 1
	p := New(cfg,
		WithRunner("stuck", func(context.Context, Task, func(float64)) (any, error) {
			// Ignores cancellation entirely.
			time.Sleep(500 * time.Millisecond)
			return nil, nil
		}),
		WithRunner("quick", func(context.Context, Task, func(float64)) (any, error) {
			return "ok", nil
		}))
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), Task{Kind: "stuck", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = h.Result(context.Background())
	require.True(t, domain.IsKind(err, domain.KindTimeout))

	// The sole worker must be free again even though the runner is still
	// sleeping: the next task cannot afford to wait the sleep out.
	h, err = p.Submit(context.Background(), Task{Kind: "quick"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := h.Result(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", res)
}

func TestProgressBroadcast(t *testing.T) {
	var mu sync.Mutex
	var fractions []float64
	step := make(chan struct{})
	p := New(testCfg(), WithRunner("steps", func(ctx context.Context, _ Task, report func(float64)) (any, error) {
		<-step
		report(0.5)
		<-step
		report(1)
		return nil, nil
	}))
	defer p.Shutdown(context.Background())

	p.OnProgress(func(prog Progress) {
		mu.Lock()
		fractions = append(fractions, prog.Fraction)
		mu.Unlock()
	})

	h, err := p.Submit(context.Background(), Task{ID: "steps", Kind: "steps"})
	require.NoError(t, err)

	step <- struct{}{}
	require.Eventually(t, func() bool {
		prog, ok := p.Progress("steps")
		return ok && prog.Fraction == 0.5 && prog.Phase == PhaseRunning
	}, time.Second, 5*time.Millisecond)

	step <- struct{}{}
	_, err = h.Result(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, fractions, 0.5)
	require.Contains(t, fractions, 1.0)
}

func TestStats(t *testing.T) {
	p := New(testCfg(), WithRunner("noop", func(context.Context, Task, func(float64)) (any, error) {
		return nil, nil
	}))
	defer p.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		h, err := p.Submit(context.Background(), Task{Kind: "noop"})
		require.NoError(t, err)
		_, err = h.Result(context.Background())
		require.NoError(t, err)
	}

	s := p.Stats()
	require.Equal(t, int64(3), s.Completed)
	require.Zero(t, s.QueueSize)
	require.GreaterOrEqual(t, s.Workers, 1)
}

func TestStatsExcludeFailedTasks(t *testing.T) {
	p := New(testCfg(),
		WithRunner("noop", func(context.Context, Task, func(float64)) (any, error) {
			return nil, nil
		}),
		WithRunner("boom", func(context.Context, Task, func(float64)) (any, error) {
			return nil, domain.E(domain.KindInternal, "solver blew up")
		}))
	defer p.Shutdown(context.Background())

	h, err := p.Submit(context.Background(), Task{Kind: "noop"})
	require.NoError(t, err)
	_, err = h.Result(context.Background())
	require.NoError(t, err)

	h, err = p.Submit(context.Background(), Task{Kind: "boom"})
	require.NoError(t, err)
	_, err = h.Result(context.Background())
	require.Error(t, err)

	require.Equal(t, int64(1), p.Stats().Completed)
}

func TestHealthCheck(t *testing.T) {
	p := New(testCfg())
	defer p.Shutdown(context.Background())
	require.NoError(t, p.HealthCheck(context.Background()))
}

func TestShutdownRefusesSubmissions(t *testing.T) {
	p := New(testCfg())
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Submit(context.Background(), Task{Kind: "health"})
	require.True(t, domain.IsKind(err, domain.KindPoolShutdown))

	// Shutdown is idempotent.
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := New(testCfg(), WithRunner("noop", func(context.Context, Task, func(float64)) (any, error) {
		return "done", nil
	}))

	var handles []*Handle
	for i := 0; i < 4; i++ {
		h, err := p.Submit(context.Background(), Task{Kind: "noop"})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, p.Shutdown(context.Background()))

	for _, h := range handles {
		res, err := h.Result(context.Background())
		require.NoError(t, err)
		require.Equal(t, "done", res)
	}
}
