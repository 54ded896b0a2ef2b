// Package pool runs CPU-bound cutting tasks on a bounded worker pool.
// Tasks are shared-nothing value payloads executed by runners registered
// per task kind; the pool enforces wall-clock timeouts independently of
// the runner's own deadlines.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cutfactor/cutcore/config"
	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/telemetry"
)

type (
	// Kind selects the runner for a task.
	Kind string

	// Runner executes one task. report publishes the completed fraction in
	// [0,1]. The runner must observe ctx between units of work.
	Runner func(ctx context.Context, task Task, report func(float64)) (any, error)

	// Task is one unit of work. Timeout zero means no pool-enforced
	// deadline. Payload must not be shared with the submitter after
	// Submit returns.
	Task struct {
		ID      string
		Kind    Kind
		Payload any
		Timeout time.Duration
	}

	// Progress is a point-in-time view of a task's advancement.
	Progress struct {
		TaskID      string
		Phase       Phase
		Fraction    float64
		StartedAt   time.Time
		CompletedAt time.Time
	}

	// Phase is the lifecycle phase of a task.
	Phase string

	// Stats aggregates pool activity since construction. Completed counts
	// only tasks that finished successfully; failed and cancelled tasks
	// are excluded from it and from the run/wait means.
	Stats struct {
		Completed    int64
		RunTimeMean  time.Duration
		WaitTimeMean time.Duration
		Utilization  float64
		QueueSize    int
		Workers      int
	}
)

const (
	Kind1D Kind = "1D"
	Kind2D Kind = "2D"

	kindHealth Kind = "health"
)

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Handle tracks a submitted task.
type Handle struct {
	id   string
	done chan struct{}
	res  any
	err  error
}

// ID returns the task identifier.
func (h *Handle) ID() string { return h.id }

// Result blocks until the task finishes or ctx is done. A ctx expiry
// returns TIMEOUT without affecting the task itself.
func (h *Handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.E(domain.KindTimeout, "timed out awaiting task result")
		}
		return nil, domain.E(domain.KindCancelled, "cancelled awaiting task result")
	}
}

// job is the pool-internal state of a task.
type job struct {
	task       Task
	handle     *Handle
	enqueuedAt time.Time
	startedAt  time.Time

	mu        sync.Mutex
	phase     Phase
	fraction  float64
	cancelled bool
	cancel    context.CancelFunc
}

func (j *job) snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := Progress{TaskID: j.task.ID, Phase: j.phase, Fraction: j.fraction, StartedAt: j.startedAt}
	if j.phase == PhaseCompleted || j.phase == PhaseFailed || j.phase == PhaseCancelled {
		p.CompletedAt = time.Now()
	}
	return p
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the telemetry logger. Defaults to the noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithRunner registers the runner for a task kind.
func WithRunner(kind Kind, r Runner) Option {
	return func(p *Pool) { p.runners[kind] = r }
}

// Pool is a bounded worker pool. Workers scale between the configured
// minimum and maximum; extra workers retire after the idle timeout.
type Pool struct {
	cfg     config.Pool
	log     telemetry.Logger
	runners map[Kind]Runner
	queue   chan *job

	mu        sync.Mutex
	tasks     map[string]*job
	listeners []func(Progress)
	workers   int
	busy      int
	down      bool
	completed int64
	runTotal  time.Duration
	waitTotal time.Duration
	wg        sync.WaitGroup
}

// New builds a pool and starts the minimum worker set.
func New(cfg config.Pool, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg,
		log:     telemetry.NoopLogger{},
		runners: map[Kind]Runner{},
		queue:   make(chan *job, cfg.MaxQueue),
		tasks:   map[string]*job{},
	}
	p.runners[kindHealth] = func(context.Context, Task, func(float64)) (any, error) {
		return "ok", nil
	}
	for _, opt := range opts {
		opt(p)
	}
	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

// Submit enqueues a task. It fails with POOL_SHUTDOWN after Shutdown,
// QUEUE_FULL when the queue is at capacity and VALIDATION for a kind with
// no registered runner. A zero task ID is assigned.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, domain.E(domain.KindPoolShutdown, "pool is shut down")
	}
	if _, ok := p.runners[task.Kind]; !ok {
		return nil, domain.Ef(domain.KindValidation, "no runner for task kind %q", task.Kind)
	}
	j := &job{
		task:       task,
		handle:     &Handle{id: task.ID, done: make(chan struct{})},
		enqueuedAt: time.Now(),
		phase:      PhaseQueued,
	}
	select {
	case p.queue <- j:
	default:
		return nil, domain.Ef(domain.KindQueueFull, "task queue is full (%d)", cap(p.queue))
	}
	p.tasks[task.ID] = j
	if len(p.queue) > 0 && p.workers < p.cfg.MaxWorkers {
		p.spawnLocked()
	}
	p.log.Debug(ctx, "task queued", "task_id", task.ID, "kind", task.Kind, "queue", len(p.queue))
	return j.handle, nil
}

// Cancel requests cancellation of a queued or running task. It reports
// whether the task was found.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	j, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.mu.Lock()
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
	j.mu.Unlock()
	return true
}

// Progress reports the current progress of a queued or running task.
func (p *Pool) Progress(taskID string) (Progress, bool) {
	p.mu.Lock()
	j, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return j.snapshot(), true
}

// OnProgress registers a pool-wide progress listener. Listeners must not
// block.
func (p *Pool) OnProgress(fn func(Progress)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Stats returns aggregate pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Completed: p.completed,
		QueueSize: len(p.queue),
		Workers:   p.workers,
	}
	if p.completed > 0 {
		s.RunTimeMean = p.runTotal / time.Duration(p.completed)
		s.WaitTimeMean = p.waitTotal / time.Duration(p.completed)
	}
	if p.cfg.MaxWorkers > 0 {
		s.Utilization = float64(p.busy) / float64(p.cfg.MaxWorkers)
	}
	return s
}

// HealthCheck submits a trivial task and awaits it under ctx.
func (p *Pool) HealthCheck(ctx context.Context) error {
	h, err := p.Submit(ctx, Task{Kind: kindHealth, Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	_, err = h.Result(ctx)
	return err
}

// Shutdown refuses new submissions, drains queued tasks and waits for the
// workers. When ctx expires before the drain completes, in-flight tasks
// are cancelled and the wait resumes.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return nil
	}
	p.down = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.log.Warn(ctx, "shutdown grace elapsed, cancelling in-flight tasks")
	p.mu.Lock()
	for _, j := range p.tasks {
		j.mu.Lock()
		j.cancelled = true
		if j.cancel != nil {
			j.cancel()
		}
		j.mu.Unlock()
	}
	p.mu.Unlock()
	<-done
	return ctx.Err()
}

// spawnLocked starts a worker. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.IdleTimeout())
	defer idle.Stop()
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.retire()
				return
			}
			p.run(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout())
		case <-idle.C:
			if p.retireIfExtra() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout())
		}
	}
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

// retireIfExtra retires the worker when the pool is above its minimum.
func (p *Pool) retireIfExtra() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.cfg.MinWorkers {
		p.workers--
		return true
	}
	return false
}

func (p *Pool) run(j *job) {
	started := time.Now()

	j.mu.Lock()
	if j.cancelled {
		j.phase = PhaseCancelled
		j.mu.Unlock()
		p.finish(j, started, nil, domain.E(domain.KindCancelled, "task cancelled before start"))
		return
	}
	ctx := context.Background()
	var cancel context.CancelFunc
	if j.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	j.cancel = cancel
	j.startedAt = started
	j.phase = PhaseRunning
	j.mu.Unlock()
	defer cancel()

	p.mu.Lock()
	p.busy++
	runner := p.runners[j.task.Kind]
	p.mu.Unlock()
	p.broadcast(j.snapshot())

	// The runner executes in a child goroutine so an expired deadline
	// reclaims the worker slot even when the runner ignores cancellation.
	// The channel is buffered: an abandoned runner delivers its late
	// result and exits instead of leaking.
	type outcome struct {
		res any
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := runner(ctx, j.task, func(fraction float64) {
			j.mu.Lock()
			if j.phase != PhaseRunning {
				j.mu.Unlock()
				return
			}
			j.fraction = fraction
			j.mu.Unlock()
			p.broadcast(j.snapshot())
		})
		out <- outcome{res: res, err: err}
	}()

	var res any
	var err error
	select {
	case o := <-out:
		res, err = o.res, o.err
		if err != nil {
			switch ctx.Err() {
			case context.DeadlineExceeded:
				err = domain.Wrap(domain.KindTimeout, "task deadline exceeded", err)
			case context.Canceled:
				err = domain.Wrap(domain.KindCancelled, "task cancelled", err)
			}
		}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			err = domain.E(domain.KindTimeout, "task deadline exceeded")
		} else {
			err = domain.E(domain.KindCancelled, "task cancelled")
		}
	}

	j.mu.Lock()
	switch {
	case err == nil:
		j.phase = PhaseCompleted
		j.fraction = 1
	case domain.IsKind(err, domain.KindCancelled):
		j.phase = PhaseCancelled
	default:
		j.phase = PhaseFailed
	}
	j.mu.Unlock()

	p.mu.Lock()
	p.busy--
	p.mu.Unlock()
	p.finish(j, started, res, err)
}

func (p *Pool) finish(j *job, started time.Time, res any, err error) {
	j.handle.res = res
	j.handle.err = err
	close(j.handle.done)

	p.mu.Lock()
	delete(p.tasks, j.task.ID)
	if err == nil {
		p.completed++
		p.runTotal += time.Since(started)
		p.waitTotal += started.Sub(j.enqueuedAt)
	}
	p.mu.Unlock()
	p.broadcast(j.snapshot())

	if err != nil {
		p.log.Warn(context.Background(), "task finished with error",
			"task_id", j.task.ID, "kind", j.task.Kind, "err", err)
	}
}

func (p *Pool) broadcast(prog Progress) {
	p.mu.Lock()
	listeners := make([]func(Progress), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(prog)
	}
}
