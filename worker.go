package procfn

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/procfn/procfn/internal/metrics"
	"github.com/procfn/procfn/internal/wire"
)

const (
	workerStarting = "starting"
	workerIdle     = "idle"
	workerBusy     = "busy"
	workerDead     = "dead"
)

// worker owns one loop-mode child process and executes queued tasks on
// it, one at a time. When the child dies mid-task the task resolves to
// ErrRemoteClose (or ErrKilled) and a replacement child is launched
// with capped, jittered backoff.
type worker struct {
	id     int
	pool   *Pool
	logger *zap.Logger

	mu    sync.Mutex
	proc  *childProc
	state string

	jitter func(time.Duration) time.Duration
	sleep  func(time.Duration) error
}

func newWorker(id int, p *Pool) *worker {
	w := &worker{
		id:     id,
		pool:   p,
		logger: p.logger.With(zap.Int("worker", id)),
	}
	w.jitter = defaultJitter
	w.sleep = w.sleepUnlessClosing
	w.setState(workerStarting)
	return w
}

// start launches the worker's first child synchronously, so pool
// construction fails loudly when children cannot be spawned at all.
func (w *worker) start() error {
	proc, err := startChild(w.pool.opts.Config, modeLoop)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.proc = proc
	w.mu.Unlock()
	metrics.IncSpawn("pool")
	w.setState(workerIdle)
	w.logger.Debug("worker child started", zap.Int("pid", proc.cmd.Process.Pid))
	return nil
}

// run pulls tasks until the pool closes intake, then shuts the child
// down gracefully.
func (w *worker) run() {
	defer w.pool.wg.Done()
	defer w.stopChild()

	for {
		select {
		case <-w.pool.closed:
			return
		case t := <-w.pool.queue:
			w.pool.taskStarted()
			w.execute(t)
			w.pool.taskFinished()
		}
	}
}

// execute runs one task on the worker's child. Envelope write and
// result read both run here, in a goroutine the caller never blocks
// on, so large payloads drain without deadlocking the submitter.
func (w *worker) execute(t *poolTask) {
	if t.cancelled.Load() {
		t.deliver(nil, ErrKilled)
		return
	}

	proc, err := w.ensureChild()
	if err != nil {
		t.deliver(nil, err)
		return
	}
	t.pid.Store(int64(proc.cmd.Process.Pid))
	w.setState(workerBusy)

	if err := wire.WriteFrame(proc.req, t.frame); err != nil {
		w.logger.Debug("write task envelope", zap.Error(err))
		w.retire(proc)
		t.deliver(nil, w.failureOutcome(t, proc))
		return
	}
	frame, err := wire.ReadFrame(proc.res)
	if err != nil {
		w.logger.Debug("read task result", zap.Error(err))
		w.retire(proc)
		t.deliver(nil, w.failureOutcome(t, proc))
		return
	}
	res, err := wire.DecodeResult(frame)
	if err != nil {
		w.retire(proc)
		t.deliver(nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err))
		return
	}
	if res.Task != t.id {
		w.logger.Warn("result for unexpected task",
			zap.String("want", t.id), zap.String("got", res.Task))
	}
	t.deliver(res, nil)
	w.setState(workerIdle)
}

// failureOutcome classifies a dead-child failure: a kill initiated by
// the caller or the pool is ErrKilled, anything else is ErrRemoteClose.
func (w *worker) failureOutcome(t *poolTask, proc *childProc) error {
	if t.cancelled.Load() || w.pool.isDead() {
		return ErrKilled
	}
	return remoteCloseError(proc.exitError())
}

// ensureChild returns the current child, launching a replacement if
// the previous one died. Consecutive launch failures back off with
// full jitter; once MaxRestarts consecutive attempts have failed the
// worker waits a full liveness interval before probing again.
func (w *worker) ensureChild() (*childProc, error) {
	w.mu.Lock()
	if w.proc != nil {
		p := w.proc
		w.mu.Unlock()
		return p, nil
	}
	w.mu.Unlock()

	opts := w.pool.opts
	restarts := 0
	backoff := opts.Backoff.Min.Duration

	for {
		if w.pool.isClosing() {
			return nil, ErrPoolClosed
		}

		proc, err := startChild(opts.Config, modeLoop)
		if err == nil {
			w.mu.Lock()
			w.proc = proc
			w.mu.Unlock()
			metrics.IncSpawn("pool")
			w.setState(workerIdle)
			w.logger.Debug("worker child started", zap.Int("pid", proc.cmd.Process.Pid))
			return proc, nil
		}

		w.logger.Warn("worker child start failed", zap.Error(err))
		restarts++
		if opts.MaxRestarts > 0 && restarts >= opts.MaxRestarts {
			w.setState(workerDead)
			if opts.LivenessInterval.Duration <= 0 {
				return nil, err
			}
			if serr := w.sleep(opts.LivenessInterval.Duration); serr != nil {
				return nil, serr
			}
			w.setState(workerStarting)
			restarts = 0
			backoff = opts.Backoff.Min.Duration
			continue
		}

		if serr := w.sleep(w.jitter(backoff)); serr != nil {
			return nil, serr
		}
		backoff = nextBackoff(backoff, opts.Backoff)
	}
}

// retire tears down a dead child and, unless the pool is closing,
// launches the replacement immediately so the next task does not pay
// the startup cost.
func (w *worker) retire(proc *childProc) {
	proc.req.Close()
	proc.kill()
	proc.await()
	proc.res.Close()

	w.mu.Lock()
	if w.proc == proc {
		w.proc = nil
	}
	w.mu.Unlock()
	w.setState(workerDead)

	if w.pool.isClosing() {
		return
	}
	metrics.IncWorkerRestart()
	if _, err := w.ensureChild(); err != nil {
		w.logger.Warn("worker replacement failed", zap.Error(err))
	}
}

// stopChild closes the request channel, which loop-mode children read
// as the shutdown signal, and escalates to a kill after a grace period.
func (w *worker) stopChild() {
	w.mu.Lock()
	proc := w.proc
	w.proc = nil
	w.mu.Unlock()
	if proc != nil {
		proc.shutdown(workerStopGrace)
	}
	w.setState(workerDead)
}

// killChild forcibly terminates the current child, if any. The worker
// goroutine observes the broken pipe and handles the fallout.
func (w *worker) killChild() {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
}

func (w *worker) setState(to string) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	if from != to {
		metrics.WorkerTransition(from, to)
	}
}

// sleepUnlessClosing waits for d but aborts early when the pool closes
// intake.
func (w *worker) sleepUnlessClosing(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.pool.closed:
		return ErrPoolClosed
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func nextBackoff(cur time.Duration, opts BackoffOptions) time.Duration {
	next := float64(cur) * opts.Factor
	if math.IsInf(next, 0) || next > float64(opts.Max.Duration) {
		return opts.Max.Duration
	}
	n := time.Duration(next)
	if n < opts.Min.Duration {
		n = opts.Min.Duration
	}
	return n
}
