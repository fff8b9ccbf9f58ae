package procfn

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/procfn/procfn/internal/wire"
)

const (
	defaultBackoffMin    = 100 * time.Millisecond
	defaultBackoffMax    = 5 * time.Second
	defaultBackoffFactor = 2.0
	defaultLiveness      = 30 * time.Second
	workerStopGrace      = 2 * time.Second
)

// BackoffOptions shapes the delay between worker restart attempts.
type BackoffOptions struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// PoolOptions parameterizes a pool. The zero value of everything but
// Size is usable; Validate fills in defaults.
type PoolOptions struct {
	// Size is the number of long-lived workers. Required.
	Size int `yaml:"size"`

	// QueueSize bounds the task queue. Zero means no queue: submission
	// blocks until a worker takes the task. A positive value makes
	// submission return ErrPoolBusy when the queue is full.
	QueueSize int `yaml:"queueSize"`

	// LivenessInterval is how long a worker that exhausted its restart
	// budget waits before probing for a new child again.
	LivenessInterval Duration `yaml:"livenessInterval"`

	// Backoff paces consecutive failed worker launches.
	Backoff BackoffOptions `yaml:"backoff"`

	// MaxRestarts caps consecutive failed launch attempts per worker.
	// Zero or negative means unlimited.
	MaxRestarts int `yaml:"maxRestarts"`

	// Config is applied to every worker child.
	Config *Config `yaml:"-"`

	// Logger receives pool lifecycle events. Nil means silent.
	Logger *zap.Logger `yaml:"-"`
}

// Validate normalizes the options in place.
func (o *PoolOptions) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("procfn: pool size must be positive, got %d", o.Size)
	}
	if o.QueueSize < 0 {
		return fmt.Errorf("procfn: pool queue size must not be negative, got %d", o.QueueSize)
	}
	if o.Backoff.Min.Duration <= 0 {
		o.Backoff.Min.Duration = defaultBackoffMin
	}
	if o.Backoff.Max.Duration <= 0 {
		o.Backoff.Max.Duration = defaultBackoffMax
	}
	if o.Backoff.Max.Duration < o.Backoff.Min.Duration {
		o.Backoff.Max.Duration = o.Backoff.Min.Duration
	}
	if o.Backoff.Factor <= 1 {
		o.Backoff.Factor = defaultBackoffFactor
	}
	if !o.LivenessInterval.IsSet() {
		o.LivenessInterval.Duration = defaultLiveness
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	cfg := o.Config.normalized()
	if o.Config == nil || o.Config.Logger == nil {
		cfg.Logger = o.Logger
	}
	o.Config = cfg
	return nil
}

// LoadPoolOptions reads pool options from a YAML document.
func LoadPoolOptions(path string) (*PoolOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pool options: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var opts PoolOptions
	if err := decoder.Decode(&opts); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", path, err)
	}
	return &opts, nil
}

// poolTask is one queued call plus the sink its outcome flows into.
type poolTask struct {
	id        string
	frame     []byte
	deliver   func(*wire.Result, error)
	pid       atomic.Int64
	cancelled atomic.Bool
}

// kill cancels the task. If it is already running on a worker, the
// worker's child is killed; the pool replaces the worker afterwards.
func (t *poolTask) kill() {
	t.cancelled.Store(true)
	if pid := t.pid.Load(); pid != 0 {
		killProcessGroup(int(pid))
	}
}

// Pool multiplexes calls onto a fixed set of reusable worker
// processes. Workers are launched eagerly, restarted when they die,
// and shut down together.
type Pool struct {
	opts    *PoolOptions
	logger  *zap.Logger
	queue   chan *poolTask
	closed  chan struct{}
	workers []*worker
	wg      sync.WaitGroup

	mu          sync.Mutex
	cond        *sync.Cond
	queued      int
	active      int
	draining    bool
	dead        bool
	closeOnce   sync.Once
	shutdownO   sync.Once
	shutdownErr error
}

// NewPool creates a pool of size workers with default options.
func NewPool(size int) (*Pool, error) {
	return NewPoolWithOptions(&PoolOptions{Size: size})
}

// NewPoolWithOptions creates a pool, launching every worker eagerly. A
// worker that cannot be launched fails pool construction; the workers
// already started are torn down.
func NewPoolWithOptions(opts *PoolOptions) (*Pool, error) {
	if opts == nil {
		opts = &PoolOptions{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		opts:   opts,
		logger: opts.Logger,
		queue:  make(chan *poolTask, opts.QueueSize),
		closed: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < opts.Size; i++ {
		w := newWorker(i, p)
		if err := w.start(); err != nil {
			p.Kill()
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
	p.logger.Debug("pool started", zap.Int("size", opts.Size))
	return p, nil
}

// PoolSpawn submits fn(arg) to the pool and returns a handle on the
// call. Without a queue (QueueSize zero) submission blocks until a
// worker takes the task; with a bounded queue it returns ErrPoolBusy
// instead of blocking.
func PoolSpawn[A, B any](p *Pool, arg A, fn func(A) B) (*JoinHandle[B], error) {
	call, err := buildCall(arg, fn, p.opts.Config, uuid.NewString())
	if err != nil {
		return nil, err
	}
	frame, err := wire.EncodeCall(call)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	h := newHandle[B]("pool")
	s := h.s
	t := &poolTask{id: call.Task, frame: frame}
	t.deliver = func(res *wire.Result, err error) {
		var zero B
		if err != nil {
			s.deliver(zero, err)
			return
		}
		s.deliver(decodeOutcome[B](res))
	}
	s.task = t

	p.mu.Lock()
	if p.draining || p.dead {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queued++
	p.mu.Unlock()

	if p.opts.QueueSize > 0 {
		select {
		case p.queue <- t:
		default:
			p.taskDropped()
			return nil, ErrPoolBusy
		}
	} else {
		select {
		case p.queue <- t:
		case <-p.closed:
			p.taskDropped()
			return nil, ErrPoolClosed
		}
	}
	return h, nil
}

// Join blocks until the pool is momentarily idle: no queued and no
// in-flight tasks.
func (p *Pool) Join() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for (p.queued > 0 || p.active > 0) && !p.dead {
		p.cond.Wait()
	}
}

// ActiveCount reports tasks currently executing on workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueuedCount reports tasks waiting for a worker.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Shutdown stops intake, lets queued and in-flight tasks finish, then
// closes every worker's request channel and joins the monitors. Calling
// it again is a no-op. The context bounds the drain; on expiry the
// pool is left draining and the caller may escalate to Kill.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownO.Do(func() {
		p.shutdownErr = p.shutdown(ctx)
	})
	return p.shutdownErr
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for (p.queued > 0 || p.active > 0) && !p.dead && ctx.Err() == nil {
		p.cond.Wait()
	}
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	p.closeIntake()
	p.wg.Wait()
	p.logger.Debug("pool shut down")
	return nil
}

// Kill forcibly terminates every worker. In-flight tasks resolve to
// ErrKilled; queued tasks are drained with the same outcome. Safe to
// call more than once.
func (p *Pool) Kill() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	p.draining = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.closeIntake()
	for _, w := range p.workers {
		w.killChild()
	}
	for {
		select {
		case t := <-p.queue:
			t.deliver(nil, ErrKilled)
			p.taskDropped()
			continue
		default:
		}
		break
	}
	p.wg.Wait()
	p.logger.Debug("pool killed")
}

func (p *Pool) closeIntake() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *Pool) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *Pool) isClosing() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Pool) taskStarted() {
	p.mu.Lock()
	p.queued--
	p.active++
	p.mu.Unlock()
}

func (p *Pool) taskFinished() {
	p.mu.Lock()
	p.active--
	if p.queued == 0 && p.active == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Pool) taskDropped() {
	p.mu.Lock()
	p.queued--
	if p.queued == 0 && p.active == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}
