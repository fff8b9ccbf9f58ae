package procfn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procfn/procfn/internal/metrics"
	"github.com/procfn/procfn/internal/wire"
)

type joinState int

const (
	statePending joinState = iota
	stateCompleted
	stateKilled
)

// callState carries one in-flight call. It is shared between the
// handle and the monitor goroutine, and deliberately separate from
// JoinHandle: the monitor pins the state, never the handle, so an
// abandoned handle can still be finalized and its child reaped.
type callState[B any] struct {
	mu    sync.Mutex
	state joinState
	val   B
	err   error
	done  chan struct{}

	mode    string
	started time.Time
	killed  atomic.Bool

	proc *childProc // single-shot
	task *poolTask  // pooled

	stdout io.ReadCloser
	stderr io.ReadCloser
}

// deliver records the terminal outcome. The first caller wins; later
// deliveries are dropped.
func (s *callState[B]) deliver(val B, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePending {
		return
	}
	if errors.Is(err, ErrKilled) {
		s.state = stateKilled
	} else {
		s.state = stateCompleted
	}
	s.val, s.err = val, err
	close(s.done)
	metrics.ObserveTask(s.mode, outcomeLabel(err), time.Since(s.started))
}

func (s *callState[B]) outcome() (B, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.err
}

func (s *callState[B]) kill() error {
	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.killed.Store(true)
	var zero B
	if s.task != nil {
		s.task.kill()
		s.deliver(zero, ErrKilled)
		return nil
	}
	err := s.proc.kill()
	s.proc.await()
	s.deliver(zero, ErrKilled)
	return err
}

// abandon is the finalizer path for a handle dropped while its call is
// still pending: kill the child and let the monitor goroutine reap it
// and record the outcome. Never blocks.
func (s *callState[B]) abandon() {
	s.mu.Lock()
	pending := s.state == statePending
	s.mu.Unlock()
	if !pending || s.proc == nil {
		return
	}
	s.killed.Store(true)
	go s.proc.kill()
}

// JoinHandle owns one in-flight call. Exactly one terminal transition
// happens per call; every accessor after that returns the cached
// outcome. A single-shot handle dropped without Join or Kill has its
// child killed and reaped in the background; a dropped pooled handle
// leaves its task running on the worker.
type JoinHandle[B any] struct {
	s *callState[B]
}

func newHandle[B any](mode string) *JoinHandle[B] {
	return &JoinHandle[B]{
		s: &callState[B]{
			done:    make(chan struct{}),
			mode:    mode,
			started: time.Now(),
		},
	}
}

// Join blocks until the call reaches a terminal state and returns the
// typed result or the structured failure. Idempotent.
func (h *JoinHandle[B]) Join() (B, error) {
	<-h.s.done
	runtime.KeepAlive(h)
	return h.s.outcome()
}

// JoinTimeout is Join bounded by d. On expiry it returns ErrTimedOut
// without killing the child; the call keeps running and the handle
// stays usable for a later Join or Kill.
func (h *JoinHandle[B]) JoinTimeout(d time.Duration) (B, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.s.done:
		runtime.KeepAlive(h)
		return h.s.outcome()
	case <-timer.C:
		runtime.KeepAlive(h)
		var zero B
		return zero, ErrTimedOut
	}
}

// JoinContext is Join bounded by ctx; it suspends the calling
// goroutine without tying up an OS thread. Cancellation does not
// cancel the remote call.
func (h *JoinHandle[B]) JoinContext(ctx context.Context) (B, error) {
	select {
	case <-h.s.done:
		runtime.KeepAlive(h)
		return h.s.outcome()
	case <-ctx.Done():
		runtime.KeepAlive(h)
		var zero B
		return zero, ctx.Err()
	}
}

// Done is closed once the call has reached a terminal state.
func (h *JoinHandle[B]) Done() <-chan struct{} {
	return h.s.done
}

// Pid returns the OS identifier of the child executing this call, or 0
// for a pooled call that has not been assigned to a worker yet.
func (h *JoinHandle[B]) Pid() int {
	if h.s.proc != nil {
		return h.s.proc.cmd.Process.Pid
	}
	if h.s.task != nil {
		return int(h.s.task.pid.Load())
	}
	return 0
}

// Kill forcibly terminates the call. The child (or the pooled task) is
// killed and reaped, and any concurrent Join unblocks with ErrKilled.
// Killing an already-terminal handle is a no-op.
func (h *JoinHandle[B]) Kill() error {
	err := h.s.kill()
	runtime.KeepAlive(h)
	return err
}

// Stdout returns the child's captured standard output, or nil when the
// stream was not piped. Pooled calls share worker processes and cannot
// capture per-call stdio.
func (h *JoinHandle[B]) Stdout() io.Reader { return h.s.stdout }

// Stderr returns the child's captured standard error, or nil when the
// stream was not piped.
func (h *JoinHandle[B]) Stderr() io.Reader { return h.s.stderr }

// decodeOutcome turns a result envelope into the handle's typed
// outcome, rejecting fingerprint mismatches before any deserialization
// happens.
func decodeOutcome[B any](res *wire.Result) (B, error) {
	var zero B
	switch res.Kind {
	case wire.ResultOk:
		if res.ResultFP != wire.FingerprintOf[B]() {
			return zero, fmt.Errorf("%w: got fingerprint %#x", ErrTypeMismatch, res.ResultFP)
		}
		var out B
		if err := wire.Unmarshal(res.Value, &out); err != nil {
			return zero, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		return out, nil
	case wire.ResultPanic:
		return zero, panicErrorFrom(res.Panic)
	case wire.ResultDecodeError:
		return zero, fmt.Errorf("%w: %s", ErrDecodeFailed, res.Desc)
	case wire.ResultEncodeError:
		return zero, fmt.Errorf("%w: %s", ErrEncodeFailed, res.Desc)
	case wire.ResultLibraryMissing:
		return zero, fmt.Errorf("%w: %s", ErrLibraryMissing, res.Desc)
	default:
		return zero, fmt.Errorf("%w: unknown result kind %d", ErrRemoteClose, res.Kind)
	}
}

func panicErrorFrom(info *wire.PanicInfo) *PanicError {
	e := &PanicError{Message: "unknown panic"}
	if info == nil {
		return e
	}
	e.Message = info.Message
	e.File = info.File
	e.Line = info.Line
	for _, fr := range info.Backtrace {
		e.Backtrace = append(e.Backtrace, BacktraceFrame{
			PC:     fr.PC,
			Symbol: fr.Symbol,
			File:   fr.File,
			Line:   fr.Line,
		})
	}
	return e
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrKilled):
		return "killed"
	case errors.Is(err, ErrRemoteClose):
		return "remote_close"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrDecodeFailed):
		return "decode_error"
	case errors.Is(err, ErrEncodeFailed):
		return "encode_error"
	case errors.Is(err, ErrLibraryMissing):
		return "library_missing"
	default:
		if _, ok := err.(*PanicError); ok {
			return "panic"
		}
		return "error"
	}
}
