package procfn

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/procfn/procfn/internal/metrics"
	"github.com/procfn/procfn/internal/panicrelay"
	"github.com/procfn/procfn/internal/registry"
	"github.com/procfn/procfn/internal/wire"
)

var spawnSafetyAsserted atomic.Bool

// AssertSpawnIsSafe attests that every spawned function lives in the
// main executable. It is required before the first spawn whenever
// loaded-object validation is unavailable (non-Linux) or disabled via
// Config.DisableObjectCheck; anchor-relative tokens are unsound for
// shared-library functions, and this call is the caller taking that
// responsibility.
func AssertSpawnIsSafe() {
	spawnSafetyAsserted.Store(true)
}

// Spawn runs fn(arg) in a freshly launched child process and returns a
// handle on the in-flight call. fn must be a plain top-level function;
// all state it needs must arrive through arg.
func Spawn[A, B any](arg A, fn func(A) B) (*JoinHandle[B], error) {
	return SpawnWithConfig(arg, fn, nil)
}

// SpawnWithConfig is Spawn with launch options.
func SpawnWithConfig[A, B any](arg A, fn func(A) B, cfg *Config) (*JoinHandle[B], error) {
	cfg = cfg.normalized()

	call, err := buildCall(arg, fn, cfg, "")
	if err != nil {
		return nil, err
	}
	frame, err := wire.EncodeCall(call)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	proc, err := startChild(cfg, modeSingle)
	if err != nil {
		return nil, err
	}
	metrics.IncSpawn("single")

	h := newHandle[B]("single")
	h.s.proc = proc
	if proc.stdoutPipe != nil {
		h.s.stdout = proc.stdoutPipe
	}
	if proc.stderrPipe != nil {
		h.s.stderr = proc.stderrPipe
	}
	// The monitor goroutine references the call state, never the
	// handle, so dropping the handle without joining finalizes it: the
	// child is killed and the monitor reaps it.
	runtime.SetFinalizer(h, func(h *JoinHandle[B]) { h.s.abandon() })

	// The argument is fed from its own goroutine so an argument larger
	// than the pipe buffer cannot deadlock against a child that has
	// not started reading yet.
	go func() {
		if err := wire.WriteFrame(proc.req, frame); err != nil {
			cfg.Logger.Debug("write call envelope", zap.Error(err))
		}
		proc.req.Close()
	}()

	go monitorChild(h.s)

	return h, nil
}

// monitorChild reads the single result envelope, reaps the child, and
// delivers the outcome.
func monitorChild[B any](s *callState[B]) {
	var zero B
	frame, err := wire.ReadFrame(s.proc.res)
	s.proc.res.Close()
	s.proc.await()
	if err != nil {
		if s.killed.Load() {
			s.deliver(zero, ErrKilled)
		} else {
			s.deliver(zero, remoteCloseError(s.proc.exitError()))
		}
		return
	}
	res, err := wire.DecodeResult(frame)
	if err != nil {
		s.deliver(zero, fmt.Errorf("%w: %v", ErrDecodeFailed, err))
		return
	}
	s.deliver(decodeOutcome[B](res))
}

func remoteCloseError(waitErr error) error {
	if waitErr == nil {
		return ErrRemoteClose
	}
	return fmt.Errorf("%w: %v", ErrRemoteClose, waitErr)
}

// buildCall tokenizes fn and its typed trampoline and encodes the
// argument into a call envelope. No child is launched when this fails.
func buildCall[A, B any](arg A, fn func(A) B, cfg *Config, task string) (*wire.Call, error) {
	args, err := wire.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	fnTok, err := tokenize(fn, cfg)
	if err != nil {
		return nil, err
	}
	var tramp trampolineFunc = trampoline[A, B]
	trampTok, err := tokenize(tramp, cfg)
	if err != nil {
		return nil, err
	}

	return &wire.Call{
		Tramp:    trampTok,
		Fn:       fnTok,
		Args:     args,
		ArgFP:    wire.FingerprintOf[A](),
		ResultFP: wire.FingerprintOf[B](),
		Opts:     cfg.callOptions(),
		Task:     task,
	}, nil
}

func tokenize(fn any, cfg *Config) (wire.Token, error) {
	addr, err := registry.FuncvalAddr(fn)
	if err != nil {
		return wire.Token{}, fmt.Errorf("%w: %v", ErrNotAFunctionPointer, err)
	}
	if cfg.DisableObjectCheck {
		if !spawnSafetyAsserted.Load() {
			return wire.Token{}, ErrSafetyNotAsserted
		}
		return registry.Tokenize(addr, true)
	}
	tok, err := registry.Tokenize(addr, false)
	switch {
	case err == nil:
		return tok, nil
	case errors.Is(err, registry.ErrEnumerationUnavailable):
		if !spawnSafetyAsserted.Load() {
			return wire.Token{}, ErrSafetyNotAsserted
		}
		return registry.Tokenize(addr, true)
	case errors.Is(err, registry.ErrNotStatic):
		return wire.Token{}, fmt.Errorf("%w: funcval is not in a mapped object", ErrNotAFunctionPointer)
	default:
		return wire.Token{}, err
	}
}

// trampoline is the typed dispatch shim. Each (A, B) instantiation is
// static data in the binary, so the child can resolve its token and
// call it with the uniform trampolineFunc shape; the shim then owns
// argument decoding, the panic guard, and result encoding for its
// concrete types.
func trampoline[A, B any](call *wire.Call, fnAddr uintptr) *wire.Result {
	out := &wire.Result{Task: call.Task}

	if call.ArgFP != wire.FingerprintOf[A]() {
		out.Kind = wire.ResultDecodeError
		out.Desc = "argument type fingerprint mismatch"
		return out
	}
	var arg A
	if err := wire.Unmarshal(call.Args, &arg); err != nil {
		out.Kind = wire.ResultDecodeError
		out.Desc = err.Error()
		return out
	}

	fn := registry.FuncFromAddr[func(A) B](fnAddr)
	var ret B
	run := func() { ret = fn(arg) }
	if call.Opts.PanicHandling {
		if info := panicrelay.Guard(call.Opts.CaptureBacktraces, call.Opts.ResolveBacktraces, run); info != nil {
			out.Kind = wire.ResultPanic
			out.Panic = info
			return out
		}
	} else {
		run()
	}

	body, err := wire.Marshal(ret)
	if err != nil {
		out.Kind = wire.ResultEncodeError
		out.Desc = err.Error()
		return out
	}
	out.Kind = wire.ResultOk
	out.Value = body
	out.ResultFP = wire.FingerprintOf[B]()
	return out
}

// childProc owns one launched child and its channel endpoints.
type childProc struct {
	cmd *exec.Cmd
	req *os.File // parent write end of the request pipe
	res *os.File // parent read end of the result pipe

	stdoutPipe *os.File
	stderrPipe *os.File

	waitDone chan struct{}
	waitErr  error
}

// startChild re-executes the current binary in worker mode with the
// channel pipes inherited as descriptors 3 and 4.
func startChild(cfg *Config, mode string) (*childProc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &SpawnError{Op: "locate executable", Err: err}
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Op: "create request pipe", Err: err}
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, &SpawnError{Op: "create result pipe", Err: err}
	}

	argv := cfg.Args
	if argv == nil {
		argv = os.Args[1:]
	}
	cmd := exec.Command(exe, argv...)
	cmd.Env = childEnv(cfg.Env, mode)
	cmd.ExtraFiles = []*os.File{reqR, resW}
	configureSysProcAttr(cmd)

	p := &childProc{cmd: cmd, req: reqW, res: resR, waitDone: make(chan struct{})}

	switch cfg.Stdin {
	case StdioInherit:
		cmd.Stdin = os.Stdin
	default:
		cmd.Stdin = nil
	}
	// Output capture uses explicit pipes rather than cmd.StdoutPipe:
	// the wait goroutine reaps as soon as the child exits, and Wait
	// would close an exec-managed pipe before the caller drains it.
	var closeAfterStart []*os.File
	pipeOut := func(target **os.File, assign func(*os.File)) error {
		pr, pw, perr := os.Pipe()
		if perr != nil {
			return perr
		}
		assign(pw)
		*target = pr
		closeAfterStart = append(closeAfterStart, pw)
		return nil
	}
	switch cfg.Stdout {
	case StdioInherit:
		cmd.Stdout = os.Stdout
	case StdioPiped:
		err = pipeOut(&p.stdoutPipe, func(f *os.File) { cmd.Stdout = f })
	}
	if err == nil {
		switch cfg.Stderr {
		case StdioInherit:
			cmd.Stderr = os.Stderr
		case StdioPiped:
			err = pipeOut(&p.stderrPipe, func(f *os.File) { cmd.Stderr = f })
		}
	}
	if err == nil {
		err = cmd.Start()
	}
	// The child's copies live on in the child; the parent must drop
	// its own so pipe EOF can ever be observed.
	reqR.Close()
	resW.Close()
	for _, f := range closeAfterStart {
		f.Close()
	}
	if err != nil {
		reqW.Close()
		resR.Close()
		if p.stdoutPipe != nil {
			p.stdoutPipe.Close()
		}
		if p.stderrPipe != nil {
			p.stderrPipe.Close()
		}
		return nil, &SpawnError{Op: "start child", Err: err}
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	return p, nil
}

// childEnv builds the child environment: the parent's, with overrides
// applied and the worker marker appended.
func childEnv(overrides map[string]string, mode string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == markerEnv {
			continue
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return append(env, markerEnv+"="+mode)
}

// await blocks until the child has been reaped.
func (p *childProc) await() {
	<-p.waitDone
}

func (p *childProc) exitError() error {
	select {
	case <-p.waitDone:
		return p.waitErr
	default:
		return nil
	}
}

// kill forcibly terminates the child's process group. A child that is
// already gone is not an error.
func (p *childProc) kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(p.cmd.Process.Pid)
}

// shutdown closes the request channel (the close signal for loop-mode
// workers) and escalates to a kill if the child does not exit in time.
func (p *childProc) shutdown(grace time.Duration) {
	p.req.Close()
	select {
	case <-p.waitDone:
	case <-time.After(grace):
		p.kill()
		<-p.waitDone
	}
	p.res.Close()
}
