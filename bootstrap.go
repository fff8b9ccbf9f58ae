package procfn

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/procfn/procfn/internal/registry"
	"github.com/procfn/procfn/internal/wire"
)

// markerEnv puts a process into worker mode when set. Its value is the
// dispatch mode; the channel endpoints arrive as inherited descriptors.
const markerEnv = "PROCFN_WORKER_5A6B"

const (
	modeSingle = "single"
	modeLoop   = "loop"
)

// Descriptors the spawn runtime places after stderr via ExtraFiles.
const (
	requestFd = 3
	resultFd  = 4
)

// InitConfig customizes worker-side bootstrap.
type InitConfig struct {
	// Callback runs once in every worker before the first dispatch.
	// Use it to initialize process-wide state the spawned functions
	// rely on.
	Callback func()

	// Logger receives worker-side diagnostics. Nil means silent.
	Logger *zap.Logger
}

// Init must be called at the very top of main, before any other user
// code runs. In the parent it returns immediately. In a worker child
// it attaches to the parent's channels, dispatches calls until done,
// and terminates the process; it never returns.
func Init() {
	InitWithConfig(InitConfig{})
}

// InitWithConfig is Init with worker-side customization.
func InitWithConfig(cfg InitConfig) {
	mode := os.Getenv(markerEnv)
	if mode == "" {
		return
	}
	// Erase, not just overwrite: a grandchild spawned by the user
	// function must not accidentally enter worker mode.
	os.Unsetenv(markerEnv)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	req := os.NewFile(requestFd, "procfn-requests")
	res := os.NewFile(resultFd, "procfn-results")
	if req == nil || res == nil {
		logger.Error("worker started without channel descriptors")
		os.Exit(1)
	}

	if cfg.Callback != nil {
		cfg.Callback()
	}

	runWorker(mode, req, res, logger)

	os.Stdout.Sync()
	os.Stderr.Sync()
	os.Exit(0)
}

// runWorker reads call envelopes until the request channel closes (or,
// in single-shot mode, after the first call).
func runWorker(mode string, req, res *os.File, logger *zap.Logger) {
	for {
		frame, err := wire.ReadFrame(req)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Close-time transport errors are log-only.
				logger.Debug("request channel closed", zap.Error(err))
			}
			return
		}

		var out *wire.Result
		call, err := wire.DecodeCall(frame)
		if err != nil {
			out = &wire.Result{Kind: wire.ResultDecodeError, Desc: err.Error()}
		} else {
			out = dispatch(call)
		}

		body, err := wire.EncodeResult(out)
		if err != nil {
			logger.Error("encode result envelope", zap.Error(err))
			return
		}
		if err := wire.WriteFrame(res, body); err != nil {
			logger.Debug("result channel closed", zap.Error(err))
			return
		}

		if mode == modeSingle {
			return
		}
	}
}

// trampolineFunc is the uniform signature every typed dispatch shim
// compiles down to. The child resolves the shim's token to this shape
// and hands it the raw envelope plus the user function's address.
type trampolineFunc = func(*wire.Call, uintptr) *wire.Result

// dispatch resolves the tokens in a call envelope and invokes the
// typed trampoline. Resolution failures become result envelopes, never
// worker crashes.
func dispatch(call *wire.Call) *wire.Result {
	fnAddr, err := registry.Resolve(call.Fn)
	if err != nil {
		return resolveFailure(call, err)
	}
	trampAddr, err := registry.Resolve(call.Tramp)
	if err != nil {
		return resolveFailure(call, err)
	}
	tramp := registry.FuncFromAddr[trampolineFunc](trampAddr)
	return tramp(call, fnAddr)
}

func resolveFailure(call *wire.Call, err error) *wire.Result {
	kind := wire.ResultDecodeError
	if errors.Is(err, registry.ErrLibraryMissing) || errors.Is(err, registry.ErrEnumerationUnavailable) {
		kind = wire.ResultLibraryMissing
	}
	return &wire.Result{Kind: kind, Desc: err.Error(), Task: call.Task}
}
