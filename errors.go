package procfn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAFunctionPointer is returned by Spawn when the provided
	// value is not a plain top-level function: nil, a capturing
	// closure, or a bound method value. Captured state cannot cross a
	// process boundary; everything must flow through the argument.
	ErrNotAFunctionPointer = errors.New("procfn: not a plain function (closures and method values cannot be spawned)")

	// ErrLibraryMissing is reported when the child could not locate
	// the loaded object a function token refers to.
	ErrLibraryMissing = errors.New("procfn: object for function token is not mapped in the child")

	// ErrRemoteClose is reported when the child exited without
	// delivering a result envelope.
	ErrRemoteClose = errors.New("procfn: child closed the channel without a result")

	// ErrTypeMismatch is reported when a result arrived but its type
	// fingerprint does not match the handle's expected type.
	ErrTypeMismatch = errors.New("procfn: result type fingerprint mismatch")

	// ErrDecodeFailed is reported when a payload could not be decoded.
	ErrDecodeFailed = errors.New("procfn: payload decode failed")

	// ErrEncodeFailed is reported when a payload could not be encoded.
	// At spawn time this surfaces before any child is launched.
	ErrEncodeFailed = errors.New("procfn: payload encode failed")

	// ErrTimedOut is returned by JoinTimeout on expiry. The child
	// keeps running; the handle stays usable for Join or Kill.
	ErrTimedOut = errors.New("procfn: join timed out")

	// ErrKilled is the terminal outcome of a call whose child was
	// killed through the handle or the pool.
	ErrKilled = errors.New("procfn: call was killed")

	// ErrPoolBusy is returned by pool submission when a bounded queue
	// is configured and full.
	ErrPoolBusy = errors.New("procfn: pool queue is full")

	// ErrPoolClosed is returned by pool submission after Shutdown or
	// Kill.
	ErrPoolClosed = errors.New("procfn: pool is shut down")

	// ErrSafetyNotAsserted is returned when loaded-object validation
	// is unavailable or disabled and AssertSpawnIsSafe has not been
	// called.
	ErrSafetyNotAsserted = errors.New("procfn: object validation disabled; call AssertSpawnIsSafe first")
)

// SpawnError reports an OS-level failure while launching a child.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("procfn: %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// BacktraceFrame is one frame of a remote panic backtrace. Symbol,
// File and Line are empty when symbolication was disabled.
type BacktraceFrame struct {
	PC     uint64
	Symbol string
	File   string
	Line   int
}

// PanicError reconstructs a panic that happened in the child.
type PanicError struct {
	Message   string
	File      string
	Line      int
	Backtrace []BacktraceFrame
}

func (e *PanicError) Error() string {
	if e.File == "" {
		return "remote panic: " + e.Message
	}
	return fmt.Sprintf("remote panic: %s (at %s:%d)", e.Message, e.File, e.Line)
}

// BacktraceString renders the remote backtrace one frame per line, or
// "" when no backtrace was captured.
func (e *PanicError) BacktraceString() string {
	if len(e.Backtrace) == 0 {
		return ""
	}
	var b strings.Builder
	for i, fr := range e.Backtrace {
		if i > 0 {
			b.WriteByte('\n')
		}
		if fr.Symbol == "" {
			fmt.Fprintf(&b, "#%d %#x", i, fr.PC)
			continue
		}
		fmt.Fprintf(&b, "#%d %s %s:%d", i, fr.Symbol, fr.File, fr.Line)
	}
	return b.String()
}
