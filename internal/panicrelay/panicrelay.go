// Package panicrelay captures panics inside worker dispatch so they can
// be serialized back to the parent instead of crashing the child.
package panicrelay

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/procfn/procfn/internal/wire"
)

const maxFrames = 64

// Guard runs fn and converts a panic into a PanicInfo. The stack is
// walked inside the deferred handler, before unwinding completes, so
// the captured frames still include the panic site. A nil return means
// fn completed normally.
func Guard(capture, resolve bool, fn func()) (info *wire.PanicInfo) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var pcs [maxFrames]uintptr
		n := runtime.Callers(2, pcs[:])
		info = build(r, pcs[:n], capture, resolve)
	}()
	fn()
	return nil
}

func build(r any, pcs []uintptr, capture, resolve bool) *wire.PanicInfo {
	info := &wire.PanicInfo{Message: messageOf(r)}

	frames := runtime.CallersFrames(pcs)
	pastPanic := false
	for {
		fr, more := frames.Next()
		if fr.Function == "" && fr.PC == 0 {
			if !more {
				break
			}
			continue
		}
		if !pastPanic {
			// Skip our own handler plus the runtime's panic plumbing;
			// the first frame beyond them is the panic site.
			if strings.HasPrefix(fr.Function, "runtime.") ||
				strings.Contains(fr.Function, "panicrelay.Guard") {
				if !more {
					break
				}
				continue
			}
			pastPanic = true
			info.File = fr.File
			info.Line = fr.Line
		}
		if capture {
			wf := wire.Frame{PC: uint64(fr.PC)}
			if resolve {
				wf.Symbol = fr.Function
				wf.File = fr.File
				wf.Line = fr.Line
			}
			info.Backtrace = append(info.Backtrace, wf)
		} else if pastPanic {
			break
		}
		if !more {
			break
		}
	}
	return info
}

func messageOf(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
