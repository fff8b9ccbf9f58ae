package wire

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Token identifies a function across processes sharing the same binary
// image. Offset is relative to the base of the named object, or to a
// private anchor symbol when Anchored is set (enumeration disabled).
type Token struct {
	Object   string `codec:"object"`
	Dev      uint64 `codec:"dev"`
	Inode    uint64 `codec:"inode"`
	Offset   int64  `codec:"offset"`
	Anchored bool   `codec:"anchored"`
}

// CallOptions travel with every call envelope and control child-side
// behavior for that one invocation.
type CallOptions struct {
	PanicHandling     bool `codec:"panic_handling"`
	CaptureBacktraces bool `codec:"capture_backtraces"`
	ResolveBacktraces bool `codec:"resolve_backtraces"`
}

// Call is the parent-to-child envelope. Tramp locates the typed
// dispatch shim; Fn locates the user function it should invoke.
type Call struct {
	Tramp    Token       `codec:"tramp"`
	Fn       Token       `codec:"fn"`
	Args     []byte      `codec:"args"`
	ArgFP    uint64      `codec:"arg_fp"`
	ResultFP uint64      `codec:"result_fp"`
	Opts     CallOptions `codec:"opts"`
	Task     string      `codec:"task"`
}

// ResultKind tags the child-to-parent envelope.
type ResultKind uint8

const (
	ResultOk ResultKind = iota + 1
	ResultPanic
	ResultDecodeError
	ResultEncodeError
	ResultLibraryMissing
)

// Frame is one backtrace entry captured at the panic site. Symbol,
// File and Line are empty when resolution was disabled.
type Frame struct {
	PC     uint64 `codec:"pc"`
	Symbol string `codec:"symbol"`
	File   string `codec:"file"`
	Line   int    `codec:"line"`
}

// PanicInfo carries a remote panic back to the parent.
type PanicInfo struct {
	Message   string  `codec:"message"`
	File      string  `codec:"file"`
	Line      int     `codec:"line"`
	Backtrace []Frame `codec:"backtrace"`
}

// Result is the child-to-parent envelope.
type Result struct {
	Kind     ResultKind `codec:"kind"`
	Value    []byte     `codec:"value"`
	ResultFP uint64     `codec:"result_fp"`
	Panic    *PanicInfo `codec:"panic"`
	Desc     string     `codec:"desc"`
	Task     string     `codec:"task"`
}

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}

var envelopeHandle = newHandle()

// EncodeCall serializes a call envelope.
func EncodeCall(c *Call) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, envelopeHandle).Encode(c); err != nil {
		return nil, fmt.Errorf("wire: encode call: %w", err)
	}
	return buf, nil
}

// DecodeCall deserializes a call envelope.
func DecodeCall(data []byte) (*Call, error) {
	c := &Call{}
	if err := codec.NewDecoderBytes(data, envelopeHandle).Decode(c); err != nil {
		return nil, fmt.Errorf("wire: decode call: %w", err)
	}
	return c, nil
}

// EncodeResult serializes a result envelope.
func EncodeResult(r *Result) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, envelopeHandle).Encode(r); err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return buf, nil
}

// DecodeResult deserializes a result envelope.
func DecodeResult(data []byte) (*Result, error) {
	r := &Result{}
	if err := codec.NewDecoderBytes(data, envelopeHandle).Decode(r); err != nil {
		return nil, fmt.Errorf("wire: decode result: %w", err)
	}
	return r, nil
}
