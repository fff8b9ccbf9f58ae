package procfn

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/procfn/procfn/internal/wire"
)

// StdioMode selects where a child standard stream is connected.
type StdioMode int

const (
	// StdioInherit attaches the child stream to the parent's.
	StdioInherit StdioMode = iota
	// StdioNull connects the stream to the null device.
	StdioNull
	// StdioPiped captures the stream; read it via the handle's
	// Stdout/Stderr. Only meaningful for output streams.
	StdioPiped
)

// Config controls how children are launched. The zero value is ready
// to use: argv and environment are inherited, stdio is inherited,
// panics are relayed with symbolicated backtraces, and function tokens
// are validated against the loaded-object table.
type Config struct {
	// Args overrides the child's argv (after the program name). When
	// nil the parent's own arguments are passed through.
	Args []string

	// Env overrides or extends the child's environment.
	Env map[string]string

	Stdin  StdioMode
	Stdout StdioMode
	Stderr StdioMode

	// DisablePanicHandling turns off the child-side panic guard. A
	// panicking function then crashes the worker and surfaces as
	// ErrRemoteClose instead of a PanicError.
	DisablePanicHandling bool

	// DisableBacktraces skips backtrace capture on child panic; only
	// the message and panic site are relayed.
	DisableBacktraces bool

	// RawBacktraces leaves captured frames as program counters
	// without symbol or file information.
	RawBacktraces bool

	// DisableObjectCheck skips loaded-object enumeration and emits
	// anchor-relative tokens instead. Only sound for functions in the
	// main executable; AssertSpawnIsSafe must be called first.
	DisableObjectCheck bool

	// Logger receives lifecycle diagnostics. Nil means silent.
	Logger *zap.Logger
}

// normalized returns a non-nil config with the logger defaulted.
func (c *Config) normalized() *Config {
	out := &Config{}
	if c != nil {
		*out = *c
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (c *Config) callOptions() wire.CallOptions {
	return wire.CallOptions{
		PanicHandling:     !c.DisablePanicHandling,
		CaptureBacktraces: !c.DisableBacktraces,
		ResolveBacktraces: !c.RawBacktraces,
	}
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}
