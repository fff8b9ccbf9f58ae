// Package procfntest wires procfn's worker bootstrap into `go test`
// binaries. Workers re-execute the running binary, and under the test
// harness that binary is the compiled test; unless the worker takes
// over before any test runs, a spawn from a test would re-run the
// whole suite inside the child.
//
// Use it by replacing TestMain:
//
//	func TestMain(m *testing.M) {
//		procfntest.Main(m)
//	}
package procfntest

import (
	"os"
	"testing"

	"github.com/procfn/procfn"
)

// Main runs the worker bootstrap and then the test suite. In a worker
// child the bootstrap dispatches and terminates the process before the
// test runner ever starts; in the parent it falls through to m.Run.
func Main(m *testing.M) {
	MainWithConfig(m, procfn.InitConfig{})
}

// MainWithConfig is Main with worker-side customization.
func MainWithConfig(m *testing.M, cfg procfn.InitConfig) {
	procfn.InitWithConfig(cfg)
	os.Exit(m.Run())
}

// WorkerConfig returns a spawn config suited to test binaries: the
// child is told to run no tests at all, so even a worker that somehow
// escaped the bootstrap cannot re-enter the suite.
func WorkerConfig() *procfn.Config {
	return &procfn.Config{Args: []string{"-test.run=^$"}}
}
