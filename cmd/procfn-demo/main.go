package main

import (
	"github.com/procfn/procfn"
	"github.com/procfn/procfn/internal/metrics"
)

func main() {
	// Must run first: in a worker child this call never returns.
	procfn.Init()
	metrics.EmitBuildInfo()
	Execute()
}
