package procfntest

import "testing"

func TestWorkerConfigRunsNoTests(t *testing.T) {
	cfg := WorkerConfig()
	if len(cfg.Args) != 1 || cfg.Args[0] != "-test.run=^$" {
		t.Fatalf("unexpected worker args: %v", cfg.Args)
	}
}
