package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procfn/procfn"
)

// echoLen runs in the worker process.
func echoLen(payload []byte) int {
	return len(payload)
}

func newBenchCmd(ctx *demoContext) *cobra.Command {
	size := 2
	calls := 20
	payload := "64KiB"

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure round-trip latency through a worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			bytes, err := humanize.ParseBytes(payload)
			if err != nil {
				return fmt.Errorf("parse payload size %q: %w", payload, err)
			}
			body := make([]byte, bytes)

			opts, err := loadPoolOptions(ctx, size)
			if err != nil {
				return err
			}
			pool, err := procfn.NewPoolWithOptions(opts)
			if err != nil {
				return err
			}
			defer pool.Kill()

			durations := make([]float64, 0, calls)
			for i := 0; i < calls; i++ {
				start := time.Now()
				h, err := procfn.PoolSpawn(pool, body, echoLen)
				if err != nil {
					return err
				}
				n, err := h.Join()
				if err != nil {
					return err
				}
				if n != len(body) {
					return fmt.Errorf("echo length mismatch: sent %d, got %d", len(body), n)
				}
				durations = append(durations, float64(time.Since(start).Microseconds()))
			}

			report := func(p float64) string {
				v, err := stats.Percentile(durations, p)
				if err != nil {
					return "n/a"
				}
				return (time.Duration(v) * time.Microsecond).Round(10 * time.Microsecond).String()
			}
			ctx.logger.Debug("bench complete", zap.Int("calls", calls))
			fmt.Fprintf(cmd.OutOrStdout(),
				"%d calls, %s payload, %d workers: p50=%s p95=%s p99=%s\n",
				calls, humanize.IBytes(bytes), opts.Size,
				report(50), report(95), report(99))
			return pool.Shutdown(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&size, "size", size, "Number of pool workers")
	cmd.Flags().IntVar(&calls, "calls", calls, "Number of round trips")
	cmd.Flags().StringVar(&payload, "payload", payload, "Payload size per call (e.g. 4MiB)")
	return cmd
}
