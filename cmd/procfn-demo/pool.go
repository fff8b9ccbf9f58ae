package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procfn/procfn"
)

type sleepArgs struct {
	Index int           `codec:"index"`
	Sleep time.Duration `codec:"sleep"`
}

// sleepAndReturn runs in the worker process.
func sleepAndReturn(a sleepArgs) int {
	time.Sleep(a.Sleep)
	return a.Index
}

func newPoolCmd(ctx *demoContext) *cobra.Command {
	size := 2
	tasks := 6
	sleep := 200 * time.Millisecond

	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Fan sleeping tasks out over a worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadPoolOptions(ctx, size)
			if err != nil {
				return err
			}

			pool, err := procfn.NewPoolWithOptions(opts)
			if err != nil {
				return err
			}
			defer pool.Kill()

			start := time.Now()
			handles := make([]*procfn.JoinHandle[int], 0, tasks)
			for i := 0; i < tasks; i++ {
				h, err := procfn.PoolSpawn(pool, sleepArgs{Index: i, Sleep: sleep}, sleepAndReturn)
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}

			for _, h := range handles {
				v, err := h.Join()
				if err != nil {
					return err
				}
				ctx.logger.Debug("task done", zap.Int("index", v), zap.Int("pid", h.Pid()))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks x %s on %d workers: %s\n",
				tasks, sleep, opts.Size, time.Since(start).Round(time.Millisecond))
			return pool.Shutdown(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&size, "size", size, "Number of pool workers")
	cmd.Flags().IntVar(&tasks, "tasks", tasks, "Number of tasks to submit")
	cmd.Flags().DurationVar(&sleep, "sleep", sleep, "How long each task sleeps")
	return cmd
}

// loadPoolOptions builds pool options from the --pool-options file
// when given, falling back to flag defaults.
func loadPoolOptions(ctx *demoContext, size int) (*procfn.PoolOptions, error) {
	if *ctx.options != "" {
		opts, err := procfn.LoadPoolOptions(*ctx.options)
		if err != nil {
			return nil, err
		}
		opts.Logger = ctx.logger
		return opts, nil
	}
	return &procfn.PoolOptions{Size: size, Logger: ctx.logger}, nil
}
