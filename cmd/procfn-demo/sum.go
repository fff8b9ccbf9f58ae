package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procfn/procfn"
)

// sumInts runs in the child process.
func sumInts(vs []int) int {
	total := 0
	for _, v := range vs {
		total += v
	}
	return total
}

func newSumCmd(ctx *demoContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sum [ints...]",
		Short: "Sum integers in a child process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vs := make([]int, 0, len(args))
			for _, a := range args {
				v, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("parse %q: %w", a, err)
				}
				vs = append(vs, v)
			}

			h, err := procfn.Spawn(vs, sumInts)
			if err != nil {
				return err
			}
			ctx.logger.Debug("spawned child", zap.Int("pid", h.Pid()))

			total, err := h.Join()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), total)
			return nil
		},
	}
}
