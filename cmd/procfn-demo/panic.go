package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/procfn/procfn"
)

// explode runs in the child process and always panics.
func explode(msg string) int {
	panic(msg)
}

func newPanicCmd(ctx *demoContext) *cobra.Command {
	raw := false
	cmd := &cobra.Command{
		Use:   "panic [message]",
		Short: "Panic in a child process and inspect the relayed error",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := "boom"
			if len(args) == 1 {
				msg = args[0]
			}

			h, err := procfn.SpawnWithConfig(msg, explode, &procfn.Config{
				RawBacktraces: raw,
				Logger:        ctx.logger,
			})
			if err != nil {
				return err
			}

			_, err = h.Join()
			var pe *procfn.PanicError
			if !errors.As(err, &pe) {
				return fmt.Errorf("expected a remote panic, got: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pe.Error())
			if bt := pe.BacktraceString(); bt != "" {
				fmt.Fprintln(cmd.OutOrStdout(), bt)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Leave backtrace frames unsymbolicated")
	return cmd
}
