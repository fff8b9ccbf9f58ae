package main

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

type demoContext struct {
	logger  *zap.Logger
	verbose *bool
	options *string
}

func newRootCmd() *cobra.Command {
	verbose := false
	options := ""

	ctx := &demoContext{verbose: &verbose, options: &options}

	root := &cobra.Command{
		Use:   "procfn-demo",
		Short: "Run functions in child processes",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctx.logger = newLogger(verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&options, "pool-options", "", "Path to a pool options YAML file")

	root.AddCommand(newSumCmd(ctx))
	root.AddCommand(newPanicCmd(ctx))
	root.AddCommand(newPoolCmd(ctx))
	root.AddCommand(newBenchCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	return logger
}
