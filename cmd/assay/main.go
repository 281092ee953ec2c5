package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/assay-dev/assay/internal/config"
	"github.com/assay-dev/assay/internal/monitor"
)

// bytecodeEnv tells the hosted language runtime not to write cached
// bytecode to disk. The process re-executes itself once so that every
// worker inherits it.
const bytecodeEnv = "ASSAY_DONT_WRITE_BYTECODE"

var (
	flagBatch   bool
	flagVerbose bool
	flagWorkers int

	exitStatus int
)

var rootCmd = &cobra.Command{
	Use:   "assay [flags] <directory | file | dotted.name> ...",
	Short: "Fast interactive test runner",
	Long: `assay keeps a pool of warm worker processes, runs each test module in a
freshly forked child, and reruns everything the moment a loaded file
changes on disk.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(1)(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", monitor.ErrUsage, err)
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAssay,
}

func runAssay(cmd *cobra.Command, args []string) error {
	if flagVerbose && !flagBatch {
		return fmt.Errorf("%w: --verbose requires --batch", monitor.ErrUsage)
	}

	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("%w: %v", monitor.ErrUsage, err)
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}

	failures, err := monitor.Run(args, monitor.Options{
		Workers:       cfg.Workers,
		Batch:         flagBatch,
		Verbose:       flagVerbose,
		Extension:     cfg.Extension,
		PackageMarker: cfg.PackageMarker,
		Out:           os.Stdout,
	})
	if err != nil {
		return err
	}
	// Interactive sessions end with 'q' and exit clean regardless of
	// the tally; a batch run reports it in the exit status.
	if flagBatch && failures > 0 {
		exitStatus = 1
	}
	return nil
}

func main() {
	ensureBytecodeSuppression()

	if err := rootCmd.Execute(); err != nil {
		switch {
		case errors.Is(err, monitor.ErrRestart):
			restart()
		case errors.Is(err, monitor.ErrUsage):
			fmt.Fprintf(os.Stderr, "assay: %v\n", err)
			os.Exit(64)
		default:
			fmt.Fprintf(os.Stderr, "assay: %v\n", err)
			os.Exit(70)
		}
	}
	os.Exit(exitStatus)
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", monitor.ErrUsage, err)
	})
	rootCmd.Flags().BoolVar(&flagBatch, "batch", false, "run one cycle without the terminal UI and exit with the tally")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "print test names as they pass (batch only)")
	rootCmd.Flags().IntVarP(&flagWorkers, "workers", "j", 0, "worker process count (default: one per CPU)")
}

func initLogging() {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// ensureBytecodeSuppression sets the cache-suppression variable and
// re-executes once when it was absent at startup, so it reaches the
// hosted runtime in every descendant process.
func ensureBytecodeSuppression() {
	if os.Getenv(bytecodeEnv) != "" {
		return
	}
	if err := os.Setenv(bytecodeEnv, "1"); err != nil {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		return
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		slog.Debug("Could not re-execute for bytecode suppression", "err", err)
	}
}

// restart re-executes the whole process in place, picking up whatever
// changed on disk.
func restart() {
	exe, err := os.Executable()
	if err == nil {
		err = syscall.Exec(exe, os.Args, os.Environ())
	}
	fmt.Fprintf(os.Stderr, "assay: restart failed: %v\n", err)
	os.Exit(70)
}
