package main

import (
	"github.com/spf13/cobra"

	"github.com/assay-dev/assay/internal/lang"
	"github.com/assay-dev/assay/internal/worker"
)

var workerChild bool

// workerCmd is the hidden entry point the coordinator re-executes this
// binary through: without --child it becomes a preloader, with it the
// short-lived test-running child. The pipes arrive as inherited
// descriptors, never on the command line.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := lang.NewSampleRuntime()
		if workerChild {
			return worker.RunChild(rt, lang.ComparisonRerunner{})
		}
		return worker.Serve(rt)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerChild, "child", false, "run as a forked test child")
	rootCmd.AddCommand(workerCmd)
}
