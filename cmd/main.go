// Command pipelinecore runs the task orchestration engine.
//
// Usage:
//
//	pipelinecore run "Fix crash on save"            # classify, plan and run one task
//	pipelinecore batch sprint.yaml                  # run a batch of dependent tasks
//	pipelinecore serve                              # gRPC + HTTP service
//	pipelinecore memory query "nil pointer"         # search the knowledge store
//	pipelinecore remote get <run-id> --addr :50051  # talk to a running service
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// version is set at build time.
	version = "dev"

	configPath string
	logLevel   string
	outputJSON bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinecore",
		Short: "Task orchestration and cross-run learning engine",
		Long: `pipelinecore classifies engineering tasks, plans the stages they need,
runs them through configured agents with bounded retries and human review
gates, and learns from every finished run.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", ".pipeline.yaml", "project config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newBatchCmd(),
		newMemoryCmd(),
		newRegistryCmd(),
		newRemoteCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pipelinecore", version)
		},
	}
}
