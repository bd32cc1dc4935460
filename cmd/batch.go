package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/engine"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/task"
)

func newBatchCmd() *cobra.Command {
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run a batch of tasks with dependencies",
		Long: `Run every task of a YAML batch file, wave by wave.

Tasks whose dependencies escalate are left blocked; tasks whose
dependencies abort are aborted.

Example file:
  title: Sprint 14
  tasks:
    - {id: A, title: Fix crash on save}
    - {id: B, title: Add autosave, depends_on: [A]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			file, err := task.LoadBatchFile(args[0])
			if err != nil {
				return err
			}

			opts := appOptions{withEngine: true}
			if autoApprove {
				opts.reviewMode = config.ReviewGateAuto
			}
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			b, err := a.engine.SubmitBatch(ctx, file.Tasks)
			if err != nil {
				return err
			}
			if !outputJSON {
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s: %d tasks in %d waves\n", displayTitle(file), len(b.Tasks), len(b.Waves))
			}
			gates := make(chan kernel.Gate, 16)
			a.engine.Gates().OnOpen(func(g kernel.Gate) {
				if g.Kind == kernel.GateKindReview {
					gates <- g
				}
			})
			reviewCtx, stopReviews := context.WithCancel(ctx)
			go answerReviews(reviewCtx, a.engine, newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), gates)

			view, err := a.engine.RunBatch(ctx, b.ID)
			stopReviews()
			if perr := printBatch(cmd.OutOrStdout(), view); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve review gates without prompting")
	return cmd
}

func displayTitle(f *task.BatchFile) string {
	if f.Title != "" {
		return f.Title
	}
	return "(untitled)"
}

func printBatch(w io.Writer, v engine.BatchView) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WAVE\tTASK\tSTATUS\tDEPENDS ON\tREASON")
	for _, t := range v.Tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.Wave+1, t.TaskID, t.Status, strings.Join(t.DependsOn, ","), t.Reason)
	}
	return tw.Flush()
}
