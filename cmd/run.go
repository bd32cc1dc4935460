package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
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

type runFlags struct {
	id          string
	description string
	taskType    string
	links       []string
	stages      map[string]string
	autoApprove bool
	planOnly    bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <title>",
		Short: "Classify, plan and execute one task",
		Long: `Run a single task end to end in this process.

Review and clarification gates are answered on stdin. When a run escalates
you are offered to resume it after fixing the cause.

Examples:
  pipelinecore run "Fix crash on save" --description "nil deref in SaveView"
  pipelinecore run "Add dark mode" --stage design_decomposition=run --stage lint=skip
  pipelinecore run "Investigate flaky login" --type diagnostic_only --plan-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			in := task.Intake{
				ID:             f.id,
				Title:          args[0],
				Description:    f.description,
				Links:          f.links,
				TypeOverride:   f.taskType,
				StageOverrides: f.stages,
			}
			return runTask(ctx, cmd, in, f)
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVarP(&f.description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&f.taskType, "type", "t", "", "skip classification and use this task type")
	cmd.Flags().StringSliceVar(&f.links, "link", nil, "related issue or document link (repeatable)")
	cmd.Flags().StringToStringVar(&f.stages, "stage", nil, "per-task stage flag, stage=run|skip (repeatable)")
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "approve review gates without prompting")
	cmd.Flags().BoolVar(&f.planOnly, "plan-only", false, "stop after planning")
	return cmd
}

func runTask(ctx context.Context, cmd *cobra.Command, in task.Intake, f runFlags) error {
	opts := appOptions{withEngine: true}
	if f.autoApprove {
		opts.reviewMode = config.ReviewGateAuto
	}
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	gates := make(chan kernel.Gate, 16)
	a.engine.Gates().OnOpen(func(g kernel.Gate) {
		if g.Kind == kernel.GateKindReview {
			gates <- g
		}
	})

	view, err := a.engine.Submit(ctx, in)
	if err != nil {
		return err
	}
	for view.Status == kernel.RunStatusClarifying {
		answer, err := p.ask(clarifyQuestion(view))
		if err != nil {
			return fmt.Errorf("run %s needs clarification: %w", view.ID, err)
		}
		view, err = a.engine.Clarify(ctx, view.ID, answer)
		if err != nil && view.Status != kernel.RunStatusClarifying {
			return err
		}
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "  ", err)
		}
	}
	if view.Status != kernel.RunStatusPlanned || f.planOnly {
		return printRun(cmd.OutOrStdout(), view)
	}
	printPlan(cmd.OutOrStdout(), view)

	view, err = driveRun(ctx, a.engine, p, gates, view.ID, a.engine.Execute)
	for err == nil && view.Status == kernel.RunStatusEscalated {
		if perr := printRun(cmd.OutOrStdout(), view); perr != nil {
			return perr
		}
		ok, perr := p.confirm("Resume this run?")
		if perr != nil || !ok {
			break
		}
		view, err = driveRun(ctx, a.engine, p, gates, view.ID, a.engine.Resume)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return printRun(cmd.OutOrStdout(), view)
}

// driveRun executes a run while answering its review gates from the
// prompter.
func driveRun(
	ctx context.Context,
	e *engine.Engine,
	p *prompter,
	gates <-chan kernel.Gate,
	runID string,
	start func(context.Context, string) (engine.RunView, error),
) (engine.RunView, error) {
	type outcome struct {
		view engine.RunView
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := start(ctx, runID)
		done <- outcome{v, err}
	}()

	for {
		select {
		case out := <-done:
			return out.view, out.err
		case g := <-gates:
			answerReview(ctx, e, p, g)
		}
	}
}

// answerReviews prompts for every gate until ctx is done. Member runs of
// a batch execute concurrently, so prompts are serialised here.
func answerReviews(ctx context.Context, e *engine.Engine, p *prompter, gates <-chan kernel.Gate) {
	for {
		select {
		case <-ctx.Done():
			return
		case g := <-gates:
			answerReview(ctx, e, p, g)
		}
	}
}

func answerReview(ctx context.Context, e *engine.Engine, p *prompter, g kernel.Gate) {
	d, err := p.decide(g)
	if err != nil {
		d = kernel.Decision{Action: kernel.ActionReject, Comment: "no reviewer input"}
	}
	if _, err := e.ResolveReview(ctx, g.ID, d); err != nil && !errors.Is(err, kernel.ErrGateNotPending) {
		fmt.Fprintln(p.out, "  review not recorded:", err)
	}
}

func clarifyQuestion(v engine.RunView) string {
	for _, g := range v.PendingGates {
		if g.Kind == kernel.GateKindClarification && g.Question != "" {
			return g.Question
		}
	}
	return "Which kind of task is this?"
}

// =============================================================================
// PROMPTS
// =============================================================================

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewScanner(in), out: out}
}

func (p *prompter) ask(question string) (string, error) {
	fmt.Fprintf(p.out, "%s\n> ", question)
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.in.Text()), nil
}

func (p *prompter) confirm(question string) (bool, error) {
	answer, err := p.ask(question + " [y/N]")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// decide reads a review decision: "approve", "reject [comment]" or
// "edit key=value ...".
func (p *prompter) decide(g kernel.Gate) (kernel.Decision, error) {
	fmt.Fprintf(p.out, "\nReview requested for stage %s (gate %s)\n", g.Stage, g.ID)
	if len(g.Artifacts) > 0 {
		b, _ := json.MarshalIndent(g.Artifacts, "  ", "  ")
		fmt.Fprintf(p.out, "  artifacts: %s\n", b)
	}
	for {
		line, err := p.ask("approve | reject [comment] | edit key=value ...")
		if err != nil {
			return kernel.Decision{}, err
		}
		d, err := parseDecision(line)
		if err == nil {
			return d, nil
		}
		fmt.Fprintln(p.out, "  ", err)
	}
}

func parseDecision(line string) (kernel.Decision, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return kernel.Decision{}, errors.New("empty decision")
	}
	action, err := kernel.ParseAction(fields[0])
	if err != nil {
		return kernel.Decision{}, err
	}
	d := kernel.Decision{Action: action, Reviewer: os.Getenv("USER")}
	rest := fields[1:]
	switch action {
	case kernel.ActionEdit:
		d.Amendments = make(map[string]any, len(rest))
		for _, kv := range rest {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return kernel.Decision{}, fmt.Errorf("amendment %q is not key=value", kv)
			}
			d.Amendments[k] = v
		}
		if len(d.Amendments) == 0 {
			return kernel.Decision{}, errors.New("edit needs at least one key=value amendment")
		}
	case kernel.ActionAnswer:
		return kernel.Decision{}, errors.New("answer applies to clarification gates only")
	default:
		d.Comment = strings.Join(rest, " ")
	}
	return d, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func printPlan(w io.Writer, v engine.RunView) {
	if outputJSON {
		return
	}
	fmt.Fprintf(w, "Run %s: %s (%s, confidence %.2f)\n", v.ID, v.Title, v.TaskType, v.Confidence)
	for i, group := range v.Plan {
		fmt.Fprintf(w, "  %d. %s\n", i+1, strings.Join(group, ", "))
	}
	if len(v.Pruned) > 0 {
		fmt.Fprintf(w, "  skipped: %s\n", strings.Join(v.Pruned, ", "))
	}
}

func printRun(w io.Writer, v engine.RunView) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	fmt.Fprintf(w, "\nRun %s: %s\n", v.ID, v.Status)
	if v.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", v.Reason)
	}
	if len(v.Results) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  STAGE\tATTEMPT\tSTATUS\tFAILURE\tDURATION")
		for _, r := range v.Results {
			fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%s\n", r.Stage, r.Attempt, r.Status, r.FailureKind, r.Duration)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if esc := v.Escalation; esc != nil && esc.Stage != "" {
		fmt.Fprintf(w, "  escalated at %s (group %d)\n", esc.Stage, esc.Group+1)
	}
	return nil
}
