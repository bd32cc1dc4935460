package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/memory"
)

func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the knowledge store",
	}
	cmd.AddCommand(newMemoryQueryCmd(), newMemoryRebuildCmd(), newMemoryVerifyCmd())
	return cmd
}

func newMemoryQueryCmd() *cobra.Command {
	var (
		categories []string
		tags       []string
		stage      string
		limit      int
		within     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search memory entries by keyword, category and recency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := memory.Query{Tags: tags, Stage: stage, Limit: limit, RecencyWindow: within}
			if len(args) == 1 {
				q.Text = args[0]
			}
			for _, raw := range categories {
				c, err := memory.ParseCategory(raw)
				if err != nil {
					return err
				}
				q.Categories = append(q.Categories, c)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			results, err := a.store.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printMemory(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "decision, learning, mistake or pattern (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required tag (repeatable)")
	cmd.Flags().StringVar(&stage, "stage", "", "only entries recorded for this stage")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().DurationVar(&within, "within", 0, "only entries newer than this, e.g. 720h")
	return cmd
}

func newMemoryRebuildCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild keyword indexes from the append-only log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cats []memory.Category
			for _, raw := range categories {
				c, err := memory.ParseCategory(raw)
				if err != nil {
					return err
				}
				cats = append(cats, c)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.RebuildIndex(cmd.Context(), cats...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "index rebuilt")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "limit the rebuild to these categories")
	return cmd
}

func newMemoryVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every index matches its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.VerifyIndex(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "index consistent")
			return nil
		},
	}
}

func printMemory(w io.Writer, results []memory.Result) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "no matching entries")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCATEGORY\tTITLE\tTAGS")
	for _, r := range results {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", r.Score, r.Entry.Category, r.Entry.Title, strings.Join(r.Entry.Tags, ","))
	}
	return tw.Flush()
}
