package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/registry"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/typeutil"
)

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the context registry",
	}
	cmd.AddCommand(newRegistryGetCmd(), newRegistryListCmd())
	return cmd
}

func newRegistryGetCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "get <kind> <key>",
		Short: "Print one registry record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := registry.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.registry.Get(kind, args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if path == "" {
				return enc.Encode(rec)
			}
			v, ok := typeutil.GetNestedValue(rec.Value, path)
			if !ok {
				return fmt.Errorf("%s/%s has no value at %q", kind, args[1], path)
			}
			return enc.Encode(v)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "dot-separated path into the record value")
	return cmd
}

func newRegistryListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List registry records of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := registry.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.registry.Prefix(kind, prefix)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys starting with this prefix")
	return cmd
}

func printRecords(w io.Writer, recs []registry.Record) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tUPDATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Key, r.Version, r.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
