package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/grpc"
)

const remoteTimeout = 30 * time.Second

type remoteClient struct {
	conn   *grpclib.ClientConn
	client *grpc.EngineClient
}

func dialRemote(addr string) (*remoteClient, error) {
	opts := append(grpc.DialOptions(), grpclib.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpclib.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &remoteClient{conn: conn, client: grpc.NewEngineClient(conn)}, nil
}

func newRemoteCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running pipelinecore service",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:50051", "gRPC address of the service")

	call := func(cmd *cobra.Command, method string, req map[string]any) error {
		rc, err := dialRemote(addr)
		if err != nil {
			return err
		}
		defer rc.conn.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
		defer cancel()
		resp, err := rc.client.Call(ctx, method, req)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	}

	var (
		description string
		taskType    string
		execute     bool
	)
	submit := &cobra.Command{
		Use:   "submit <title>",
		Short: "Submit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, grpc.MethodSubmitTask, map[string]any{
				"title":         args[0],
				"description":   description,
				"type_override": taskType,
				"execute":       execute,
			})
		},
	}
	submit.Flags().StringVarP(&description, "description", "d", "", "task description")
	submit.Flags().StringVarP(&taskType, "type", "t", "", "task type override")
	submit.Flags().BoolVar(&execute, "execute", true, "start the run once planned")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, grpc.MethodGetRun, map[string]any{"run_id": args[0]})
		},
	}

	gates := &cobra.Command{
		Use:   "gates",
		Short: "List pending review and clarification gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, grpc.MethodListGates, nil)
		},
	}

	var comment string
	review := &cobra.Command{
		Use:   "review <gate-id> <approve|reject|answer> [answer]",
		Short: "Resolve a gate",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"gate_id": args[0], "action": args[1], "comment": comment}
			if len(args) == 3 {
				req["answer"] = args[2]
			}
			return call(cmd, grpc.MethodResolveReview, req)
		},
	}
	review.Flags().StringVar(&comment, "comment", "", "reviewer comment")

	resume := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an escalated run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, grpc.MethodResume, map[string]any{"run_id": args[0]})
		},
	}

	var reason string
	abort := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, grpc.MethodAbort, map[string]any{"run_id": args[0], "reason": reason})
		},
	}
	abort.Flags().StringVar(&reason, "reason", "", "why the run is aborted")

	var runID string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream run events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := dialRemote(addr)
			if err != nil {
				return err
			}
			defer rc.conn.Close()

			events, err := rc.client.StreamEvents(cmd.Context(), map[string]any{"run_id": runID})
			if err != nil {
				return err
			}
			for {
				ev, err := events.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
			}
		},
	}
	watch.Flags().StringVar(&runID, "run", "", "only events of this run")

	cmd.AddCommand(submit, get, gates, review, resume, abort, watch)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
