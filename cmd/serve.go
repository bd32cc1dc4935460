package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/config"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/httpapi"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		grpcAddr string
		httpAddr string
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over gRPC and HTTP",
		Long: `Serve the engine over gRPC (task submission, reviews, event streams)
and HTTP (status, review decisions, memory search, /metrics).

The project config is watched and re-applied to new runs when it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, appOptions{withEngine: true})
			if err != nil {
				return err
			}
			defer a.close()

			if grpcAddr == "" {
				grpcAddr = a.cfg.Server.GRPCAddr
			}
			if httpAddr == "" {
				httpAddr = a.cfg.Server.HTTPAddr
			}
			logger := a.logger.Named("server")

			if watch {
				w, err := config.NewWatcher(configPath, func(cfg *config.ProjectConfig) {
					if err := a.engine.Reload(cfg); err != nil {
						logger.Warn("config_reload_rejected", "error", err.Error())
					}
				}, logger)
				if err != nil {
					return err
				}
				if err := w.Start(ctx); err != nil {
					logger.Warn("config_watch_unavailable", "error", err.Error())
				} else {
					defer w.Stop()
				}
			}

			core := grpc.NewEngineServer(a.engine, logger)
			grpcServer := grpc.NewGracefulServer(core, grpcAddr)
			httpServer, err := httpapi.NewServer(a.engine, logger, httpAddr)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return grpcServer.Start(gctx)
			})
			g.Go(httpServer.Start)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			logger.Info("pipelinecore_ready", "grpc", grpcAddr, "http", httpAddr, "version", version)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from server.grpc_addr)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default from server.http_addr)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the project config when it changes")
	return cmd
}
