package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/llmdispatch/dispatch"
	"github.com/vinayprograms/llmdispatch/server"
	"github.com/vinayprograms/llmdispatch/shutdown"
	"github.com/vinayprograms/llmdispatch/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API.

SIGINT or SIGTERM stops the listener, rejects queued requests and flushes
traces before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, creds, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log := opts.logger(cfg)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			coord := shutdown.New(log)

			var tracer *telemetry.Tracer
			if tc := cfg.Telemetry; tc.Enabled {
				tp, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
					ServiceName:    tc.ServiceName,
					ServiceVersion: version,
					Endpoint:       tc.Endpoint,
					Protocol:       tc.Protocol,
					Insecure:       tc.Insecure,
					Debug:          tc.Debug,
				})
				if err != nil {
					return err
				}
				tracer = tp.Tracer()
				coord.Register("telemetry", shutdown.PhaseExport, tp.Shutdown)
			}

			d, err := dispatch.FromConfig(ctx, cfg, dispatch.BuildOptions{
				Logger:      log,
				Tracer:      tracer,
				Credentials: creds,
			})
			if err != nil {
				_ = coord.Shutdown(context.Background())
				return err
			}
			coord.Register("dispatcher", shutdown.PhaseDispatch, func(context.Context) error {
				return d.Close()
			})

			srv := server.New(d, server.Config{Addr: cfg.Server.Addr, Version: version, Logger: log})
			coord.Register("http", shutdown.PhaseIngress, srv.Shutdown)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				log.Info("stopping", zap.Duration("timeout", cfg.Server.ShutdownTimeout()))
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
				defer cancel()
				return coord.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
