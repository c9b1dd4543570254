package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/roundtable/internal/http"
)

func newServeCmd(load loadFunc) *cobra.Command {
	var cycles int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run status, briefing and metrics over HTTP",
		Long: `Serve starts the status server on server.host:server.port.

With --cycles, it also runs up to that many cycles in the same process so
breaker state and recent events are visible while the run progresses. The
server keeps serving after the run stops until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(ctx) }()

			if _, err := a.cache.LoadFile(a.cachePath); err != nil {
				a.logger.Warn("ignoring unreadable cache snapshot", zap.Error(err))
			}

			srv, err := httpserver.NewServer(httpserver.Deps{
				Store:     a.store,
				Roster:    cfg.Roster(),
				Cache:     a.cache,
				Breakers:  a.executor.Breakers(),
				Events:    a.recorder,
				Telemetry: a.telemetry,
				Metrics:   httpserver.NewHTTPMetrics(nil, a.logger),
				Logger:    a.logger.Named("http"),
			}, httpserver.Config{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				Token:        cfg.Server.Token.Value(),
				OverridePath: a.overridePath(),
			})
			if err != nil {
				return err
			}

			runErr := make(chan error, 1)
			if cycles > 0 {
				runner, err := a.newRunner()
				if err != nil {
					return err
				}
				go func() {
					_, err := runner.Run(ctx, cycles)
					if err != nil && !errors.Is(err, context.Canceled) {
						a.logger.Error("run stopped", zap.Error(err))
					}
					runErr <- err
				}()
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Start() }()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("status server shutdown", zap.Error(err))
			}
			if cycles > 0 {
				if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 0, "also run up to this many cycles in-process")
	return cmd
}
