package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/service/httpapi"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("MEMORIA_ADDR"),
			Destination: &addr,
		},
	}
	flags = append(flags, commandFlags(globalFlags(&cfg), storeFlags(&cfg), llmFlags(&cfg), managerFlags(&cfg), archiveFlags(&cfg))...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the memory manager over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg.metrics = metrics.New("memoria")

			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			client, err := cfg.newOracle(ctx)
			if err != nil {
				return err
			}

			mgr, err := cfg.newManager(ctx, repo, client)
			if err != nil {
				return err
			}
			session := memory.NewSession(mgr)

			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.New(session, httpapi.WithMetrics(cfg.metrics)).Router(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext: func(_ net.Listener) context.Context {
					return context.WithoutCancel(ctx)
				},
			}

			logger := logging.From(ctx)
			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server started", "addr", addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return goerr.Wrap(err, "HTTP server failed", goerr.V("addr", addr))
				}
			case <-ctx.Done():
				logger.Info("shutting down HTTP server")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return goerr.Wrap(err, "failed to shut down HTTP server")
				}
			}

			return cfg.saveSnapshot(context.WithoutCancel(ctx), session.Current())
		},
	}
}
