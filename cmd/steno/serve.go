package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stenohq/steno/internal/canon"
	"github.com/stenohq/steno/internal/ingest"
	"github.com/stenohq/steno/internal/llm"
	"github.com/stenohq/steno/internal/parser"
	"github.com/stenohq/steno/internal/server"
	"github.com/stenohq/steno/internal/watch"
	"github.com/stenohq/steno/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var noAutostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, watch daemons, and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd.Context(), noAutostart)
		},
	}
	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false,
		"do not resume watch configs that were active at last shutdown")
	return cmd
}

func (c *cli) runServe(ctx context.Context, noAutostart bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := c.openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	registry := parser.NewRegistry(c.logger)
	registry.LoadPlugins(c.cfg.ParserPlugins)

	pipeline := ingest.NewPipeline(database, registry, c.logger)
	canonSvc := canon.NewService(database, &c.cfg, c.logger)
	manager := watch.NewManager(database, pipeline, &c.cfg, c.logger)

	if !noAutostart {
		if err := manager.Autostart(ctx); err != nil {
			c.logger.Warn("watch autostart failed", "error", err.Error())
		}
	}

	provider, err := llm.New(&c.cfg)
	if err != nil {
		// Analysis jobs will retry once a provider is configured.
		c.logger.Warn("llm provider unavailable", "error", err.Error())
		provider = nil
	}
	pool := worker.NewPool(database, canonSvc, provider, &c.cfg, c.logger)

	port := server.FindAvailablePort(c.cfg.Host, c.cfg.Port)
	if port != c.cfg.Port {
		c.logger.Info("configured port in use",
			"requested", c.cfg.Port, "using", port)
		c.cfg.Port = port
	}

	srv := server.New(&c.cfg, database, pipeline, canonSvc, manager, c.logger,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithWorkerPool(pool),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.StopAll(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
