package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/desertthunder/regx/internal/server"
	"github.com/urfave/cli/v3"
)

// newRouter builds the control API router. The runner must be initialized.
func (r *Runner) newRouter() *server.BasicRouter {
	router := server.NewBasicRouter()
	router.Use(server.Recover(r.logger), server.RequestLogger(r.logger))

	server.NewControlAPI(r.orchestrator, r.settings, r.accounts, r.logger).Register(router)
	router.Handler(server.NewEventStream(r.bus, r.snapshots, r.orchestrator, r.logger))
	return router
}

// Serve runs the HTTP control server until interrupted. A running batch is stopped on shutdown.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	addr := cmd.String("addr")
	if addr == "" {
		addr = r.config.Server.Addr()
	}
	if err := r.init(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.writePlain("Control API listening on http://%s\n", ln.Addr())
	err = server.Serve(ctx, ln, r.newRouter(), r.logger)

	if r.orchestrator.Status().Running {
		r.logger.Info("stopping running batch")
		r.orchestrator.Stop()
		r.orchestrator.Wait(context.WithoutCancel(ctx))
	}
	return err
}
