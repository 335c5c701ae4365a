package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/sandpit/internal/server"
)

// clientIdle is how long a per-IP limiter survives without requests.
const clientIdle = 10 * time.Minute

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server that executes code on request.

Endpoints:
  POST   /v1/execute    Execute code, respond with the result
  POST   /v1/validate   Validate code without running it
  GET    /v1/stream     WebSocket: stream outputs, send {"action":"stop"} to cancel
  GET    /v1/session    Issue a new session id
  GET    /health        Health check
  GET    /metrics       Prometheus metrics

Requests carry their rate limit session in the body or the X-Session-ID
header. Settings come from SANDPIT_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (default: $SANDPIT_SERVER_ADDR or :8080)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sc := a.cfg.Server
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		sc.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.limiter.StartSweeper(ctx, a.cfg.RateLimit.SweepSpec); err != nil {
		return err
	}
	if a.cfg.PythonWasmPath() != "" {
		go func() {
			if err := a.python.Load(ctx); err != nil {
				a.logger.Warn("python preload failed", zap.Error(err))
			}
		}()
	}

	srv := server.New(a.policy, server.Config{
		RequestsPerSecond: sc.RequestsPerSecond,
		Burst:             sc.Burst,
		MaxBodyBytes:      sc.MaxBodyBytes,
		AllowedOrigins:    sc.AllowedOrigins,
	},
		server.WithSandboxOptions(a.sandboxOptions()...),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger.Named("http")),
	)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				srv.Sweep(clientIdle)
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              sc.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()
	a.logger.Info("listening", zap.String("addr", sc.Addr), zap.String("version", version))
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", styleTitle.Render("sandpit server listening on"), sc.Addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}
