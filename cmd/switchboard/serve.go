package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
	gatewayserver "github.com/vango-go/vai-switchboard/pkg/gateway/server"
)

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(stderr io.Writer, deps appDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (/v1/voice, /healthz, /readyz, /metrics)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stderr, deps)
		},
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps appDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireProvider(); err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	gwDeps := gatewayserver.Deps{
		Sessions: st.builder,
		Bus:      st.bus,
		Tracker:  sessions.NewTracker(),
		Gatherer: st.registry,
	}
	if st.pool != nil {
		gwDeps.Pool = st.pool
	}
	if st.fallback != nil {
		gwDeps.Store = st.fallback
	}
	gw := gatewayserver.New(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"agents", st.agents.ListAgents(),
		"profile", cfg.AudioProfile,
		"synthesize_speech", cfg.SynthesizeSpeech,
		"redis", cfg.RedisURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	drain(gw, cfg, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return ctx.Err()
}

// drainer is the part of *gatewayserver.Server the shutdown sequence uses.
type drainer interface {
	SetDraining()
	NotifyDraining() int
	WaitSessions(ctx context.Context) bool
	CancelSessions() int
	ActiveSessions() int
}

// drain stops new sessions, warns live ones and gives them the grace period
// to finish before canceling the rest.
func drain(gw drainer, cfg config.Config, logger *slog.Logger) {
	gw.SetDraining()
	notified := gw.NotifyDraining()
	logger.Info("draining voice sessions", "active", gw.ActiveSessions(), "notified", notified)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if gw.WaitSessions(waitCtx) {
		return
	}
	canceled := gw.CancelSessions()
	logger.Warn("grace period elapsed, canceling voice sessions", "canceled", canceled)

	// Canceled sessions still flush their profiles on the way out.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer flushCancel()
	gw.WaitSessions(flushCtx)
}
