package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/mgmtd/pkg/proxy"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management controller",
		Long: `Boot the management model from the persisted configuration and serve it.

Endpoints:
  POST /management        execute one JSON operation
  GET  /management/proxy  websocket endpoint for hosts mounting this process
  GET  /metrics           prometheus metrics (unless --metrics=false)

Remote processes given with --mount are mounted under /<mount-type>=<name>
before boot and take part in every transaction that addresses them.`,
		Example: `  # Serve on the default address with a SQLite model store
  mgmtd serve

  # Mount a managed server reachable over SSH and another over websocket
  mgmtd serve --mount web1=ssh://deploy@web1.example.com \
              --mount web2=ws://web2.example.com:9990/management/proxy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s, a.version)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":9990", "HTTP listen address")
	flags.StringArray("mount", nil, "mount a remote controller, NAME=URL (ws, wss or ssh); repeatable")
	flags.String("mount-type", "host", "address key of mounted controllers")
	flags.Bool("metrics", true, "serve prometheus metrics")
	for _, name := range []string{"listen", "mount", "mount-type", "metrics"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

func serve(ctx context.Context, s *settings, version string) error {
	tel, err := telemetry.New(s.telemetryConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(tel)
	logger := tel.Logger.NewComponentLogger("server")

	rt, err := newRuntime(ctx, s, version, tel)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	proxyServer := proxy.NewServer(rt.ctrl,
		proxy.WithServerLogger(tel.Logger.NewComponentLogger("proxy-server")),
		proxy.WithDecisionTimeout(s.DecisionTimeout))

	mux := http.NewServeMux()
	mux.Handle("/management", managementHandler(rt.ctrl, logger))
	mux.Handle("/management/proxy", proxyServer.Handler())
	if s.Metrics {
		mux.Handle(tel.Config.Metrics.Path, tel.Metrics.Handler())
	}

	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("address", s.Listen).Info("Management interface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		tel.Logger.WithError(err).Warn("Telemetry shutdown failed")
	}
}
