package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/mgmtd/pkg/proxy"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

func newStdioCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the proxy protocol on stdin and stdout",
		Long: `Boot the management model and serve it to a single host over stdin and
stdout. This is the command a host runs over SSH when it mounts this
process with an ssh:// URL.

Stdout carries protocol frames only; logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			return serveStdio(cmd.Context(), s, a.version, os.Stdin, os.Stdout)
		},
	}
}

func serveStdio(ctx context.Context, s *settings, version string, in io.Reader, out io.Writer) error {
	cfg := s.telemetryConfig(version)
	if cfg.Tracing.Exporter == "stdout" {
		cfg.Tracing.Enabled = false
		cfg.Tracing.Exporter = "none"
	}
	tel, err := telemetry.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(tel)
	if s.Tracing.Exporter == "stdout" {
		tel.Logger.Warn("stdout trace exporter disabled in stdio mode")
	}

	rt, err := newRuntime(ctx, s, version, tel)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	server := proxy.NewServer(rt.ctrl,
		proxy.WithServerLogger(tel.Logger.NewComponentLogger("proxy-server")),
		proxy.WithDecisionTimeout(s.DecisionTimeout))
	// Closing in unblocks the frame reader when ctx ends first.
	var closer io.Closer
	if c, ok := in.(io.Closer); ok {
		closer = c
	}
	err = server.Serve(ctx, proxy.NewStreamChannel(in, out, closer))
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
