package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

func newExecCommand(a *app) *cobra.Command {
	var (
		server            string
		local             bool
		rollbackOnRuntime bool
		timeout           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec ADDRESS OPERATION [NAME=VALUE...]",
		Short: "Execute one management operation",
		Long: `Execute one operation and print the JSON response.

Parameter values are parsed as JSON when possible (8080, true, ["a","b"],
{"k":"v"}) and used as strings otherwise. Values containing ${...} are
sent as expressions.

By default the operation is posted to a running server. With --local the
persisted model is booted in this process, the operation executed and the
process stopped again.`,
		Example: `  # Read the whole model
  mgmtd exec / read-resource recursive=true

  # Add a socket binding and a listener in two transactions
  mgmtd exec /socket-binding=http add port=8080
  mgmtd exec /listener=default add socket-binding=http

  # Several changes in one transaction
  mgmtd exec / composite 'steps=[{"operation":"write-attribute","address":"/subsystem=logging","name":"level","value":"debug"}]'

  # Edit the persisted model without a running server
  mgmtd exec --local / write-attribute name=name value=edge-01`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := buildOperation(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("rollback-on-runtime-failure") {
				op.Headers.RollbackOnRuntimeFailure = &rollbackOnRuntime
			}
			if timeout > 0 {
				op.Headers.BlockingTimeout = int(timeout.Seconds())
			}

			var resp *ops.Response
			if local {
				resp, err = a.execLocal(cmd.Context(), op)
			} else {
				resp, err = execRemote(cmd.Context(), server, op)
			}
			if err != nil {
				return err
			}
			if err := printResponse(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.IsSuccess() {
				failed := color.New(color.FgRed, color.Bold)
				failed.Fprintf(cmd.ErrOrStderr(), "%s %s failed: %s\n", op.Address, op.Name, resp.Err())
				return fmt.Errorf("operation %s failed", op.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "http://localhost:9990", "management server URL")
	cmd.Flags().BoolVar(&local, "local", false, "boot the persisted model in-process instead of contacting a server")
	cmd.Flags().BoolVar(&rollbackOnRuntime, "rollback-on-runtime-failure", true, "roll back when a runtime step fails")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "blocking timeout for the operation")
	return cmd
}

// buildOperation assembles an operation from command line arguments.
func buildOperation(addr, name string, params []string) (*ops.Operation, error) {
	pa, err := address.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	op := ops.NewOperation(name, pa)
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected NAME=VALUE", p)
		}
		op.SetParam(k, parseValue(v))
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

func parseValue(s string) *node.Node {
	if node.IsExpressionString(s) {
		return node.Expression(s)
	}
	if n, err := node.FromJSON(s); err == nil {
		return n
	}
	return node.String(s)
}

func execRemote(ctx context.Context, server string, op *ops.Operation) (*ops.Response, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(server, "/") + "/management"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncodings)

	log.Debug().Str("url", url).Str("operation", op.Name).Msg("Posting operation")
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", server, err)
	}
	defer httpResp.Body.Close()

	rc, err := decodeReader(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("unexpected reply from %s (%s): %w", server, httpResp.Status, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxRequestBytes))
	if err != nil {
		return nil, err
	}
	resp := &ops.Response{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("unexpected reply from %s (%s): %w", server, httpResp.Status, err)
	}
	return resp, nil
}

func (a *app) execLocal(ctx context.Context, op *ops.Operation) (*ops.Response, error) {
	s, err := a.settings()
	if err != nil {
		return nil, err
	}
	cfg := s.telemetryConfig(a.version)
	cfg.Metrics.Enabled = false
	cfg.Notifications.EnableAsync = false
	if cfg.Tracing.Exporter == "stdout" {
		cfg.Tracing.Enabled = false
		cfg.Tracing.Exporter = "none"
	}
	tel, err := telemetry.New(cfg)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry(tel)

	rt, err := newRuntime(ctx, s, a.version, tel)
	if err != nil {
		return nil, err
	}
	defer rt.Close(context.Background())
	return rt.ctrl.ExecuteOperation(ctx, op), nil
}

func printResponse(w io.Writer, resp *ops.Response) error {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
