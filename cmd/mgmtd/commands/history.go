package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mgmtd/pkg/persistence"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List persisted model versions",
		Long: `List the model versions kept by the SQLite persister, newest first.
Every committed transaction that changed persistent configuration adds one
version.`,
		Example: `  mgmtd history --limit 5
  mgmtd history show 42 > model.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHistory(cmd.Context(), func(p *persistence.SQLitePersister) error {
				versions, err := p.ListVersions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printVersions(cmd.OutOrStdout(), versions)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of versions to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print a model version as a boot document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version id %q", args[0])
			}
			return a.withHistory(cmd.Context(), func(p *persistence.SQLitePersister) error {
				list, err := p.LoadVersion(cmd.Context(), id)
				if err != nil {
					return err
				}
				data, err := persistence.EncodeBootDocument(list)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	})
	return cmd
}

func (a *app) withHistory(ctx context.Context, fn func(*persistence.SQLitePersister) error) error {
	s, err := a.settings()
	if err != nil {
		return err
	}
	if s.Persister != "sqlite" {
		return fmt.Errorf("history needs the sqlite persister, configured: %s", s.Persister)
	}
	p, err := openSQLite(ctx, s, a.version, telemetry.NewNopLogger())
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

func printVersions(out io.Writer, versions []persistence.Version) error {
	if len(versions) == 0 {
		_, err := fmt.Fprintln(out, "No versions stored.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tWRITTEN BY\tOPERATIONS\tAFFECTED")
	// The marker sits in the last cell, which tabwriter does not align.
	current := color.New(color.FgGreen).Sprint("(current)")
	for i, v := range versions {
		affected := summarizeAffected(v.Affected)
		if i == 0 {
			affected += " " + current
		}
		release := v.Release
		if release == "" {
			release = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", v.ID, v.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			release, v.Operations, affected)
	}
	return w.Flush()
}

func summarizeAffected(affected []string) string {
	const shown = 3
	if len(affected) == 0 {
		return "-"
	}
	if len(affected) <= shown {
		return strings.Join(affected, ", ")
	}
	return fmt.Sprintf("%s (+%d)", strings.Join(affected[:shown], ", "), len(affected)-shown)
}
