package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand shares: the configuration source and
// the build version.
type app struct {
	v       *viper.Viper
	cfgFile string
	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{v: viper.New(), version: version}
	configure(a.v)

	rootCmd := &cobra.Command{
		Use:   "mgmtd",
		Short: "mgmtd - management model controller",
		Long: `mgmtd serves a hierarchical management model. Every change is an
operation executed as one atomic transaction; remote processes are mounted
into the model and take part in the same two-phase commit.

Configuration is read from flags, MGMTD_* environment variables and an
optional config file (default $HOME/.mgmtd.yaml).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("data", defaultDataDir(), "directory holding the persisted model")
	flags.String("persister", "sqlite", "model persistence (sqlite, yaml, none)")
	for _, name := range []string{"log-level", "log-format", "data", "persister"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newStdioCommand(a))
	rootCmd.AddCommand(newExecCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))

	return rootCmd
}

func (a *app) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.SetConfigName(".mgmtd")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		log.Debug().Str("file", a.v.ConfigFileUsed()).Msg("Using config file")
	}

	if level, err := zerolog.ParseLevel(a.v.GetString("log-level")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "mgmtd"
	}
	return ".mgmtd"
}
