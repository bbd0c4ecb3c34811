// Package cli implements the mlsvault command line tool: create and
// inspect encrypted stores from a terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"mlsvault/internal/config"
	logpkg "mlsvault/internal/log"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type globalFlags struct {
	ConfigPath string
	LogLevel   string
}

type commandDeps struct {
	out     io.Writer
	globals *globalFlags
}

// loadRuntime resolves the effective config and logger for one command
// invocation.
func (d commandDeps) loadRuntime() (config.Config, *slog.Logger, error) {
	path := d.globals.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}

	level := cfg.Logging.Level
	if d.globals.LogLevel != "" {
		level = d.globals.LogLevel
	}
	logger, err := logpkg.New(logpkg.Options{
		Level:     level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &globalFlags{}
	deps := commandDeps{out: out, globals: globals}

	cmd := &cobra.Command{
		Use:           "mlsvault",
		Short:         "Encrypted storage for secure group messaging state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "Config file path")
	cmd.PersistentFlags().StringVar(&globals.LogLevel, "log-level", "", "Override configured log level")

	cmd.AddCommand(newInitCommand(deps))
	cmd.AddCommand(newStatusCommand(deps))
	cmd.AddCommand(newVersionCommand(out, build))
	cmd.InitDefaultCompletionCmd()
	return cmd
}

func newVersionCommand(out io.Writer, build BuildInfo) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(build)
			}

			_, err := fmt.Fprintf(out, "version=%s commit=%s build_time=%s\n", build.Version, build.Commit, build.BuildTime)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version as JSON")
	return cmd
}
