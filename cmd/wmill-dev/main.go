// Command wmill-dev runs the local development bridge for a raw app and
// manages its pending SQL migrations from the terminal.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/windmill-labs/windmill-sub006/internal/config"
	"github.com/windmill-labs/windmill-sub006/internal/logging"
	"github.com/windmill-labs/windmill-sub006/internal/remote"
)

var (
	v         = config.New()
	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "wmill-dev",
	Short: "Local development bridge for Windmill raw apps",
	Long: `wmill-dev connects an app running on your machine to a Windmill workspace.

It serves a WebSocket bridge the app uses to run its backend runnables,
keeps wmill.d.ts in sync with the runnables' parameters, and walks you
through the SQL migrations dropped into sql_to_apply/.

Settings come from flags, WMILL_* environment variables (for example
WMILL_REMOTE_TOKEN), an optional wmill-dev.yaml, and defaults, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")

		c, err := config.Load(v, configFile, v.GetString("app.dir"), ".")
		if err != nil {
			return err
		}
		cfg = c

		l, closer, err := logging.New(logging.Config{Level: c.Log.Level, File: c.Log.File})
		if err != nil {
			return err
		}
		logger, logCloser = l, closer

		if file := config.ConfigFile(v); file != "" {
			logger.Debug().Str("file", file).Msg("Loaded config")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: wmill-dev.yaml in the app directory)")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	flags.String("log-file", "", "Also write JSON logs to this file, rotated")
	flags.String("base-url", "", "Windmill base URL")
	flags.String("workspace", "", "Workspace id")
	flags.String("token", "", "API token")
	flags.StringP("dir", "d", ".", "App directory")

	for key, flag := range map[string]string{
		"log.level":        "log-level",
		"log.file":         "log-file",
		"remote.base_url":  "base-url",
		"remote.workspace": "workspace",
		"remote.token":     "token",
		"app.dir":          "dir",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "dev", Title: "Development:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// appFile resolves a configured path against the app directory.
func appFile(path string) string {
	if path == "" || path == "-" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.App.Dir, path)
}

func newRemoteClient() (*remote.Client, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	client, err := remote.New(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Workspace: cfg.Remote.Workspace,
		Token:     cfg.Remote.Token,
		Timeout:   cfg.Remote.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	return client, nil
}
