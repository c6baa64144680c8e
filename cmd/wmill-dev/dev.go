package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/windmill-labs/windmill-sub006/internal/dev/bridge"
	"github.com/windmill-labs/windmill-sub006/internal/remote"
	"github.com/windmill-labs/windmill-sub006/internal/ui"
)

// MinBackendVersion is the oldest platform release that serves the
// app execution and update stream endpoints the bridge relies on.
const MinBackendVersion = "v1.500.0"

var devCmd = &cobra.Command{
	Use:     "dev",
	GroupID: "dev",
	Short:   "Run the development bridge for the app in --dir",
	Long: `Start the WebSocket bridge between a locally running app and the workspace.

The app sends its backend calls to ws://<host>:<port>/ws. The bridge runs
them as jobs in the workspace and relays results and streamed output back.

While running, wmill-dev also:
- regenerates wmill.d.ts when files under backend/ change
- presents new .sql files under sql_to_apply/ to the app for review

Example usage:
  wmill-dev dev --workspace demo                 # Serve on localhost:4000
  wmill-dev dev --port 4100 --dir ./apps/crm     # Another port and app`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDev(cmd.Context())
	},
}

func init() {
	devCmd.Flags().String("host", "localhost", "Host to bind")
	devCmd.Flags().IntP("port", "p", 4000, "Port to listen on")
	_ = v.BindPFlag("server.host", devCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", devCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(devCmd)
}

func runDev(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	api, err := newRemoteClient()
	if err != nil {
		return err
	}

	checkBackendVersion(ctx, api)

	session, err := bridge.NewSession(api, bridge.SessionConfig{
		AppDir:            cfg.App.Dir,
		RunnablesDir:      cfg.App.RunnablesDir,
		MigrationsDir:     cfg.App.MigrationsDir,
		TypesFile:         cfg.App.TypesFile,
		AppPath:           cfg.App.Path,
		Datatable:         cfg.App.Datatable,
		LedgerPath:        cfg.App.Ledger,
		MigrationDebounce: cfg.Timing.MigrationDebounce,
		InitialScanDelay:  cfg.Timing.InitialScanDelay,
		SchemaDebounce:    cfg.Timing.SchemaDebounce,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	server := bridge.NewServer(session, bridge.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Logger: logger,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	printer := ui.NewPrinter(os.Stdout)
	printer.Banner([][2]string{
		{"App", session.Jobs().AppPath()},
		{"Directory", session.AppDir()},
		{"Workspace", cfg.Remote.Workspace + " @ " + cfg.Remote.BaseURL},
		{"Bridge", "ws://" + server.Addr() + "/ws"},
		{"Health", "http://" + server.Addr() + "/health"},
	})
	printer.Muted("Press Ctrl+C to stop")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()

	<-ctx.Done()

	printer.Muted("Shutting down...")
	if err := server.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	<-done
	return nil
}

// checkBackendVersion warns when the platform is older than the bridge
// supports. Failing to fetch the version is not fatal.
func checkBackendVersion(ctx context.Context, api *remote.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	version, err := api.Version(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not determine platform version")
		return
	}
	ok, err := versionSupported(version)
	switch {
	case err != nil:
		logger.Debug().Str("version", version).Msg("Unrecognized platform version")
	case !ok:
		logger.Warn().Str("version", version).Str("minimum", MinBackendVersion).Msg("Platform is older than wmill-dev supports; some calls may fail")
	default:
		logger.Debug().Str("version", version).Msg("Platform version")
	}
}

func versionSupported(version string) (bool, error) {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return false, fmt.Errorf("invalid version %q", version)
	}
	// "-3-gabc" marks commits after a release, not a pre-release.
	release := strings.TrimSuffix(semver.Canonical(version), semver.Prerelease(version))
	return semver.Compare(release, MinBackendVersion) >= 0, nil
}
