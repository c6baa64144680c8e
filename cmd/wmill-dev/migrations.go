package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/windmill-labs/windmill-sub006/internal/dev/jobs"
	"github.com/windmill-labs/windmill-sub006/internal/dev/ledger"
	"github.com/windmill-labs/windmill-sub006/internal/dev/migrate"
	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
	"github.com/windmill-labs/windmill-sub006/internal/ui"
)

var migrationsCmd = &cobra.Command{
	Use:     "migrations",
	GroupID: "data",
	Short:   "Review and apply pending SQL migrations",
	Long: `Work with the .sql files waiting in the app's sql_to_apply/ folder.

Files are handled one at a time in name order, the same way the dev bridge
presents them to the app. Every decision is recorded in a local history
(.wmill/dev.db) that "migrations history" reads back.`,
}

var migrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending migration files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := appFile(cfg.App.MigrationsDir)
		files, err := migrate.List(dir)
		if err != nil {
			return err
		}

		printer := ui.NewPrinter(os.Stdout)
		if len(files) == 0 {
			printer.Muted("No pending migrations in %s", dir)
			return nil
		}
		printer.Title(fmt.Sprintf("%d pending migration(s)", len(files)))
		for _, f := range files {
			data, err := os.ReadFile(f.Path)
			if err != nil {
				continue
			}
			printer.Field(f.FileName, truncateSQL(string(data), 60))
		}
		return nil
	},
}

var migrationsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations one at a time",
	Long: `Apply the pending migrations against the app's datatable.

Each file is shown and confirmed before it runs, unless --yes is given.
Applied files are deleted; failed and skipped files stay on disk.

Example usage:
  wmill-dev migrations apply               # Confirm each file
  wmill-dev migrations apply --yes         # Apply everything in order
  wmill-dev migrations apply --datatable analytics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		return runMigrationsApply(cmd.Context(), yes)
	},
}

var migrationsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded migration outcomes",
	Long: `Show applied, skipped and failed migrations, newest first.

--since accepts natural language ("2 hours ago", "yesterday", "last monday")
or a Go duration ("90m").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		file, _ := cmd.Flags().GetString("file")
		outcome, _ := cmd.Flags().GetString("outcome")

		filter := ledger.ListFilter{FileName: file, Outcome: ledger.Outcome(outcome), Limit: limit}
		if outcome != "" && !filter.Outcome.Valid() {
			return fmt.Errorf("unknown outcome %q (want applied, skipped or failed)", outcome)
		}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			filter.Since = t
		}

		path := appFile(cfg.App.Ledger)
		if path == "-" {
			return errors.New("migration history is disabled (app.ledger is \"-\")")
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			ui.NewPrinter(os.Stdout).Muted("No migration history yet")
			return nil
		}
		db, err := ledger.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.List(filter)
		if err != nil {
			return err
		}
		printHistory(ui.NewPrinter(os.Stdout), entries)
		return nil
	},
}

func init() {
	migrationsApplyCmd.Flags().BoolP("yes", "y", false, "Apply without asking")
	migrationsApplyCmd.Flags().String("datatable", "", "Target datatable (default: data.datatable in raw_app.yaml)")
	_ = v.BindPFlag("app.datatable", migrationsApplyCmd.Flags().Lookup("datatable"))

	migrationsHistoryCmd.Flags().String("since", "", "Only show entries after this time")
	migrationsHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum entries to show (0 for all)")
	migrationsHistoryCmd.Flags().String("file", "", "Only show this migration file")
	migrationsHistoryCmd.Flags().String("outcome", "", "Only show applied, skipped or failed")

	migrationsCmd.AddCommand(migrationsListCmd, migrationsApplyCmd, migrationsHistoryCmd)
	rootCmd.AddCommand(migrationsCmd)
}

// parseSince reads a point in time relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

func printHistory(printer *ui.Printer, entries []*ledger.Entry) {
	if len(entries) == 0 {
		printer.Muted("No matching migrations")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-8s %s", e.RecordedAt.Local().Format(time.DateTime), e.Outcome, e.FileName)
		if e.Datatable != "" {
			line += "  → " + e.Datatable
		}
		switch e.Outcome {
		case ledger.OutcomeApplied:
			printer.Success("%s", line)
		case ledger.OutcomeFailed:
			printer.Failure("%s: %s", line, e.Error)
		default:
			printer.Muted("  %s", line)
		}
	}
}

// terminalNotifier reports queue results on the terminal. Presentations
// are read back through Queue.Active.
type terminalNotifier struct {
	printer *ui.Printer
}

func (n *terminalNotifier) Present(p migrate.Presentation) {}

func (n *terminalNotifier) Result(r migrate.Result) {
	if r.Skipped {
		n.printer.Muted("Skipped %s", r.FileName)
		return
	}
	n.printer.Success("Applied %s", r.FileName)
}

type decision string

const (
	decisionApply decision = "apply"
	decisionSkip  decision = "skip"
	decisionStop  decision = "stop"
)

func runMigrationsApply(ctx context.Context, yes bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !yes && !ui.IsTerminal(os.Stdin) {
		return errors.New("stdin is not a terminal; pass --yes to apply without confirmation")
	}

	dir := appFile(cfg.App.MigrationsDir)
	files, err := migrate.List(dir)
	if err != nil {
		return err
	}
	printer := ui.NewPrinter(os.Stdout)
	if len(files) == 0 {
		printer.Muted("No pending migrations in %s", dir)
		return nil
	}

	api, err := newRemoteClient()
	if err != nil {
		return err
	}

	appPath, datatable := cfg.App.Path, cfg.App.Datatable
	if m, err := runnable.ReadManifest(appFile(runnable.ManifestFile)); err == nil {
		if appPath == "" {
			appPath = m.AppPath()
		}
		if datatable == "" {
			datatable = m.Data.Datatable
		}
	}
	if datatable == "" {
		return fmt.Errorf("%w: set data.datatable in raw_app.yaml or pass --datatable", jobs.ErrNoDatatable)
	}

	queueConfig := migrate.Config{Dir: dir, Datatable: datatable, Logger: logger}
	if path := appFile(cfg.App.Ledger); path != "-" {
		db, err := ledger.Open(path)
		if err != nil {
			logger.Warn().Err(err).Msg("Migration history disabled")
		} else {
			defer db.Close()
			queueConfig.Recorder = db
		}
	}

	orchestrator := jobs.New(api, jobs.Config{AppPath: appPath, Logger: logger})
	queue := migrate.New(&terminalNotifier{printer: printer}, orchestrator, queueConfig)
	if _, err := queue.Scan(); err != nil {
		return err
	}

	var applied, failed, skipped int
	for {
		p, ok := queue.Active()
		if !ok {
			break
		}
		printer.Box(fmt.Sprintf("%s → %s", p.FileName, p.Datatable), p.SQL)

		choice := decisionApply
		if !yes {
			choice, err = askDecision(p.FileName)
			if err != nil {
				return err
			}
		}

		switch choice {
		case decisionStop:
			printer.Muted("Stopped; remaining files are left in %s", dir)
			return nil
		case decisionSkip:
			if err := queue.Skip(ctx, p.FileName); err != nil {
				return err
			}
			skipped++
		case decisionApply:
			if err := queue.Apply(ctx, p.FileName, "", ""); err != nil {
				printer.Failure("%s failed: %v", p.FileName, err)
				failed++
				continue
			}
			applied++
		}
	}

	printer.Title(fmt.Sprintf("%d applied, %d skipped, %d failed", applied, skipped, failed))
	if failed > 0 {
		return fmt.Errorf("%d migration(s) failed", failed)
	}
	return nil
}

func askDecision(fileName string) (decision, error) {
	var choice decision
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[decision]().
			Title("Apply " + fileName + "?").
			Options(
				huh.NewOption("Apply", decisionApply),
				huh.NewOption("Skip (keep the file)", decisionSkip),
				huh.NewOption("Stop", decisionStop),
			).
			Value(&choice),
	)).Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return decisionStop, nil
		}
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return choice, nil
}

// truncateSQL shortens long statements for one-line displays.
func truncateSQL(sql string, n int) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) <= n {
		return sql
	}
	return sql[:n-1] + "…"
}
