package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/dbconn"
	"github.com/sqlguard/sqlguard/internal/migrations"
)

type schemaRunner interface {
	Up(ctx context.Context, db *sql.DB, steps int) (int, error)
	Down(ctx context.Context, db *sql.DB, steps int) (int, error)
	Status(ctx context.Context, db *sql.DB) ([]migrations.Status, error)
}

type openFunc func(ctx context.Context) (*sql.DB, error)

func main() {
	if err := config.LoadDotEnv(os.Getenv("SQLGUARD_ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
		os.Exit(1)
	}
	open := func(ctx context.Context) (*sql.DB, error) {
		cfg, err := config.LoadFromEnv("sqlguard-migrate")
		if err != nil {
			return nil, err
		}
		if cfg.Audit.DSN == "" {
			return nil, fmt.Errorf("SQLGUARD_AUDIT_DSN is required")
		}
		audit := dbconn.AuditConfig(cfg.Audit)
		audit.MaxOpenConns, audit.MaxIdleConns = 2, 2
		return dbconn.Open(ctx, audit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := newRootCommand(migrations.NewRunner(), open)
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqlguard-migrate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(runner schemaRunner, open openFunc) *cobra.Command {
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "sqlguard-migrate",
		Short:         "Manage the sqlguard audit database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the command")

	withDB := func(fn func(ctx context.Context, cmd *cobra.Command, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			db, err := open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			return fn(ctx, cmd, db)
		}
	}

	var upSteps, downSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB) error {
			n, err := runner.Up(ctx, db, upSteps)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		}),
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "migrations to apply; 0 applies all pending")

	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the newest applied migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB) error {
			n, err := runner.Down(ctx, db, downSteps)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", n)
			return nil
		}),
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "migrations to revert")

	var asJSON bool
	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: withDB(func(ctx context.Context, cmd *cobra.Command, db *sql.DB) error {
			statuses, err := runner.Status(ctx, db)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			return printStatus(cmd.OutOrStdout(), statuses)
		}),
	}
	status.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")

	root.AddCommand(up, down, status)
	return root
}

func printStatus(out io.Writer, statuses []migrations.Status) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, s := range statuses {
		state, appliedAt := "pending", "-"
		if s.Applied {
			state = "applied"
			appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		if s.Drifted {
			state = "drifted"
		}
		_, _ = fmt.Fprintf(w, "%06d\t%s\t%s\t%s\n", s.Version, s.Name, state, appliedAt)
	}
	return w.Flush()
}
