package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/database"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/members"
)

// newDBCmd creates `memberclaw db` for schema management.
func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the member database",
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg.Logging, os.Stderr)
			db, _, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database up to date (%s).\n", db.Backend)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show backend and schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := database.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			m := database.NewMigrator(db, members.Migrations)
			current, err := m.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:  %s\n", db.Backend)
			fmt.Fprintf(out, "Schema:   %d of %d\n", current, m.Latest())
			for k, v := range db.Status(ctx) {
				fmt.Fprintf(out, "%-9s %v\n", k+":", v)
			}
			return nil
		},
	}

	cmd.AddCommand(migrate, status)
	return cmd
}
