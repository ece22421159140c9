package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ehr/pssim/internal/config"
	"github.com/ehr/pssim/internal/platform/db"
	"github.com/ehr/pssim/internal/platform/identity"
	"github.com/ehr/pssim/internal/platform/location"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pssim-server",
		Short: "Primary system simulator with record location routing",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(locationsCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the simulator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <insurantId>",
		Short: "Probe all backend candidates for one insurant and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := rt.discoverer.Discover(ctx, identity.InsurantID(args[0]))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("record location not resolved: %s", out.StatusMessage)
			}
			return nil
		},
	}
}

func locationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locations",
		Short: "List record locations persisted in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.LocationStore == config.StoreMemory {
				return fmt.Errorf("LOCATION_STORE is %q, nothing is persisted", config.StoreMemory)
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries := rt.cache.All()
			ids := make([]string, 0, len(entries))
			for id := range entries {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %s\n", "INSURANT", "LOCATION")
			for _, id := range ids {
				fmt.Fprintf(w, "%-20s %s\n", id, entries[identity.InsurantID(id)])
			}
			fmt.Fprintf(w, "%d location(s) from %s store\n", len(ids), cfg.LocationStore)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the record location table",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := newMigrator()
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := newMigrator()
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func newMigrator() (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(context.Background(), poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	sub, err := fs.Sub(location.Migrations, "migrations")
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return db.NewMigrator(pool, sub), pool.Close, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
