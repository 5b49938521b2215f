package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomclaw/internal/config"
	"github.com/nextlevelbuilder/roomclaw/internal/store/pg"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("ROOMCLAW_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// ./migrations next to the binary, else relative to the working directory.
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "migrations")
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return "migrations"
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	dir := resolveMigrationsDir()
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func resolveDSN() (string, error) {
	// The DSN is a secret: config.Load fills it from ROOMCLAW_POSTGRES_DSN only.
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return "", errors.New("ROOMCLAW_POSTGRES_DSN is not set; migrate only applies to managed mode")
	}
	return dsn, nil
}

// checkSchema confirms the migrated database answers through the store layer.
func checkSchema(dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var replies int64
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE is_ai_response`).Scan(&replies); err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	slog.Info("schema verified", "assistant_replies", replies)
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema (managed mode)",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: withMigrator(func(m *migrate.Migrate, _ string, _ []string) error {
			if err := m.Steps(-max(steps, 1)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migrate down: %w", err)
			}
			v, dirty, _ := m.Version()
			slog.Info("migrate.rolled_back", "version", v, "dirty", dirty)
			return nil
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations and verify the messages table",
			RunE: withMigrator(func(m *migrate.Migrate, dsn string, _ []string) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate.applied", "version", v, "dirty", dirty)
				return checkSchema(dsn)
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show the schema version",
			RunE: withMigrator(func(m *migrate.Migrate, _ string, _ []string) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Println("version: none")
					return nil
				}
				if err != nil {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Printf("version: %d, dirty: %v\n", v, dirty)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Mark the schema as being at version after a failed migration",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(m *migrate.Migrate, _ string, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				slog.Info("migrate.forced", "version", version)
				return nil
			}),
		},
	)
	return cmd
}

// withMigrator resolves the DSN, opens a migrator and hands both to fn.
func withMigrator(fn func(m *migrate.Migrate, dsn string, args []string) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		dsn, err := resolveDSN()
		if err != nil {
			return err
		}
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m, dsn, args)
	}
}
