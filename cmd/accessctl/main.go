// Command accessctl is the operator tool for the access-control service:
// schema migrations, seed data and bootstrap of the first root administrator.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"factoryauth.org/internal/config"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "accessctl:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	dsn        string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Operate the factory access-control service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("FACTORYAUTH_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (overrides config)")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newHashPasswordCmd(opts))
	root.AddCommand(newCreateAdminCmd(opts))
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.dsn) != "" {
		cfg.Database.DSN = o.dsn
	}
	return cfg, nil
}

func (o *rootOptions) openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database dsn is required: set --dsn or FACTORYAUTH_PG_DSN")
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}
