package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/ids"
	"factoryauth.org/internal/migrate"
	"factoryauth.org/internal/store/pg"
)

const migrateTimeout = 60 * time.Second

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}

	run := func(name string, fn func(ctx context.Context, m *migrate.Manager, out io.Writer) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: name + " migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				db, err := opts.openDB(cfg)
				if err != nil {
					return err
				}
				defer db.Close()

				ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
				defer cancel()
				if err := fn(ctx, migrate.NewManager(db, nil, nil), cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("migrate %s: %w", name, err)
				}
				return nil
			},
		}
	}

	cmd.AddCommand(
		run("up", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			if err := m.Up(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "migrations applied")
			return nil
		}),
		run("down", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			if err := m.Down(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "last migration rolled back")
			return nil
		}),
		run("seed", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			if err := m.Seed(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "seeds applied")
			return nil
		}),
		run("status", func(ctx context.Context, m *migrate.Manager, out io.Writer) error {
			rep, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, a := range rep.Applied {
				fmt.Fprintf(out, "applied\t%s\t%s\n", a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
			}
			for _, name := range rep.Pending {
				fmt.Fprintf(out, "pending\t%s\n", name)
			}
			return nil
		}),
	)
	return cmd
}

func newHashPasswordCmd(opts *rootOptions) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash; reads the password from stdin when no argument is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := passwordArg(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if cost == 0 {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				cost = cfg.Auth.BcryptCost
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default from config)")
	return cmd
}

type createAdminOptions struct {
	username   string
	password   string
	department string
}

func newCreateAdminCmd(opts *rootOptions) *cobra.Command {
	in := &createAdminOptions{}
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active root administrator with universal access scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			username := strings.TrimSpace(in.username)
			if username == "" {
				return errors.New("--username is required")
			}
			if len(in.password) < cfg.Auth.MinPasswordLength {
				return fmt.Errorf("password must be at least %d characters", cfg.Auth.MinPasswordLength)
			}
			hash, err := auth.HashPassword(in.password, cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}

			db, err := opts.openDB(cfg)
			if err != nil {
				return err
			}
			store := pg.New(db)
			defer store.Close()

			user := &auth.User{
				ID:           ids.New(),
				Username:     username,
				PasswordHash: hash,
				Status:       auth.StatusActive,
				RootAdmin:    true,
				AccessScope:  auth.ScopeUniversal,
				Department:   in.department,
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := store.CreateUser(ctx, user); err != nil {
				if errors.Is(err, auth.ErrConflict) {
					return fmt.Errorf("username %q already exists", username)
				}
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created root administrator %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.username, "username", "", "login name")
	cmd.Flags().StringVar(&in.password, "password", "", "initial password")
	cmd.Flags().StringVar(&in.department, "department", "IT", "department")
	return cmd
}

func passwordArg(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is empty")
	}
	return line, nil
}
