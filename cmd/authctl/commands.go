package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"adminease/internal/bootstrap"
	"adminease/internal/config"
	"adminease/internal/migrations"
	"adminease/internal/rbac"
	"adminease/internal/users"
	"adminease/pkg/logger"
	"adminease/pkg/utils"
)

// runtime builds the collaborators a command needs. Tests swap in
// in-memory versions.
type runtime struct {
	open    func(ctx context.Context) (*bootstrap.App, error)
	migrate func(ctx context.Context) error
}

func defaultRuntime() runtime {
	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load()
		if err != nil {
			return config.Config{}, nil, err
		}
		log := logger.New("authctl", cfg.App.Env)
		slog.SetDefault(log)
		return cfg, log, nil
	}
	return runtime{
		open: func(ctx context.Context) (*bootstrap.App, error) {
			cfg, log, err := load()
			if err != nil {
				return nil, err
			}
			return bootstrap.Open(ctx, cfg, log)
		},
		migrate: func(ctx context.Context) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), cfg.DB.MaxConns)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Up(ctx, db)
		},
	}
}

func newRootCmd(rt runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "authctl",
		Short:         "Operate the adminease auth store",
		Long:          "Maintenance commands for accounts and token records. Configuration is read from the same env vars as the API.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		migrateCommand(rt),
		reapCommand(rt),
		userCommand(rt),
		tokensCommand(rt),
	)
	return cmd
}

func migrateCommand(rt runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func reapCommand(rt runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete token records that are both revoked and expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d token records\n", n)
			return nil
		},
	}
}

func userCommand(rt runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var in users.NewUser
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		Example: `  authctl user add --subject jdoe --email jdoe@example.edu --role TEACHER
  echo "$PASSWORD" | authctl user add --subject jdoe --email jdoe@example.edu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in.Password == "" {
				pw, err := readPassword(cmd)
				if err != nil {
					return err
				}
				in.Password = pw
			}

			app, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			u, err := app.Users.Register(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", u.Subject, u.Role)
			return nil
		},
	}
	add.Flags().StringVar(&in.Subject, "subject", "", "login name")
	add.Flags().StringVar(&in.Email, "email", "", "contact address")
	add.Flags().StringVar(&in.Role, "role", rbac.RoleUser, "account role")
	add.Flags().StringVar(&in.Password, "password", "", "password; read from stdin when empty")
	_ = add.MarkFlagRequired("subject")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

func tokensCommand(rt runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and revoke token records",
	}

	var subject string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke every live session of a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Auth.RevokeAllForSubject(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d token records for %s\n", n, subject)
			return nil
		},
	}
	revoke.Flags().StringVar(&subject, "subject", "", "account whose sessions are revoked")
	_ = revoke.MarkFlagRequired("subject")

	cmd.AddCommand(revoke)
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required (flag or stdin)")
	}
	return pw, nil
}
