package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-agency/apps/cli/cmd/cmdutil"
	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/requesttrace"
)

// Notes/constraints:
// - Every control-plane DDL statement is idempotent, so the command is safe to re-run.
// - The optional platform admin is created only when --admin-email is set; its password is read from stdin.
// - An existing admin with the same email is left untouched.

// Command groups bootstrap helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap platform resources (control-plane tables, first platform admin)",
	}

	cmd.AddCommand(controlPlaneCommand())
	return cmd
}

func controlPlaneCommand() *cobra.Command {
	var (
		databaseURL   string
		logLevel      string
		adminEmail    string
		adminFullName string
		adminRole     string
	)

	c := &cobra.Command{
		Use:   "control-plane",
		Short: "Create control-plane tables and optionally the first platform admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if adminEmail != "" && !platformauth.IsPlatformRole(adminRole) {
				return fmt.Errorf("unknown platform role %q", adminRole)
			}

			logger, err := cmdutil.Logger(logLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			exec, err := cmdutil.OpenExecutor(ctx, databaseURL, logger)
			if err != nil {
				return fmt.Errorf("init pool registry: %w", err)
			}
			defer exec.Registry().CloseAll()

			if err := persistence.BootstrapControlPlane(ctx, exec); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Control plane ready.")

			if adminEmail == "" {
				return nil
			}

			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			hash, err := platformauth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}

			var admin persistence.PlatformUser
			opts := persistence.ExecOptions{UserContext: requesttrace.System("bootstrap").ActedBy()}
			err = exec.WithTx(ctx, persistence.ControlPlane, opts, func(tx pgx.Tx) error {
				var createErr error
				admin, createErr = persistence.NewPlatformUserStore(tx).Create(ctx, persistence.CreatePlatformUserParams{
					Email:        strings.ToLower(strings.TrimSpace(adminEmail)),
					FullName:     strings.TrimSpace(adminFullName),
					PasswordHash: hash,
					PlatformRole: adminRole,
				})
				return createErr
			})
			if errors.Is(err, persistence.ErrConflict) {
				fmt.Fprintf(cmd.OutOrStdout(), "Platform admin %s already exists; left unchanged.\n", adminEmail)
				return nil
			}
			if err != nil {
				return fmt.Errorf("create platform admin: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Platform admin created: %s (%s, %s)\n", admin.Email, admin.ID, admin.PlatformRole)
			return nil
		},
	}

	cmdutil.DatabaseURLFlag(c, &databaseURL)
	c.Flags().StringVar(&logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	c.Flags().StringVar(&adminEmail, "admin-email", "", "email of the first platform admin (password read from stdin)")
	c.Flags().StringVar(&adminFullName, "admin-full-name", "", "full name of the first platform admin")
	c.Flags().StringVar(&adminRole, "admin-role", platformauth.RoleSuperAdmin, "platform role of the first admin")

	return c
}

func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read admin password from stdin: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("admin password must not be empty")
	}
	return password, nil
}
