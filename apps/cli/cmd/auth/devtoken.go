package auth

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-agency/platform/go/auth/devtoken"
)

func devTokenCommand() *cobra.Command {
	var params devtoken.Params

	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Generate a signed HS256 session token for dev/local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := devtoken.Build(params, time.Now().UTC())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	// Required claims
	cmd.Flags().StringVar(&params.UserID, "user-id", "", "sub claim")
	cmd.Flags().StringVar(&params.Email, "email", "", "email claim")

	// Scope
	cmd.Flags().BoolVar(&params.Platform, "platform", false, "issue a platform-scope token instead of a tenant one")
	cmd.Flags().StringVar(&params.TenantID, "tenant-id", "", "tenantId claim (tenant scope)")
	cmd.Flags().StringVar(&params.DatabaseName, "database", "", "db claim (required for tenant scope)")
	cmd.Flags().StringSliceVar(&params.Roles, "roles", nil, "roles claim (comma-separated); platform tokens default to super_admin")

	// Signing
	cmd.Flags().StringVar(&params.Secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret shared with the api (defaults to $JWT_SECRET)")
	cmd.Flags().StringVar(&params.Issuer, "issuer", "", "override iss; defaults to the api issuer")
	cmd.Flags().DurationVar(&params.ExpiresIn, "expires-in", time.Hour, "token lifetime (e.g. 30m, 2h)")

	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
