package auth

import "github.com/spf13/cobra"

// Command groups authentication helpers (dev tokens, password hashes).
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication utilities",
		Long:  "Authentication utilities (signed dev session tokens, password hashes for seeded identities).",
	}

	cmd.AddCommand(devTokenCommand())
	cmd.AddCommand(hashPasswordCommand())

	return cmd
}
