package auth

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
)

func hashPasswordCommand() *cobra.Command {
	var (
		scheme     string
		bcryptCost int
	)

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin (argon2id by default)",
		Long:  "Reads one line from stdin and prints a hash accepted by the login resolver. Use --scheme bcrypt for legacy-compatible hashes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			plain := strings.TrimRight(line, "\r\n")
			if plain == "" {
				return errors.New("password must not be empty")
			}

			var hash string
			switch scheme {
			case "argon2id":
				hash, err = platformauth.HashPassword(plain)
			case "bcrypt":
				var raw []byte
				raw, err = bcrypt.GenerateFromPassword([]byte(plain), bcryptCost)
				hash = string(raw)
			default:
				return fmt.Errorf("unknown scheme %q (use argon2id or bcrypt)", scheme)
			}
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", "argon2id", "hash scheme: argon2id or bcrypt")
	cmd.Flags().IntVar(&bcryptCost, "bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost factor")

	return cmd
}
