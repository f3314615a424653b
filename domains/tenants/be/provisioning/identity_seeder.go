package provisioning

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/requesttrace"
)

// OwnerRole is granted to the first identity of every tenant.
const OwnerRole = "owner"

// Owner is the tenant's first identity. PasswordHash was computed at signup.
type Owner struct {
	Email        string
	FullName     string
	PasswordHash string
}

// TenantIdentitySeeder writes the owner identity into a tenant database.
type TenantIdentitySeeder struct {
	exec *persistence.Executor
	opts persistence.ExecOptions
}

func NewTenantIdentitySeeder(exec *persistence.Executor) *TenantIdentitySeeder {
	if exec == nil {
		panic("identity seeder requires executor")
	}
	return &TenantIdentitySeeder{
		exec: exec,
		opts: persistence.ExecOptions{UserContext: requesttrace.System("provisioner").ActedBy()},
	}
}

// SeedOwner inserts the owner unless the email exists and returns its id either way.
func (s *TenantIdentitySeeder) SeedOwner(ctx context.Context, database string, owner Owner) (uuid.UUID, error) {
	fullName := owner.FullName
	if fullName == "" {
		fullName = owner.Email
	}

	var id uuid.UUID
	err := s.exec.WithTx(ctx, database, s.opts, func(tx pgx.Tx) error {
		var err error
		id, err = persistence.NewTenantUserStore(tx).SeedOwner(ctx, persistence.SeedOwnerParams{
			Email:        owner.Email,
			FullName:     fullName,
			PasswordHash: owner.PasswordHash,
		})
		return err
	})
	return id, err
}

// AssignPermissions grants the owner role and confirms the email.
func (s *TenantIdentitySeeder) AssignPermissions(ctx context.Context, database string, userID uuid.UUID) error {
	return s.exec.WithTx(ctx, database, s.opts, func(tx pgx.Tx) error {
		users := persistence.NewTenantUserStore(tx)
		if err := users.GrantRole(ctx, userID, OwnerRole); err != nil {
			return err
		}
		return users.ConfirmEmail(ctx, userID)
	})
}

var _ IdentitySeeder = (*TenantIdentitySeeder)(nil)
