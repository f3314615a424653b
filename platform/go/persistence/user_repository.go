package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PlatformScope keys control-plane lockout rows.
const PlatformScope = "platform"

// PlatformUser is a control-plane identity: a non-null platform role and no tenant.
type PlatformUser struct {
	ID           uuid.UUID  `db:"id"`
	Email        string     `db:"email"`
	FullName     string     `db:"full_name"`
	PasswordHash string     `db:"password_hash"`
	PlatformRole string     `db:"platform_role"`
	LastSignInAt *time.Time `db:"last_sign_in_at"`
	LockedUntil  *time.Time `db:"locked_until"`
}

// CreatePlatformUserParams captures the columns accepted on platform user creation.
type CreatePlatformUserParams struct {
	ID           uuid.UUID
	Email        string
	FullName     string
	PasswordHash string
	PlatformRole string
}

// PlatformUserStore exposes persistence helpers for platform_users.
type PlatformUserStore struct {
	q Querier
}

func NewPlatformUserStore(q Querier) *PlatformUserStore {
	if q == nil {
		panic("PlatformUserStore requires querier")
	}
	return &PlatformUserStore{q: q}
}

// Create inserts a platform identity; a taken email maps to ErrConflict.
func (s *PlatformUserStore) Create(ctx context.Context, params CreatePlatformUserParams) (PlatformUser, error) {
	if params.ID == uuid.Nil {
		params.ID = uuid.New()
	}
	if strings.TrimSpace(params.PlatformRole) == "" {
		return PlatformUser{}, errors.New("platform role is required")
	}

	var u PlatformUser
	err := s.q.QueryRow(ctx, `
        INSERT INTO platform_users (id, email, full_name, password_hash, platform_role)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, email, full_name, password_hash, platform_role, last_sign_in_at`,
		params.ID, strings.TrimSpace(params.Email), params.FullName, params.PasswordHash, params.PlatformRole,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.PlatformRole, &u.LastSignInAt)
	if err != nil {
		if isUniqueViolation(err) {
			return PlatformUser{}, fmt.Errorf("%w: platform user %s", ErrConflict, params.Email)
		}
		return PlatformUser{}, fmt.Errorf("create platform user: %w", err)
	}
	return u, nil
}

// FindByEmail returns the platform identity with its lockout state, or ErrNotFound.
func (s *PlatformUserStore) FindByEmail(ctx context.Context, email string) (PlatformUser, error) {
	var u PlatformUser
	err := s.q.QueryRow(ctx, `
        SELECT u.id, u.email, u.full_name, u.password_hash, u.platform_role, u.last_sign_in_at, l.locked_until
        FROM platform_users u
        LEFT JOIN login_lockouts l ON l.scope = $2 AND l.subject = u.id::text
        WHERE LOWER(u.email) = LOWER($1) AND u.platform_role IS NOT NULL AND u.tenant_id IS NULL`,
		strings.TrimSpace(email), PlatformScope,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.PlatformRole, &u.LastSignInAt, &u.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlatformUser{}, ErrNotFound
	}
	if err != nil {
		return PlatformUser{}, fmt.Errorf("find platform user: %w", err)
	}
	return u, nil
}

// MarkSignIn stamps last_sign_in_at.
func (s *PlatformUserStore) MarkSignIn(ctx context.Context, id uuid.UUID) error {
	return markSignIn(ctx, s.q, "platform_users", id)
}

// TenantUser is an identity row inside a tenant database.
type TenantUser struct {
	ID               uuid.UUID  `db:"id"`
	Email            string     `db:"email"`
	FullName         string     `db:"full_name"`
	PasswordHash     string     `db:"password_hash"`
	EmailConfirmed   bool       `db:"email_confirmed"`
	TwoFactorEnabled bool       `db:"two_factor_enabled"`
	LastSignInAt     *time.Time `db:"last_sign_in_at"`
	LockedUntil      *time.Time `db:"locked_until"`
	Roles            []string   `db:"roles"`
}

// TenantProfile is the user_profiles row of a tenant identity.
type TenantProfile struct {
	FullName  string  `json:"fullName"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
	Locale    string  `json:"locale"`
}

// SeedOwnerParams describes the first identity written into a new tenant database.
type SeedOwnerParams struct {
	ID           uuid.UUID
	Email        string
	FullName     string
	PasswordHash string
}

// TenantUserStore exposes identity helpers for one tenant database.
type TenantUserStore struct {
	q Querier
}

func NewTenantUserStore(q Querier) *TenantUserStore {
	if q == nil {
		panic("TenantUserStore requires querier")
	}
	return &TenantUserStore{q: q}
}

// FindByEmail loads the identity, its roles and its lockout state under scope.
// two_factor_enabled is only selected when the tenant schema has the column.
func (s *TenantUserStore) FindByEmail(ctx context.Context, email, scope string, withTwoFactor bool) (TenantUser, error) {
	twoFactor := "FALSE"
	if withTwoFactor {
		twoFactor = "u.two_factor_enabled"
	}

	query := fmt.Sprintf(`
        SELECT u.id, u.email, u.full_name, u.password_hash, u.email_confirmed, %s, u.last_sign_in_at, l.locked_until,
               ARRAY(SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = u.id ORDER BY r.name)
        FROM users u
        LEFT JOIN login_lockouts l ON l.scope = $2 AND l.subject = u.id::text
        WHERE LOWER(u.email) = LOWER($1)`, twoFactor)

	var u TenantUser
	err := s.q.QueryRow(ctx, query, strings.TrimSpace(email), scope).Scan(
		&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.EmailConfirmed, &u.TwoFactorEnabled,
		&u.LastSignInAt, &u.LockedUntil, &u.Roles,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantUser{}, ErrNotFound
	}
	if err != nil {
		return TenantUser{}, fmt.Errorf("find tenant user: %w", err)
	}
	return u, nil
}

// SeedOwner inserts the owner identity and profile and returns the id of the row holding
// the email. An existing row that never signed in is left over from an earlier attempt, so
// it takes the new credentials; a row that has been used is not touched.
func (s *TenantUserStore) SeedOwner(ctx context.Context, params SeedOwnerParams) (uuid.UUID, error) {
	if params.ID == uuid.Nil {
		params.ID = uuid.New()
	}
	email := strings.TrimSpace(params.Email)

	if _, err := s.q.Exec(ctx, `
        INSERT INTO users (id, email, password_hash, full_name)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (LOWER(email)) DO UPDATE
            SET password_hash = EXCLUDED.password_hash,
                full_name     = EXCLUDED.full_name,
                updated_at    = NOW()
            WHERE users.last_sign_in_at IS NULL
              AND users.password_hash IS DISTINCT FROM EXCLUDED.password_hash`,
		params.ID, email, params.PasswordHash, params.FullName); err != nil {
		return uuid.Nil, fmt.Errorf("seed owner: %w", err)
	}

	var id uuid.UUID
	if err := s.q.QueryRow(ctx, `SELECT id FROM users WHERE LOWER(email) = LOWER($1)`, email).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("load seeded owner: %w", err)
	}

	if _, err := s.q.Exec(ctx, `
        INSERT INTO user_profiles (user_id, full_name) VALUES ($1, $2)
        ON CONFLICT (user_id) DO NOTHING`, id, params.FullName); err != nil {
		return uuid.Nil, fmt.Errorf("seed owner profile: %w", err)
	}
	return id, nil
}

// GrantRole assigns a named role; granting it twice is a no-op.
func (s *TenantUserStore) GrantRole(ctx context.Context, userID uuid.UUID, role string) error {
	tag, err := s.q.Exec(ctx, `
        INSERT INTO user_roles (user_id, role_id)
        SELECT $1, id FROM roles WHERE name = $2
        ON CONFLICT (user_id, role_id) DO NOTHING`, userID, role)
	if err != nil {
		return fmt.Errorf("grant role %s: %w", role, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`, role).Scan(&exists); err != nil {
			return fmt.Errorf("check role %s: %w", role, err)
		}
		if !exists {
			return fmt.Errorf("role %s: %w", role, ErrNotFound)
		}
	}
	return nil
}

// ConfirmEmail sets the confirmation flag once; confirmed_at keeps its first value.
func (s *TenantUserStore) ConfirmEmail(ctx context.Context, userID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
        UPDATE users
        SET email_confirmed = TRUE, confirmed_at = COALESCE(confirmed_at, NOW()), updated_at = NOW()
        WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSignIn stamps last_sign_in_at.
func (s *TenantUserStore) MarkSignIn(ctx context.Context, id uuid.UUID) error {
	return markSignIn(ctx, s.q, "users", id)
}

// Profile loads the profile row; a missing row yields an empty profile.
func (s *TenantUserStore) Profile(ctx context.Context, userID uuid.UUID) (TenantProfile, error) {
	var p TenantProfile
	err := s.q.QueryRow(ctx, `
        SELECT full_name, phone, avatar_url, locale FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&p.FullName, &p.Phone, &p.AvatarURL, &p.Locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantProfile{Locale: "en"}, nil
	}
	if err != nil {
		return TenantProfile{}, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// table is one of the two hard-coded identity tables.
func markSignIn(ctx context.Context, q Querier, table string, id uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s SET last_sign_in_at = NOW() WHERE id = $1`, pgx.Identifier{table}.Sanitize())
	tag, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark sign in: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
