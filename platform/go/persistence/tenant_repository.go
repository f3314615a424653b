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

// TenantStatus is the lifecycle state of a tenant directory entry.
type TenantStatus string

const (
	TenantPending   TenantStatus = "pending"
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantCancelled TenantStatus = "cancelled"
)

// IsValid reports whether s is a known tenant status.
func (s TenantStatus) IsValid() bool {
	switch s {
	case TenantPending, TenantActive, TenantSuspended, TenantCancelled:
		return true
	}
	return false
}

// TenantRecord is a row of the control-plane tenants table.
type TenantRecord struct {
	ID               uuid.UUID    `db:"id"`
	Domain           string       `db:"domain"`
	DatabaseName     string       `db:"database_name"`
	CompanyName      string       `db:"company_name"`
	Status           TenantStatus `db:"status"`
	IsActive         bool         `db:"is_active"`
	IsEphemeral      bool         `db:"is_ephemeral"`
	SubscriptionPlan string       `db:"subscription_plan"`
	SchemaVersion    int64        `db:"schema_version"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// OwnerSeed is the control-plane copy of a tenant owner's credentials, kept until finalize.
type OwnerSeed struct {
	TenantID     uuid.UUID `db:"tenant_id"`
	Email        string    `db:"email"`
	FullName     string    `db:"full_name"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

const tenantColumns = `id, domain, database_name, company_name, status, is_active, is_ephemeral,
        subscription_plan, schema_version, created_at, updated_at`

// TenantStore provides access to the tenants and tenant_owner_seeds tables.
type TenantStore struct {
	q Querier
}

// NewTenantStore binds a store to a pool or an open transaction.
func NewTenantStore(q Querier) *TenantStore {
	if q == nil {
		panic("TenantStore requires querier")
	}
	return &TenantStore{q: q}
}

// Create inserts a tenant. A taken domain or database name maps to ErrConflict.
func (s *TenantStore) Create(ctx context.Context, rec TenantRecord) (TenantRecord, error) {
	if rec.ID == uuid.Nil {
		return TenantRecord{}, errors.New("tenant id is required")
	}
	if err := ValidateDatabaseName(rec.DatabaseName); err != nil {
		return TenantRecord{}, err
	}
	if rec.Status == "" {
		rec.Status = TenantPending
	}
	if rec.SubscriptionPlan == "" {
		rec.SubscriptionPlan = "trial"
	}

	row := s.q.QueryRow(ctx, `
        INSERT INTO tenants (id, domain, database_name, company_name, status, is_active, is_ephemeral, subscription_plan)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING `+tenantColumns,
		rec.ID, rec.Domain, rec.DatabaseName, rec.CompanyName, rec.Status,
		rec.Status == TenantActive, rec.IsEphemeral, rec.SubscriptionPlan,
	)

	out, err := scanTenantRecord(row)
	if err != nil {
		return TenantRecord{}, mapConflict(err)
	}
	return out, nil
}

// Get fetches a tenant by id.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	return scanTenantRecord(s.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

// GetByDomain fetches a tenant by case-insensitive domain, in any status.
func (s *TenantStore) GetByDomain(ctx context.Context, domain string) (TenantRecord, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE LOWER(domain) = LOWER($1)`
	return scanTenantRecord(s.q.QueryRow(ctx, query, strings.TrimSpace(domain)))
}

// FindLoginCandidates returns active, non-ephemeral tenants whose domain equals raw,
// equals bare, or starts with bare followed by a dot. bare must already be a
// validated [a-z0-9-] token so it carries no LIKE wildcards.
func (s *TenantStore) FindLoginCandidates(ctx context.Context, raw, bare string) ([]TenantRecord, error) {
	rows, err := s.q.Query(ctx, `
        SELECT `+tenantColumns+`
        FROM tenants
        WHERE status = 'active' AND is_active = TRUE AND is_ephemeral = FALSE
          AND (LOWER(domain) = $1 OR LOWER(domain) = $2 OR LOWER(domain) LIKE $3)
        ORDER BY created_at
        LIMIT 2`,
		strings.ToLower(strings.TrimSpace(raw)), bare, bare+".%",
	)
	if err != nil {
		return nil, fmt.Errorf("find login tenants: %w", err)
	}
	defer rows.Close()

	var records []TenantRecord
	for rows.Next() {
		rec, err := scanTenantRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Activate marks provisioning finished and records the applied schema version.
func (s *TenantStore) Activate(ctx context.Context, id uuid.UUID, schemaVersion int64) error {
	tag, err := s.q.Exec(ctx, `
        UPDATE tenants
        SET status = 'active', is_active = TRUE, schema_version = $2, updated_at = NOW()
        WHERE id = $1`, id, schemaVersion)
	if err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus changes the lifecycle status; is_active follows status.
func (s *TenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	tag, err := s.q.Exec(ctx, `
        UPDATE tenants SET status = $2, is_active = $3, updated_at = NOW() WHERE id = $1`,
		id, status, status == TenantActive)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSchemaVersion records the migration version applied to the tenant database.
func (s *TenantStore) SetSchemaVersion(ctx context.Context, id uuid.UUID, version int64) error {
	tag, err := s.q.Exec(ctx, `UPDATE tenants SET schema_version = $2, updated_at = NOW() WHERE id = $1`, id, version)
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PutOwnerSeed stores or replaces the owner credentials for a pending tenant.
func (s *TenantStore) PutOwnerSeed(ctx context.Context, seed OwnerSeed) error {
	_, err := s.q.Exec(ctx, `
        INSERT INTO tenant_owner_seeds (tenant_id, email, full_name, password_hash)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id) DO UPDATE
        SET email = EXCLUDED.email, full_name = EXCLUDED.full_name, password_hash = EXCLUDED.password_hash`,
		seed.TenantID, seed.Email, seed.FullName, seed.PasswordHash)
	if err != nil {
		return fmt.Errorf("put owner seed: %w", err)
	}
	return nil
}

// GetOwnerSeed returns the pending owner credentials for a tenant.
func (s *TenantStore) GetOwnerSeed(ctx context.Context, tenantID uuid.UUID) (OwnerSeed, error) {
	var seed OwnerSeed
	err := s.q.QueryRow(ctx, `
        SELECT tenant_id, email, full_name, password_hash, created_at
        FROM tenant_owner_seeds WHERE tenant_id = $1`, tenantID,
	).Scan(&seed.TenantID, &seed.Email, &seed.FullName, &seed.PasswordHash, &seed.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return OwnerSeed{}, ErrNotFound
	}
	if err != nil {
		return OwnerSeed{}, fmt.Errorf("get owner seed: %w", err)
	}
	return seed, nil
}

// DeleteOwnerSeed purges the owner credentials; deleting a missing seed is not an error.
func (s *TenantStore) DeleteOwnerSeed(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM tenant_owner_seeds WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete owner seed: %w", err)
	}
	return nil
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	if err := row.Scan(&rec.ID, &rec.Domain, &rec.DatabaseName, &rec.CompanyName, &rec.Status, &rec.IsActive,
		&rec.IsEphemeral, &rec.SubscriptionPlan, &rec.SchemaVersion, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, err
	}
	return rec, nil
}
