package sqlassets

import "embed"

// Control-plane bootstrap DDL, applied in this order by persistence.BootstrapControlPlane.

//go:embed schema/platform/tenants.sql
var TenantsSQL string

//go:embed schema/platform/provisioning_jobs.sql
var ProvisioningJobsSQL string

//go:embed schema/platform/platform_users.sql
var PlatformUsersSQL string

//go:embed schema/platform/login_attempts.sql
var LoginAttemptsSQL string

// TenantMigrations holds the golang-migrate files applied to every tenant database.
//
//go:embed migrations/tenant/*.sql
var TenantMigrations embed.FS

// TenantMigrationsDir is the TenantMigrations sub-directory holding the migration files.
const TenantMigrationsDir = "migrations/tenant"
