package persistence

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// ControlPlane is the registry key of the platform database. It can never pass
// ValidateDatabaseName, so a tenant name cannot collide with it.
const ControlPlane = "$control"

var (
	databaseNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

	// ErrInvalidDatabaseName is returned for names outside the tenant database allow-list.
	ErrInvalidDatabaseName = errors.New("invalid database name")
)

// ValidateDatabaseName is the allow-list every tenant database name passes before it
// reaches a pool config or a DDL statement.
func ValidateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidDatabaseName, name, databaseNamePattern.String())
	}
	return nil
}

// CreateDatabaseStatement returns the CREATE DATABASE statement for a validated name.
func CreateDatabaseStatement(name string) (string, error) {
	if err := ValidateDatabaseName(name); err != nil {
		return "", err
	}
	return "CREATE DATABASE " + pgx.Identifier{name}.Sanitize(), nil
}
