package persistence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDatabaseName(t *testing.T) {
	t.Parallel()

	valid := []string{"tenant_acme", "t", "tenant_" + strings.Repeat("a", 56), "platform2"}
	for _, name := range valid {
		require.NoError(t, ValidateDatabaseName(name), name)
	}

	invalid := []string{
		"",
		ControlPlane,
		"Tenant_acme",
		"tenant-acme",
		"_tenant",
		"9tenant",
		`tenant"; DROP DATABASE platform; --`,
		"tenant acme",
		strings.Repeat("a", 64),
	}
	for _, name := range invalid {
		require.ErrorIs(t, ValidateDatabaseName(name), ErrInvalidDatabaseName, name)
	}
}

func TestCreateDatabaseStatement(t *testing.T) {
	t.Parallel()

	stmt, err := CreateDatabaseStatement("tenant_acme")
	require.NoError(t, err)
	require.Equal(t, `CREATE DATABASE "tenant_acme"`, stmt)

	_, err = CreateDatabaseStatement(`acme" WITH OWNER evil`)
	require.ErrorIs(t, err, ErrInvalidDatabaseName)
}
