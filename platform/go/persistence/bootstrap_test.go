package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("CREATE TABLE a (id INT);\n\n  CREATE INDEX b ON a (id) ;\n")
	require.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX b ON a (id)"}, got)

	require.Empty(t, splitStatements(" ;\n; "))
}
