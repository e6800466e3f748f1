package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_schema.sql", names[0])
	assert.IsIncreasing(t, names)

	schema, err := migrationsFS.ReadFile("migrations/001_schema.sql")
	require.NoError(t, err)
	for _, table := range []string{"tenants", "conversations", "messages"} {
		assert.True(t, strings.Contains(string(schema), "CREATE TABLE IF NOT EXISTS "+table+" "), table)
	}
	assert.Contains(t, names, "002_tenant_domains.sql")
}
