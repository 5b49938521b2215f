package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSubcommands(t *testing.T) {
	var names []string
	for _, c := range migrateCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "version", "force"}, names)
}

func TestResolveMigrationsDir(t *testing.T) {
	t.Cleanup(func() { migrationsDir = "" })

	t.Setenv("ROOMCLAW_MIGRATIONS_DIR", "/srv/migrations")
	assert.Equal(t, "/srv/migrations", resolveMigrationsDir())

	migrationsDir = "/flag/migrations"
	assert.Equal(t, "/flag/migrations", resolveMigrationsDir())
}

func TestResolveDSNRequiresEnv(t *testing.T) {
	t.Setenv("ROOMCLAW_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("ROOMCLAW_POSTGRES_DSN", "")
	_, err := resolveDSN()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROOMCLAW_POSTGRES_DSN")

	t.Setenv("ROOMCLAW_POSTGRES_DSN", "postgres://localhost/roomclaw")
	dsn, err := resolveDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/roomclaw", dsn)
}
