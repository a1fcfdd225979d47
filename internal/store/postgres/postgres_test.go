package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/diverge?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "diverge", User: "bot", Password: "pw"}))
	assert.Equal(t, "postgres://bot:p%40ss%2Fword@db:5433/diverge?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 5433, Database: "diverge", User: "bot", Password: "p@ss/word", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	sql := string(data)
	for _, table := range []string{"instruments", "strategies", "positions", "executions", "audit_log"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, sql, "UNIQUE (fill_id, trade_id)")
}

func TestMigrationFilesSorted(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestAuditListArgs(t *testing.T) {
	args := auditListArgs(domain.ListOpts{})
	require.Len(t, args, 4)
	assert.Nil(t, args[0].(*time.Time))
	assert.Nil(t, args[2].(*int))
	assert.Equal(t, 0, args[3])

	since := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	args = auditListArgs(domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, since, *args[0].(*time.Time))
	assert.Equal(t, 10, *args[2].(*int))
	assert.Equal(t, 20, args[3])
}

func TestStoresSatisfyDomainInterfaces(t *testing.T) {
	var (
		_ domain.InstrumentStore = (*InstrumentStore)(nil)
		_ domain.StrategyStore   = (*StrategyStore)(nil)
		_ domain.PositionStore   = (*PositionStore)(nil)
		_ domain.ExecutionStore  = (*ExecutionStore)(nil)
		_ domain.AuditStore      = (*AuditStore)(nil)
	)
}
