package migration

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsCoverModels(t *testing.T) {
	var script strings.Builder
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/"+entry.Name())
		require.NoError(t, err)
		script.Write(raw)
	}

	for _, model := range Models() {
		table := model.(interface{ TableName() string }).TableName()
		assert.Contains(t, script.String(), "CREATE TABLE IF NOT EXISTS "+table+" ", table)
	}
}

func TestAutoMigrateSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(conn))
	for _, table := range []string{"services", "pay_logs", "refunds", "ledger_transfers", "audit_logs"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}

	assert.Error(t, AutoMigrate(nil))
	assert.Error(t, RunMigrations(nil))
}
