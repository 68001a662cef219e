package migration

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		input   string
		want    DatabaseType
		wantErr bool
	}{
		{"postgres", DatabaseTypePostgres, false},
		{"PostgreSQL", DatabaseTypePostgres, false},
		{"pg", DatabaseTypePostgres, false},
		{"mariadb", DatabaseTypeMySQL, false},
		{"sqlite3", DatabaseTypeSQLite, false},
		{"mongodb", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildDatabaseURL(t *testing.T) {
	assert.Equal(t,
		"postgres://coord:secret@db:5432/coord?sslmode=require",
		BuildDatabaseURL(DatabaseTypePostgres, "db", 5432, "coord", "coord", "secret", ""))
	assert.Equal(t,
		"coord:secret@tcp(db:3306)/coord?parseTime=true&multiStatements=true",
		BuildDatabaseURL(DatabaseTypeMySQL, "db", 3306, "coord", "coord", "secret", "disable"))
	assert.Equal(t,
		"file:/var/lib/coord.db?mode=rwc",
		BuildDatabaseURL(DatabaseTypeSQLite, "", 0, "/var/lib/coord.db", "", "", ""))
	assert.Empty(t, BuildDatabaseURL("oracle", "db", 1521, "coord", "", "", ""))
}

func TestAvailableMigrations(t *testing.T) {
	for _, dt := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dt), func(t *testing.T) {
			files, err := AvailableMigrations(dt)
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, File{Version: 1, Name: "create_coord_records"}, files[0])
			assert.Equal(t, File{Version: 2, Name: "create_coord_context_versions"}, files[1])
		})
	}

	_, err := AvailableMigrations("oracle")
	assert.Error(t, err)
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypeSQLite})
	assert.Error(t, err)

	_, err = NewMigratorFromURL("oracle", "whatever", nil)
	assert.Error(t, err)

	_, err = NewMigratorFromConfig(config.DatabaseConfig{Driver: "cassandra"}, nil)
	assert.Error(t, err)
}

func newSQLiteMigrator(t *testing.T) (*DefaultMigrator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coord.db")
	m, err := NewMigratorFromConfig(config.DatabaseConfig{Driver: "sqlite", Name: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func tableExists(t *testing.T, path, table string) bool {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	require.NoError(t, err)
	defer db.Close()
	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrator_SQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	m, path := newSQLiteMigrator(t)

	v, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	require.NoError(t, m.Up(ctx))
	// 重复执行无变更不报错
	require.NoError(t, m.Up(ctx))
	assert.True(t, tableExists(t, path, "coord_records"))
	assert.True(t, tableExists(t, path, "coord_context_versions"))

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, &MigrationInfo{CurrentVersion: 2, TotalMigrations: 2, AppliedMigrations: 2}, info)

	require.NoError(t, m.Down(ctx))
	v, _, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, tableExists(t, path, "coord_context_versions"))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, m.DownAll(ctx))
	assert.False(t, tableExists(t, path, "coord_records"))
}

func TestMigrator_CancelledContext(t *testing.T) {
	m, _ := newSQLiteMigrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Up(ctx), context.Canceled)
}

func TestCLI_Run(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLiteMigrator(t)
	var out bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&out)

	require.NoError(t, cli.Run(ctx, []string{"version"}))
	assert.Contains(t, out.String(), "No migrations applied yet.")

	out.Reset()
	require.NoError(t, cli.Run(ctx, []string{"up"}))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, cli.Run(ctx, []string{"status"}))
	assert.Contains(t, out.String(), "create_coord_records")
	assert.Contains(t, out.String(), "Total: 2, Applied: 2, Pending: 0")

	out.Reset()
	require.NoError(t, cli.Run(ctx, []string{"goto", "1"}))
	require.NoError(t, cli.Run(ctx, []string{"info"}))
	assert.Contains(t, out.String(), "Pending Migrations: 1")

	for _, args := range [][]string{nil, {"sideways"}, {"steps"}, {"steps", "x"}, {"goto", "-1"}} {
		assert.ErrorIs(t, cli.Run(ctx, args), ErrUsage, "args %v", args)
	}
}
