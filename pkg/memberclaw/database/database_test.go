package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "nested", "test.db")

	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenSQLite(t *testing.T) {
	db := openTestDB(t)

	if db.Backend != BackendSQLite {
		t.Errorf("backend = %s", db.Backend)
	}
	status := db.Status(context.Background())
	if status["healthy"] != true {
		t.Errorf("expected healthy status, got %v", status)
	}
}

func TestOpenUnsupportedBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "mysql"})
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestMigrator(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	migrations := []Migration{
		{Version: 2, Name: "add_email", SQLite: `ALTER TABLE items ADD COLUMN email TEXT`},
		{Version: 1, Name: "items", SQLite: `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`},
	}
	m := NewMigrator(db, migrations)

	t.Run("fresh database needs migration", func(t *testing.T) {
		needs, err := m.NeedsMigration(ctx)
		if err != nil {
			t.Fatalf("NeedsMigration: %v", err)
		}
		if !needs {
			t.Error("expected pending migrations")
		}
	})

	t.Run("applies in version order", func(t *testing.T) {
		applied, err := m.Up(ctx)
		if err != nil {
			t.Fatalf("Up: %v", err)
		}
		if applied != 2 {
			t.Errorf("applied = %d, want 2", applied)
		}
		version, err := m.CurrentVersion(ctx)
		if err != nil {
			t.Fatalf("CurrentVersion: %v", err)
		}
		if version != 2 {
			t.Errorf("version = %d, want 2", version)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO items (name, email) VALUES ('a', 'a@example.com')`); err != nil {
			t.Errorf("schema not applied: %v", err)
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		applied, err := m.Up(ctx)
		if err != nil {
			t.Fatalf("Up: %v", err)
		}
		if applied != 0 {
			t.Errorf("applied = %d, want 0", applied)
		}
	})
}

func TestRebind(t *testing.T) {
	tests := []struct {
		backend Backend
		in      string
		want    string
	}{
		{BackendSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{BackendPostgreSQL, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{BackendPostgreSQL, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		db := &DB{Backend: tt.backend}
		if got := db.Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) on %s = %q, want %q", tt.in, tt.backend, got, tt.want)
		}
	}
}

func TestBuildPostgreSQLDSN(t *testing.T) {
	got := buildPostgreSQLDSN(PostgreSQLConfig{User: "app", Password: "pw", Database: "members"})
	want := "host=localhost port=5432 user=app password=pw dbname=members sslmode=disable"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}

	if got := buildPostgreSQLDSN(PostgreSQLConfig{DSN: "postgres://x"}); got != "postgres://x" {
		t.Errorf("explicit DSN not used: %q", got)
	}
}
