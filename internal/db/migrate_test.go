package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesLedgerTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{"settings", "users", "ai_user_access", "ai_usage_logs", "audit_logs"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	for _, column := range []string{"event_id", "user_id", "tokens_used", "cost_micros", "duration_ms", "error_message", "logged_at"} {
		if !conn.Migrator().HasColumn("ai_usage_logs", column) {
			t.Fatalf("ai_usage_logs missing column %s", column)
		}
	}
	if !conn.Migrator().HasIndex("ai_usage_logs", "idx_ai_usage_user_ts") {
		t.Fatalf("ai_usage_logs missing user/timestamp index")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	for i := 0; i < 2; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate run %d: %v", i+1, errMigrate)
		}
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{dsn: "postgres://u:p@localhost:5432/taskhive", want: DialectPostgres},
		{dsn: "host=localhost user=taskhive dbname=taskhive sslmode=disable", want: DialectPostgres},
		{dsn: "file:data/taskhive.db", want: DialectSQLite},
		{dsn: "sqlite://data/taskhive.db", want: DialectSQLite},
		{dsn: ":memory:", want: DialectSQLite},
	}
	for _, tc := range cases {
		got, err := detectDialectFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("detect %q: %v", tc.dsn, err)
		}
		if got != tc.want {
			t.Fatalf("detect %q: expected %s, got %s", tc.dsn, tc.want, got)
		}
	}
	if _, err := detectDialectFromDSN("mysql://root@localhost/db"); err == nil {
		t.Fatalf("expected error for mysql dsn")
	}
}

func TestSQLitePathFromDSN(t *testing.T) {
	cases := map[string]string{
		"file:data/taskhive.db?_busy_timeout=5000": "data/taskhive.db",
		"file::memory:":                        "",
		"file:ledger?mode=memory&cache=shared": "",
		":memory:":                             "",
		"data/taskhive.db":                     "data/taskhive.db",
	}
	for dsn, want := range cases {
		if got := sqlitePathFromDSN(dsn); got != want {
			t.Fatalf("path for %q: expected %q, got %q", dsn, want, got)
		}
	}
}

func TestOpenInMemorySQLite(t *testing.T) {
	conn, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !IsSQLite(conn) {
		t.Fatalf("expected sqlite dialect, got %q", DialectName(conn))
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
}
