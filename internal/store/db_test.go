package store

import (
	"testing"
)

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/recall.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "users", "chat_messages", "concepts", "mentions",
		"concept_relations", "memories", "message_memories", "cache_entries",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMessageConstraints(t *testing.T) {
	db := testDB(t)

	if _, err := db.Exec(`INSERT INTO users (id, created_at) VALUES ('u1', 1000)`); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO chat_messages (id, user_id, content, channel, timestamp)
		VALUES ('m1', 'u1', 'hi', 'sms', 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO chat_messages (id, user_id, content, channel, timestamp)
		VALUES ('m2', 'u1', 'hi', 'pigeon', 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid channel, got nil")
	}

	_, err = db.Exec(`
		INSERT INTO chat_messages (id, user_id, content, channel, timestamp)
		VALUES ('m3', 'nobody', 'hi', 'chat', 1000)
	`)
	if err == nil {
		t.Error("expected foreign key error for unknown user, got nil")
	}
}

func TestConceptStrengthIsBounded(t *testing.T) {
	db := testDB(t)
	db.Exec(`INSERT INTO users (id, created_at) VALUES ('u1', 1000)`)

	_, err := db.Exec(`
		INSERT INTO concepts (id, user_id, name, activation_strength, last_mentioned)
		VALUES ('c1', 'u1', 'go', 1.5, 1000)
	`)
	if err == nil {
		t.Error("expected check constraint error for activation > 1, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 3", v)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := testDB(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
