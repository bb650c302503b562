package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "graph: users, chat messages, concepts and their edges",
		SQL: `
CREATE TABLE users (
    id          TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL
);

CREATE TABLE chat_messages (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    content             TEXT NOT NULL,
    channel             TEXT NOT NULL CHECK (channel IN ('sms', 'chat', 'websocket')),
    source_identifier   TEXT,
    is_incoming         INTEGER NOT NULL DEFAULT 0,
    timestamp           INTEGER NOT NULL,
    last_modified       INTEGER,
    modification_reason TEXT,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX idx_messages_user_ts       ON chat_messages(user_id, timestamp);
CREATE INDEX idx_messages_user_modified ON chat_messages(user_id, last_modified);

CREATE TABLE concepts (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    name                TEXT NOT NULL,
    activation_strength REAL NOT NULL CHECK (activation_strength BETWEEN 0 AND 1),
    mention_count       INTEGER NOT NULL DEFAULT 0,
    last_mentioned      INTEGER NOT NULL,
    semantic_weight     REAL NOT NULL DEFAULT 0 CHECK (semantic_weight BETWEEN 0 AND 1),
    version             INTEGER NOT NULL DEFAULT 1,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX idx_concepts_user_activation ON concepts(user_id, activation_strength DESC);

CREATE TABLE mentions (
    message_id  TEXT NOT NULL,
    concept_id  TEXT NOT NULL,
    strength    REAL NOT NULL CHECK (strength BETWEEN 0 AND 1),
    PRIMARY KEY (message_id, concept_id),
    FOREIGN KEY (message_id) REFERENCES chat_messages(id) ON DELETE CASCADE,
    FOREIGN KEY (concept_id) REFERENCES concepts(id) ON DELETE CASCADE
);

CREATE INDEX idx_mentions_concept ON mentions(concept_id);

CREATE TABLE concept_relations (
    from_id              TEXT NOT NULL,
    to_id                TEXT NOT NULL,
    association_strength REAL NOT NULL CHECK (association_strength BETWEEN 0 AND 1),
    updated_at           INTEGER NOT NULL,
    PRIMARY KEY (from_id, to_id),
    FOREIGN KEY (from_id) REFERENCES concepts(id) ON DELETE CASCADE,
    FOREIGN KEY (to_id)   REFERENCES concepts(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     2,
		Description: "memories: episodic consolidation nodes and HAS_MEMORY edges",
		SQL: `
CREATE TABLE memories (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL,
    memory_type            TEXT NOT NULL DEFAULT 'episodic',
    summary                TEXT NOT NULL,
    consolidation_strength REAL NOT NULL CHECK (consolidation_strength BETWEEN 0 AND 1),
    created_at             INTEGER NOT NULL,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX idx_memories_user_created ON memories(user_id, created_at DESC);

CREATE TABLE message_memories (
    message_id             TEXT NOT NULL,
    memory_id              TEXT NOT NULL,
    consolidation_strength REAL NOT NULL CHECK (consolidation_strength BETWEEN 0 AND 1),
    PRIMARY KEY (message_id, memory_id),
    FOREIGN KEY (message_id) REFERENCES chat_messages(id) ON DELETE CASCADE,
    FOREIGN KEY (memory_id)  REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "cache_entries: typed freshness cache",
		SQL: `
CREATE TABLE cache_entries (
    user_id     TEXT NOT NULL,
    data_type   TEXT NOT NULL,
    cache_key   TEXT NOT NULL,
    cache_data  TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, data_type, cache_key)
);

CREATE INDEX idx_cache_expires ON cache_entries(expires_at);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
