package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id                TEXT PRIMARY KEY,
	cycle_id          TEXT NOT NULL,
	message_uid       INTEGER NOT NULL,
	message_id_header TEXT NOT NULL DEFAULT '',
	sender            TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	category          INTEGER NOT NULL DEFAULT 0,
	provenance        TEXT NOT NULL DEFAULT '',
	ack_attempted     INTEGER NOT NULL DEFAULT 0 CHECK(ack_attempted IN (0, 1)),
	ack_error         TEXT NOT NULL DEFAULT '',
	forwarded_to      TEXT NOT NULL DEFAULT '',
	forward_error     TEXT NOT NULL DEFAULT '',
	marked_read       INTEGER NOT NULL DEFAULT 0 CHECK(marked_read IN (0, 1)),
	mark_read_error   TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	processed_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_message ON outcomes(message_uid, message_id_header);
CREATE INDEX IF NOT EXISTS idx_outcomes_cycle ON outcomes(cycle_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_outcomes_processed_at
	ON outcomes(processed_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
