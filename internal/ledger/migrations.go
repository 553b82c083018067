package ledger

// migration holds one schema step for the sqlite driver.
type migration struct {
	version int
	sql     string
}

// migrations must stay sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger (
	entity       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	item_id      TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL DEFAULT 0,
	committed_at INTEGER NOT NULL,
	PRIMARY KEY (entity, kind, item_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_committed_at ON ledger(committed_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_ledger_kind_created ON ledger(kind, created_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// postgresSchema is idempotent; postgres deployments are shared and migrate in place.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger (
		entity       TEXT NOT NULL,
		kind         TEXT NOT NULL,
		item_id      TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		author       TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL DEFAULT 0,
		committed_at BIGINT NOT NULL,
		PRIMARY KEY (entity, kind, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_committed_at ON ledger(committed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_kind_created ON ledger(kind, created_at)`,
}
