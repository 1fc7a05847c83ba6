package cache

// schema contains the SQL statements to create the cache database schema.
const schema = `
-- Artifacts table
CREATE TABLE IF NOT EXISTS artifacts (
    module    TEXT NOT NULL,
    kind      TEXT NOT NULL,
    name      TEXT NOT NULL,
    data      BLOB NOT NULL,
    size      INTEGER NOT NULL,
    stored_at TEXT NOT NULL,
    PRIMARY KEY (module, kind, name)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_module ON artifacts(module);
CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);

-- Metadata table for cache info
CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT
);
`
