package tippers

// Schema for the raw sensor database. The service only ever reads
// these tables; the DDL is published for fixtures and local seeding.

const CreateSpacesTableSQL = `
CREATE TABLE IF NOT EXISTS spaces (
    space_id        INTEGER PRIMARY KEY,
    parent_space_id INTEGER REFERENCES spaces(space_id),
    name            TEXT
);`

const CreateSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id INTEGER PRIMARY KEY AUTOINCREMENT,
    space_id   INTEGER NOT NULL,
    device_id  TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time   INTEGER NOT NULL
);`

// CreateIndexesSQL speeds the overlap scans that dominate source
// chunk computation.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_spaces_parent ON spaces(parent_space_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_space_time ON sessions(space_id, start_time, end_time);`,
}

// AllSchemaSQL returns the statements to create the raw schema.
func AllSchemaSQL() []string {
	out := []string{CreateSpacesTableSQL, CreateSessionsTableSQL}
	out = append(out, CreateIndexesSQL...)
	return out
}
