package chunkstore

// SQL schema for the chunk registry database. The chunks table is the
// memoization ledger: one row per (space, interval, window), keyed so
// that identical work planned by different datasets collides on the
// same row. The datasets table holds the request handles users poll.

const CreateChunksTableSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    space_id         INTEGER NOT NULL,
    interval_seconds INTEGER NOT NULL,
    chunk_start      INTEGER NOT NULL,
    chunk_end        INTEGER NOT NULL,
    role             TEXT NOT NULL CHECK (role IN ('SOURCE', 'DERIVED')),
    status           TEXT NOT NULL DEFAULT 'PENDING'
                     CHECK (status IN ('PENDING', 'RUNNING', 'COMPLETED', 'FAILED')),
    job_id           TEXT,
    object_path      TEXT,
    row_count        INTEGER NOT NULL DEFAULT 0,
    error            TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    completed_at     INTEGER,
    PRIMARY KEY (space_id, interval_seconds, chunk_start, chunk_end)
);`

const CreateDatasetsTableSQL = `
CREATE TABLE IF NOT EXISTS datasets (
    dataset_id       TEXT PRIMARY KEY,
    name             TEXT,
    description      TEXT,
    root_space_id    INTEGER NOT NULL,
    start_time       INTEGER NOT NULL,
    end_time         INTEGER NOT NULL,
    interval_seconds INTEGER NOT NULL,
    chunk_width_days INTEGER NOT NULL,
    status           TEXT NOT NULL DEFAULT 'RUNNING'
                     CHECK (status IN ('RUNNING', 'COMPLETED', 'FAILED')),
    row_count        INTEGER NOT NULL DEFAULT 0,
    error            TEXT,
    created_at       INTEGER NOT NULL,
    completed_at     INTEGER
);`

// CreateChunksIndexesSQL covers the scheduler's dispatch scans.
// Partial indexes keep them small: most rows settle into COMPLETED and
// drop out of every dispatch query.
var CreateChunksIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_chunks_pending_source
	 ON chunks(created_at) WHERE status = 'PENDING' AND role = 'SOURCE';`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_pending_derived
	 ON chunks(created_at) WHERE status = 'PENDING' AND role = 'DERIVED';`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_running
	 ON chunks(updated_at) WHERE status = 'RUNNING';`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_completed
	 ON chunks(object_path) WHERE status = 'COMPLETED';`,
	`CREATE INDEX IF NOT EXISTS idx_datasets_created ON datasets(created_at);`,
}

// AllSchemaSQL returns all statements needed to initialize a registry
// database.
func AllSchemaSQL() []string {
	out := []string{CreateChunksTableSQL, CreateDatasetsTableSQL}
	out = append(out, CreateChunksIndexesSQL...)
	return out
}
