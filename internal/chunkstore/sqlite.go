package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/egatchal/tippers-services/pkg/types"
)

// SQLiteRegistry implements Registry on a single SQLite file.
type SQLiteRegistry struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewSQLiteRegistry opens (creating if needed) a registry database.
func NewSQLiteRegistry(dbPath string) (*SQLiteRegistry, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("chunkstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkstore: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	r := &SQLiteRegistry{db: db, readDB: readDB, dbPath: dbPath}
	if err := r.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("chunkstore: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes both connections.
func (r *SQLiteRegistry) Close() error {
	rerr := r.readDB.Close()
	werr := r.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// SeedChunks inserts missing rows as PENDING inside one transaction.
// INSERT OR IGNORE makes seeding idempotent and race-safe: two
// planners seeding overlapping windows both succeed, and the row that
// already exists keeps its status.
func (r *SQLiteRegistry) SeedChunks(ctx context.Context, seeds []types.ChunkSeed) (int64, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO chunks
			(space_id, interval_seconds, chunk_start, chunk_end, role, status, row_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', 0, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: prepare seed statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var inserted int64
	for _, s := range seeds {
		res, err := stmt.ExecContext(ctx,
			s.Key.SpaceID, s.Key.IntervalSeconds, s.Key.ChunkStart, s.Key.ChunkEnd,
			string(s.Role), now, now)
		if err != nil {
			return 0, fmt.Errorf("chunkstore: seed %s: %w", s.Key, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chunkstore: commit seed transaction: %w", err)
	}
	return inserted, nil
}

const chunkColumns = `space_id, interval_seconds, chunk_start, chunk_end, role, status,
	job_id, object_path, row_count, error, created_at, updated_at, completed_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*types.Chunk, error) {
	var c types.Chunk
	var jobID, objectPath, errMsg sql.NullString
	var completedAt sql.NullInt64
	err := row.Scan(
		&c.Key.SpaceID, &c.Key.IntervalSeconds, &c.Key.ChunkStart, &c.Key.ChunkEnd,
		&c.Role, &c.Status, &jobID, &objectPath, &c.RowCount, &errMsg,
		&c.CreatedAt, &c.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.JobID = jobID.String
	c.ObjectPath = objectPath.String
	c.Error = errMsg.String
	c.CompletedAt = completedAt.Int64
	return &c, nil
}

// GetChunk returns the row for a key, or nil when no row exists.
func (r *SQLiteRegistry) GetChunk(ctx context.Context, key types.ChunkKey) (*types.Chunk, error) {
	row := r.readDB.QueryRowContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?`,
		key.SpaceID, key.IntervalSeconds, key.ChunkStart, key.ChunkEnd)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: get %s: %w", key, err)
	}
	return c, nil
}

// getChunksBatchSize bounds the row-value IN list per query.
const getChunksBatchSize = 100

// GetChunks resolves keys in batches using row-value IN lists.
func (r *SQLiteRegistry) GetChunks(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkKey]*types.Chunk, error) {
	out := make(map[types.ChunkKey]*types.Chunk, len(keys))
	for i := 0; i < len(keys); i += getChunksBatchSize {
		batch := keys[i:min(i+getChunksBatchSize, len(keys))]
		placeholders := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)*4)
		for j, k := range batch {
			placeholders[j] = "(?, ?, ?, ?)"
			args = append(args, k.SpaceID, k.IntervalSeconds, k.ChunkStart, k.ChunkEnd)
		}
		query := `SELECT ` + chunkColumns + ` FROM chunks
			WHERE (space_id, interval_seconds, chunk_start, chunk_end) IN (VALUES ` +
			strings.Join(placeholders, ", ") + `)`
		rows, err := r.readDB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: batch get: %w", err)
		}
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("chunkstore: scan batch row: %w", err)
			}
			out[c.Key] = c
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chunkstore: iterate batch: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

func (r *SQLiteRegistry) pendingByRole(ctx context.Context, role types.ChunkRole, limit int) ([]*types.Chunk, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE status = 'PENDING' AND role = ?
		ORDER BY created_at ASC LIMIT ?`, string(role), limit)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: pending %s scan: %w", role, err)
	}
	defer rows.Close()

	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: scan pending row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PendingSource returns the oldest PENDING source chunks.
func (r *SQLiteRegistry) PendingSource(ctx context.Context, limit int) ([]*types.Chunk, error) {
	return r.pendingByRole(ctx, types.RoleSource, limit)
}

// PendingDerived returns the oldest PENDING derived chunks.
func (r *SQLiteRegistry) PendingDerived(ctx context.Context, limit int) ([]*types.Chunk, error) {
	return r.pendingByRole(ctx, types.RoleDerived, limit)
}

// transition runs a guarded UPDATE and maps a zero row count to
// ErrStatusConflict. The WHERE status guard is what makes transitions
// safe under concurrent schedulers: the UPDATE is atomic and only one
// caller observes RowsAffected == 1.
func (r *SQLiteRegistry) transition(ctx context.Context, query string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("chunkstore: status transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chunkstore: status transition rows: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkRunning claims a PENDING chunk for jobID.
func (r *SQLiteRegistry) MarkRunning(ctx context.Context, key types.ChunkKey, jobID string) error {
	return r.transition(ctx, `
		UPDATE chunks SET status = 'RUNNING', job_id = ?, error = NULL, updated_at = ?
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?
		  AND status = 'PENDING'`,
		jobID, time.Now().Unix(),
		key.SpaceID, key.IntervalSeconds, key.ChunkStart, key.ChunkEnd)
}

// Release returns a claimed chunk to PENDING. The job_id guard keeps
// a later claimant's row safe from a stale release.
func (r *SQLiteRegistry) Release(ctx context.Context, key types.ChunkKey, jobID string) error {
	return r.transition(ctx, `
		UPDATE chunks SET status = 'PENDING', job_id = NULL, updated_at = ?
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?
		  AND status = 'RUNNING' AND job_id = ?`,
		time.Now().Unix(),
		key.SpaceID, key.IntervalSeconds, key.ChunkStart, key.ChunkEnd, jobID)
}

// MarkCompleted finishes a RUNNING chunk. The status guard means a
// COMPLETED row can never be overwritten, even by a duplicate
// completion from a requeued job.
func (r *SQLiteRegistry) MarkCompleted(ctx context.Context, key types.ChunkKey, objectPath string, rowCount int64) error {
	now := time.Now().Unix()
	return r.transition(ctx, `
		UPDATE chunks SET status = 'COMPLETED', object_path = ?, row_count = ?, error = NULL,
			updated_at = ?, completed_at = ?
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?
		  AND status = 'RUNNING'`,
		objectPath, rowCount, now, now,
		key.SpaceID, key.IntervalSeconds, key.ChunkStart, key.ChunkEnd)
}

// MarkFailed fails a PENDING or RUNNING chunk.
func (r *SQLiteRegistry) MarkFailed(ctx context.Context, key types.ChunkKey, message string) error {
	return r.transition(ctx, `
		UPDATE chunks SET status = 'FAILED', error = ?, updated_at = ?
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?
		  AND status IN ('PENDING', 'RUNNING')`,
		message, time.Now().Unix(),
		key.SpaceID, key.IntervalSeconds, key.ChunkStart, key.ChunkEnd)
}

// ResetFailed is the manual retry path: only FAILED rows move back to
// PENDING, so completed or in-flight work is untouched.
func (r *SQLiteRegistry) ResetFailed(ctx context.Context, keys []types.ChunkKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE chunks SET status = 'PENDING', job_id = NULL, error = NULL, updated_at = ?
		WHERE space_id = ? AND interval_seconds = ? AND chunk_start = ? AND chunk_end = ?
		  AND status = 'FAILED'`)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: prepare reset statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var reset int64
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, now, k.SpaceID, k.IntervalSeconds, k.ChunkStart, k.ChunkEnd)
		if err != nil {
			return 0, fmt.Errorf("chunkstore: reset %s: %w", k, err)
		}
		n, _ := res.RowsAffected()
		reset += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("chunkstore: commit reset transaction: %w", err)
	}
	return reset, nil
}

// RequeueStale returns long-RUNNING chunks to PENDING.
func (r *SQLiteRegistry) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE chunks SET status = 'PENDING', job_id = NULL, updated_at = ?
		WHERE status = 'RUNNING' AND updated_at < ?`,
		time.Now().Unix(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("chunkstore: requeue stale: %w", err)
	}
	return res.RowsAffected()
}

// CompletedChunks lists every COMPLETED row for reconciliation.
func (r *SQLiteRegistry) CompletedChunks(ctx context.Context) ([]*types.Chunk, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE status = 'COMPLETED'`)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: completed scan: %w", err)
	}
	defer rows.Close()

	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: scan completed row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByStatus tallies a key set per status, counting absent keys
// under the empty status.
func (r *SQLiteRegistry) CountByStatus(ctx context.Context, keys []types.ChunkKey) (map[types.ChunkStatus]int64, error) {
	chunks, err := r.GetChunks(ctx, keys)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.ChunkStatus]int64)
	for _, k := range keys {
		if c, ok := chunks[k]; ok {
			counts[c.Status]++
		} else {
			counts[types.ChunkStatus("")]++
		}
	}
	return counts, nil
}

// CreateDataset inserts a dataset row.
func (r *SQLiteRegistry) CreateDataset(ctx context.Context, d *types.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completedAt interface{}
	if d.CompletedAt != 0 {
		completedAt = d.CompletedAt
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO datasets
			(dataset_id, name, description, root_space_id, start_time, end_time,
			 interval_seconds, chunk_width_days, status, row_count, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DatasetID, d.Name, d.Description, d.RootSpaceID, d.StartTime, d.EndTime,
		d.IntervalSeconds, d.ChunkWidthDays, string(d.Status), d.RowCount,
		nullable(d.Error), d.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("chunkstore: create dataset %s: %w", d.DatasetID, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const datasetColumns = `dataset_id, name, description, root_space_id, start_time, end_time,
	interval_seconds, chunk_width_days, status, row_count, error, created_at, completed_at`

func scanDataset(row interface{ Scan(...interface{}) error }) (*types.Dataset, error) {
	var d types.Dataset
	var name, description, errMsg sql.NullString
	var completedAt sql.NullInt64
	err := row.Scan(&d.DatasetID, &name, &description, &d.RootSpaceID, &d.StartTime, &d.EndTime,
		&d.IntervalSeconds, &d.ChunkWidthDays, &d.Status, &d.RowCount, &errMsg,
		&d.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	d.Name = name.String
	d.Description = description.String
	d.Error = errMsg.String
	d.CompletedAt = completedAt.Int64
	return &d, nil
}

// GetDataset returns a dataset row by ID.
func (r *SQLiteRegistry) GetDataset(ctx context.Context, datasetID string) (*types.Dataset, error) {
	row := r.readDB.QueryRowContext(ctx, `
		SELECT `+datasetColumns+` FROM datasets WHERE dataset_id = ?`, datasetID)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: get dataset %s: %w", datasetID, err)
	}
	return d, nil
}

// ListDatasets returns all datasets, newest first.
func (r *SQLiteRegistry) ListDatasets(ctx context.Context) ([]*types.Dataset, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT `+datasetColumns+` FROM datasets ORDER BY created_at DESC, dataset_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: list datasets: %w", err)
	}
	defer rows.Close()

	var out []*types.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: scan dataset row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDataset removes the dataset row. Chunk rows and their outputs
// stay behind: they are the shared cache, not the dataset's property.
func (r *SQLiteRegistry) DeleteDataset(ctx context.Context, datasetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM datasets WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return fmt.Errorf("chunkstore: delete dataset %s: %w", datasetID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrDatasetNotFound
	}
	return nil
}

// UpdateDatasetStatus writes through an observed status. COMPLETED
// rows are final and are never downgraded.
func (r *SQLiteRegistry) UpdateDatasetStatus(ctx context.Context, datasetID string, status types.DatasetStatus, rowCount int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completedAt interface{}
	if status == types.DatasetCompleted || status == types.DatasetFailed {
		completedAt = time.Now().Unix()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE datasets SET status = ?, row_count = ?, error = ?, completed_at = ?
		WHERE dataset_id = ? AND status != 'COMPLETED'`,
		string(status), rowCount, nullable(errMsg), completedAt, datasetID)
	if err != nil {
		return fmt.Errorf("chunkstore: update dataset %s status: %w", datasetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already COMPLETED; distinguish for callers.
		var exists int
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM datasets WHERE dataset_id = ?)`, datasetID).Scan(&exists); err != nil {
			return fmt.Errorf("chunkstore: probe dataset %s: %w", datasetID, err)
		}
		if exists == 0 {
			return ErrDatasetNotFound
		}
	}
	return nil
}
