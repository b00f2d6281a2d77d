// Package tippers reads the raw sensor database: the space hierarchy
// and the device session log. The service never writes to this
// database; it is the upstream source of truth.
package tippers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/egatchal/tippers-services/internal/hierarchy"
	"github.com/egatchal/tippers-services/internal/window"
	"github.com/egatchal/tippers-services/pkg/types"
)

// SpaceReader resolves the building hierarchy.
type SpaceReader interface {
	// Subtree returns every space reachable from root, including root.
	// An unknown root yields an empty slice, not an error.
	Subtree(ctx context.Context, root int64) ([]hierarchy.Space, error)

	// Children returns the immediate children of a space, sorted. A
	// leaf (or unknown space) yields an empty slice.
	Children(ctx context.Context, spaceID int64) ([]int64, error)
}

// SessionReader answers questions about raw device sessions.
type SessionReader interface {
	// HasRecords reports whether any session for the space overlaps
	// [start, end).
	HasRecords(ctx context.Context, spaceID, start, end int64) (bool, error)

	// BinnedCounts counts distinct devices per epoch-aligned interval
	// bin within [start, end). A session contributes to every bin it
	// overlaps. Zero bins are omitted from the result.
	BinnedCounts(ctx context.Context, spaceID, start, end, intervalSeconds int64) (types.Series, error)

	// TimeBounds returns the min start and max end of sessions under
	// the subtree rooted at root. ok is false when no sessions exist.
	TimeBounds(ctx context.Context, root int64) (minStart, maxEnd int64, ok bool, err error)
}

// Reader is the full raw-database surface the service depends on.
type Reader interface {
	SpaceReader
	SessionReader
	Close() error
}

// Client implements Reader over a SQLite database with the spaces and
// sessions tables.
type Client struct {
	db *sql.DB
}

// NewClient opens the raw database read-only.
func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("tippers: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Client{db: db}, nil
}

// NewClientFromDB wraps an existing handle. Used by tests that seed
// their own fixture database.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close releases the database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Subtree walks the hierarchy with a recursive CTE.
func (c *Client) Subtree(ctx context.Context, root int64) ([]hierarchy.Space, error) {
	rows, err := c.db.QueryContext(ctx, `
		WITH RECURSIVE subtree(space_id) AS (
			SELECT space_id FROM spaces WHERE space_id = ?
			UNION ALL
			SELECT s.space_id FROM spaces s
			JOIN subtree t ON s.parent_space_id = t.space_id
		)
		SELECT s.space_id, s.parent_space_id, s.name
		FROM spaces s JOIN subtree t ON s.space_id = t.space_id`, root)
	if err != nil {
		return nil, fmt.Errorf("tippers: subtree query for space %d: %w", root, err)
	}
	defer rows.Close()

	var spaces []hierarchy.Space
	for rows.Next() {
		var s hierarchy.Space
		var parent sql.NullInt64
		var name sql.NullString
		if err := rows.Scan(&s.SpaceID, &parent, &name); err != nil {
			return nil, fmt.Errorf("tippers: scan space row: %w", err)
		}
		if parent.Valid {
			p := parent.Int64
			s.ParentID = &p
		}
		s.Name = name.String
		spaces = append(spaces, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tippers: iterate subtree: %w", err)
	}
	return spaces, nil
}

// Children returns the immediate child space IDs of a space, sorted.
// The scheduler uses this to gate derived chunks on their children.
func (c *Client) Children(ctx context.Context, spaceID int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT space_id FROM spaces WHERE parent_space_id = ? ORDER BY space_id`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("tippers: children query for space %d: %w", spaceID, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tippers: scan child row: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tippers: iterate children: %w", err)
	}
	return out, nil
}

// HasRecords probes for any overlapping session with EXISTS, so the
// planner's per-leaf classification stays cheap on large session logs.
func (c *Client) HasRecords(ctx context.Context, spaceID, start, end int64) (bool, error) {
	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sessions
			WHERE space_id = ? AND start_time < ? AND end_time > ?
		)`, spaceID, end, start).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tippers: has-records probe for space %d: %w", spaceID, err)
	}
	return exists == 1, nil
}

// BinnedCounts scans overlapping sessions and bins them in memory.
// Distinctness is per (device, bin): a device spanning three bins
// counts once in each, a device with two sessions in one bin counts
// once.
func (c *Client) BinnedCounts(ctx context.Context, spaceID, start, end, intervalSeconds int64) (types.Series, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT device_id, start_time, end_time FROM sessions
		WHERE space_id = ? AND start_time < ? AND end_time > ?`,
		spaceID, end, start)
	if err != nil {
		return nil, fmt.Errorf("tippers: session scan for space %d: %w", spaceID, err)
	}
	defer rows.Close()

	seen := make(map[int64]map[string]bool) // bin start -> device set
	for rows.Next() {
		var device string
		var sStart, sEnd int64
		if err := rows.Scan(&device, &sStart, &sEnd); err != nil {
			return nil, fmt.Errorf("tippers: scan session row: %w", err)
		}
		// Clip the session to the chunk window, then mark every bin it
		// overlaps. A session ending exactly on a bin boundary does not
		// reach into the next bin.
		lo := sStart
		if lo < start {
			lo = start
		}
		hi := sEnd
		if hi > end {
			hi = end
		}
		if hi <= lo {
			continue
		}
		for bin := window.BinStart(lo, intervalSeconds); bin < hi; bin += intervalSeconds {
			devs := seen[bin]
			if devs == nil {
				devs = make(map[string]bool)
				seen[bin] = devs
			}
			devs[device] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tippers: iterate sessions: %w", err)
	}

	series := make(types.Series, 0, len(seen))
	for bin, devs := range seen {
		series = append(series, types.Bin{BinStart: bin, Count: int64(len(devs))})
	}
	series.Sort()
	return series, nil
}

// TimeBounds supports start/end auto-resolution when a dataset request
// omits its range.
func (c *Client) TimeBounds(ctx context.Context, root int64) (int64, int64, bool, error) {
	var minStart, maxEnd sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		WITH RECURSIVE subtree(space_id) AS (
			SELECT space_id FROM spaces WHERE space_id = ?
			UNION ALL
			SELECT s.space_id FROM spaces s
			JOIN subtree t ON s.parent_space_id = t.space_id
		)
		SELECT MIN(start_time), MAX(end_time) FROM sessions
		WHERE space_id IN (SELECT space_id FROM subtree)`, root).Scan(&minStart, &maxEnd)
	if err != nil {
		return 0, 0, false, fmt.Errorf("tippers: time bounds for space %d: %w", root, err)
	}
	if !minStart.Valid || !maxEnd.Valid {
		return 0, 0, false, nil
	}
	return minStart.Int64, maxEnd.Int64, true, nil
}
