package tippers

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openFixture(t *testing.T) *Client {
	t.Helper()
	dir, err := os.MkdirTemp("", "tippers-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := sql.Open("sqlite3", filepath.Join(dir, "tippers.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}
	return NewClientFromDB(db)
}

func seedSpaces(t *testing.T, c *Client, rows ...[3]interface{}) {
	t.Helper()
	for _, r := range rows {
		if _, err := c.db.Exec(
			`INSERT INTO spaces (space_id, parent_space_id, name) VALUES (?, ?, ?)`,
			r[0], r[1], r[2]); err != nil {
			t.Fatalf("failed to seed space: %v", err)
		}
	}
}

func seedSession(t *testing.T, c *Client, spaceID int64, device string, start, end int64) {
	t.Helper()
	if _, err := c.db.Exec(
		`INSERT INTO sessions (space_id, device_id, start_time, end_time) VALUES (?, ?, ?, ?)`,
		spaceID, device, start, end); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
}

func TestSubtree(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c,
		[3]interface{}{1, nil, "building"},
		[3]interface{}{2, 1, "floor-1"},
		[3]interface{}{3, 2, "room-101"},
		[3]interface{}{4, nil, "other-building"},
	)

	spaces, err := c.Subtree(context.Background(), 1)
	if err != nil {
		t.Fatalf("subtree failed: %v", err)
	}
	if len(spaces) != 3 {
		t.Fatalf("expected 3 spaces, got %d", len(spaces))
	}
	for _, s := range spaces {
		if s.SpaceID == 4 {
			t.Error("subtree leaked a space from another building")
		}
	}
}

func TestSubtreeUnknownRoot(t *testing.T) {
	c := openFixture(t)
	spaces, err := c.Subtree(context.Background(), 999)
	if err != nil {
		t.Fatalf("subtree failed: %v", err)
	}
	if len(spaces) != 0 {
		t.Errorf("unknown root should yield empty subtree, got %d spaces", len(spaces))
	}
}

func TestChildren(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c,
		[3]interface{}{1, nil, "building"},
		[3]interface{}{3, 1, "floor-2"},
		[3]interface{}{2, 1, "floor-1"},
		[3]interface{}{4, 2, "room"},
	)

	kids, err := c.Children(context.Background(), 1)
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(kids) != 2 || kids[0] != 2 || kids[1] != 3 {
		t.Errorf("expected sorted [2 3], got %v", kids)
	}
	kids, err = c.Children(context.Background(), 4)
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(kids) != 0 {
		t.Errorf("leaf should have no children, got %v", kids)
	}
}

func TestHasRecordsOverlapSemantics(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c, [3]interface{}{1, nil, "room"})
	seedSession(t, c, 1, "dev-a", 1000, 2000)

	ctx := context.Background()
	cases := []struct {
		start, end int64
		want       bool
	}{
		{1500, 1600, true}, // inside
		{500, 1001, true},  // overlaps leading edge
		{1999, 3000, true}, // overlaps trailing edge
		{2000, 3000, false}, // starts exactly at session end
		{500, 1000, false},  // ends exactly at session start
	}
	for _, tc := range cases {
		got, err := c.HasRecords(ctx, 1, tc.start, tc.end)
		if err != nil {
			t.Fatalf("HasRecords failed: %v", err)
		}
		if got != tc.want {
			t.Errorf("HasRecords [%d,%d) = %v, want %v", tc.start, tc.end, got, tc.want)
		}
	}
}

func TestBinnedCountsDistinctDevices(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c, [3]interface{}{1, nil, "room"})

	// dev-a spans bins 0 and 900; dev-b has two sessions inside bin 0;
	// dev-c sits in bin 1800.
	seedSession(t, c, 1, "dev-a", 100, 1000)
	seedSession(t, c, 1, "dev-b", 50, 150)
	seedSession(t, c, 1, "dev-b", 300, 400)
	seedSession(t, c, 1, "dev-c", 1900, 1950)

	series, err := c.BinnedCounts(context.Background(), 1, 0, 2700, 900)
	if err != nil {
		t.Fatalf("BinnedCounts failed: %v", err)
	}

	want := map[int64]int64{0: 2, 900: 1, 1800: 1}
	if len(series) != len(want) {
		t.Fatalf("expected %d bins, got %d: %+v", len(want), len(series), series)
	}
	for _, b := range series {
		if want[b.BinStart] != b.Count {
			t.Errorf("bin %d: expected count %d, got %d", b.BinStart, want[b.BinStart], b.Count)
		}
	}
}

func TestBinnedCountsClipsToWindow(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c, [3]interface{}{1, nil, "room"})
	// Session straddles the window start: only in-window bins appear.
	seedSession(t, c, 1, "dev-a", 500, 1100)

	series, err := c.BinnedCounts(context.Background(), 1, 900, 1800, 900)
	if err != nil {
		t.Fatalf("BinnedCounts failed: %v", err)
	}
	if len(series) != 1 || series[0].BinStart != 900 || series[0].Count != 1 {
		t.Errorf("expected single bin at 900, got %+v", series)
	}
}

func TestBinnedCountsSparse(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c, [3]interface{}{1, nil, "room"})
	seedSession(t, c, 1, "dev-a", 0, 100)

	series, err := c.BinnedCounts(context.Background(), 1, 0, 86400, 900)
	if err != nil {
		t.Fatalf("BinnedCounts failed: %v", err)
	}
	// One occupied bin out of 96: the other 95 must be absent, not zero.
	if len(series) != 1 {
		t.Errorf("expected sparse output with 1 bin, got %d", len(series))
	}
}

func TestTimeBounds(t *testing.T) {
	c := openFixture(t)
	seedSpaces(t, c,
		[3]interface{}{1, nil, "building"},
		[3]interface{}{2, 1, "room"},
	)

	_, _, ok, err := c.TimeBounds(context.Background(), 1)
	if err != nil {
		t.Fatalf("TimeBounds failed: %v", err)
	}
	if ok {
		t.Error("expected ok=false with no sessions")
	}

	seedSession(t, c, 2, "dev-a", 1000, 2000)
	seedSession(t, c, 2, "dev-b", 500, 1500)

	minStart, maxEnd, ok, err := c.TimeBounds(context.Background(), 1)
	if err != nil {
		t.Fatalf("TimeBounds failed: %v", err)
	}
	if !ok || minStart != 500 || maxEnd != 2000 {
		t.Errorf("expected bounds [500, 2000], got [%d, %d] ok=%v", minStart, maxEnd, ok)
	}
}
