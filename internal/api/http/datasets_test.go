package http

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/egatchal/tippers-services/internal/chunkstore"
	"github.com/egatchal/tippers-services/internal/dataset"
	"github.com/egatchal/tippers-services/internal/storage"
	"github.com/egatchal/tippers-services/internal/tippers"
	"github.com/egatchal/tippers-services/pkg/types"
)

type testServer struct {
	srv   *httptest.Server
	reg   chunkstore.Registry
	store storage.ObjectStorage
	db    *sql.DB
}

// Hierarchy: 1 → {2, 3}, 2 → {4}.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "tippers.db"))
	if err != nil {
		t.Fatalf("failed to open fixture db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	for _, stmt := range tippers.AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to init schema: %v", err)
		}
	}
	mustExec(t, db, `INSERT INTO spaces (space_id, parent_space_id, name) VALUES
		(1, NULL, 'building'), (2, 1, 'floor'), (3, 1, 'lobby'), (4, 2, 'room')`)

	reg, err := chunkstore.NewSQLiteRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	client := tippers.NewClientFromDB(db)
	planner := dataset.NewPlanner(client, reg)
	asm := dataset.NewAssembler(reg, store, storage.NewBatchDownloader(store, 4, t.TempDir()), planner)

	mux := http.NewServeMux()
	NewDatasetsHandler(planner, asm).Register(mux)
	NewSystemHandler("test", nil, reg, store).Register(mux)

	srv := httptest.NewServer(DefaultMiddleware()(mux))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, reg: reg, store: store, db: db}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func createBody(root int64) map[string]interface{} {
	return map[string]interface{}{
		"root_space_id":    root,
		"start_time":       0,
		"end_time":         86400,
		"interval_seconds": 3600,
	}
}

func TestCreateDataset(t *testing.T) {
	ts := newTestServer(t)
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)

	resp := ts.post(t, "/v1/datasets", createBody(1))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("missing X-Request-ID header")
	}

	body := decode[DatasetResponse](t, resp)
	if body.Dataset.DatasetID == "" {
		t.Error("missing dataset ID")
	}
	if body.Dataset.Status != types.DatasetRunning {
		t.Errorf("status = %s, want RUNNING", body.Dataset.Status)
	}
}

func TestCreateDatasetValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing root", map[string]interface{}{"interval_seconds": 3600}, http.StatusBadRequest},
		{"missing interval", map[string]interface{}{"root_space_id": 1}, http.StatusBadRequest},
		{"bad interval", map[string]interface{}{"root_space_id": 1, "start_time": 0, "end_time": 86400, "interval_seconds": 60}, http.StatusBadRequest},
		{"unknown root", createBody(999), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, "/v1/datasets", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestGetDatasetProgress(t *testing.T) {
	ts := newTestServer(t)
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)

	created := decode[DatasetResponse](t, ts.post(t, "/v1/datasets", createBody(1)))

	resp := ts.get(t, "/v1/datasets/"+created.Dataset.DatasetID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[DatasetResponse](t, resp)
	if body.Dataset.Status != types.DatasetRunning {
		t.Errorf("status = %s, want RUNNING", body.Dataset.Status)
	}
	// Sources {4}, derived {2, 1}: three chunks pending.
	if body.Progress == nil || body.Progress.Total != 3 {
		t.Errorf("progress = %+v, want total 3", body.Progress)
	}

	resp = ts.get(t, "/v1/datasets/does-not-exist")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown dataset status = %d, want 404", resp.StatusCode)
	}
}

func TestResultsEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)

	created := decode[DatasetResponse](t, ts.post(t, "/v1/datasets", createBody(1)))

	// Complete all three chunks out of band.
	series := types.Series{{BinStart: 0, Count: 1}, {BinStart: 3600, Count: 1}}
	for _, spaceID := range []int64{4, 2, 1} {
		key := types.ChunkKey{SpaceID: spaceID, IntervalSeconds: 3600, ChunkStart: 0, ChunkEnd: 86400}
		uploadSeries(t, ts.store, key, series)
		if err := ts.reg.MarkRunning(ctx, key, "j"); err != nil {
			t.Fatalf("failed to claim: %v", err)
		}
		if err := ts.reg.MarkCompleted(ctx, key, key.ObjectPath(), int64(len(series))); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
	}

	// The default read serves the root space's series.
	resp := ts.get(t, fmt.Sprintf("/v1/datasets/%s/results", created.Dataset.DatasetID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	rs := decode[dataset.ResultSet](t, resp)
	if rs.Status != types.DatasetCompleted {
		t.Fatalf("result status = %s, want COMPLETED", rs.Status)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rs.Rows))
	}
	for _, row := range rs.Rows {
		if row.SpaceID != 1 {
			t.Errorf("default results include space %d, want root only", row.SpaceID)
		}
	}

	// space_id picks another participant.
	resp = ts.get(t, fmt.Sprintf("/v1/datasets/%s/results?space_id=4", created.Dataset.DatasetID))
	rs = decode[dataset.ResultSet](t, resp)
	if len(rs.Rows) != 2 || rs.Rows[0].SpaceID != 4 {
		t.Errorf("scoped results = %+v, want space 4 rows", rs.Rows)
	}

	resp = ts.get(t, fmt.Sprintf("/v1/datasets/%s/results?space_id=banana", created.Dataset.DatasetID))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad space_id status = %d, want 400", resp.StatusCode)
	}

	// Download is scoped the same way: the root's single object.
	resp = ts.get(t, fmt.Sprintf("/v1/datasets/%s/download", created.Dataset.DatasetID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d, want 200", resp.StatusCode)
	}
	dl := decode[DownloadResponse](t, resp)
	if len(dl.Links) != 1 || dl.Links[0].SpaceID != 1 {
		t.Errorf("got links %+v, want the root space's object", dl.Links)
	}
}

func TestRetryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)

	created := decode[DatasetResponse](t, ts.post(t, "/v1/datasets", createBody(1)))

	key := types.ChunkKey{SpaceID: 4, IntervalSeconds: 3600, ChunkStart: 0, ChunkEnd: 86400}
	if err := ts.reg.MarkRunning(ctx, key, "j"); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := ts.reg.MarkFailed(ctx, key, "boom"); err != nil {
		t.Fatalf("failed to fail: %v", err)
	}

	resp := ts.post(t, fmt.Sprintf("/v1/datasets/%s/retry", created.Dataset.DatasetID), struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[RetryResponse](t, resp)
	if body.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", body.Requeued)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	ts := newTestServer(t)
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)

	created := decode[DatasetResponse](t, ts.post(t, "/v1/datasets", createBody(1)))

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/v1/datasets/"+created.Dataset.DatasetID, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[HealthResponse](t, resp)
	if body.Status != "ok" {
		t.Errorf("health = %q, want ok", body.Status)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	mustExec(t, ts.db, `INSERT INTO sessions (space_id, device_id, start_time, end_time)
		VALUES (4, 'dev-a', 1000, 5000)`)
	decode[DatasetResponse](t, ts.post(t, "/v1/datasets", createBody(1)))

	// One consistent completed chunk and one orphaned object.
	key := types.ChunkKey{SpaceID: 4, IntervalSeconds: 3600, ChunkStart: 0, ChunkEnd: 86400}
	uploadSeries(t, ts.store, key, types.Series{{BinStart: 0, Count: 1}})
	if err := ts.reg.MarkRunning(ctx, key, "j"); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if err := ts.reg.MarkCompleted(ctx, key, key.ObjectPath(), 1); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	orphan := types.ChunkKey{SpaceID: 99, IntervalSeconds: 3600, ChunkStart: 0, ChunkEnd: 86400}
	uploadSeries(t, ts.store, orphan, types.Series{{BinStart: 0, Count: 5}})

	resp := ts.post(t, "/v1/reconcile", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	report := decode[chunkstore.ReconciliationReport](t, resp)
	if report.TotalCompletedChunks != 1 {
		t.Errorf("completed chunks = %d, want 1", report.TotalCompletedChunks)
	}
	if len(report.DanglingChunks) != 0 {
		t.Errorf("dangling = %v, want none", report.DanglingChunks)
	}
	if len(report.OrphanedObjects) != 1 || report.OrphanedObjects[0] != orphan.ObjectPath() {
		t.Errorf("orphans = %v, want [%s]", report.OrphanedObjects, orphan.ObjectPath())
	}
}

func TestStatsWithoutScheduler(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/v1/stats")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a scheduler", resp.StatusCode)
	}
}

func uploadSeries(t *testing.T, store storage.ObjectStorage, key types.ChunkKey, series types.Series) {
	t.Helper()
	data, err := types.EncodeSeries(series)
	if err != nil {
		t.Fatalf("failed to encode series: %v", err)
	}
	tmp := filepath.Join(t.TempDir(), "series.json.sz")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		t.Fatalf("failed to write series: %v", err)
	}
	if err := store.Upload(context.Background(), tmp, key.ObjectPath()); err != nil {
		t.Fatalf("failed to upload: %v", err)
	}
}
