package types

// DatasetStatus is the user-facing state of a dataset request. Unlike
// chunk status it is derived from chunk rows on read; only the
// zero-source fast path stores COMPLETED directly.
type DatasetStatus string

const (
	DatasetRunning   DatasetStatus = "RUNNING"
	DatasetCompleted DatasetStatus = "COMPLETED"
	DatasetFailed    DatasetStatus = "FAILED"
)

// Dataset is a materialization request: a space subtree, a time range,
// and the binning parameters. The chunk registry holds the actual work;
// the dataset row is the handle users poll.
type Dataset struct {
	DatasetID       string        `json:"dataset_id"`
	Name            string        `json:"name,omitempty"`
	Description     string        `json:"description,omitempty"`
	RootSpaceID     int64         `json:"root_space_id"`
	StartTime       int64         `json:"start_time"`
	EndTime         int64         `json:"end_time"`
	IntervalSeconds int64         `json:"interval_seconds"`
	ChunkWidthDays  int64         `json:"chunk_width_days"`
	Status          DatasetStatus `json:"status"`
	RowCount        int64         `json:"row_count"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       int64         `json:"created_at"`
	CompletedAt     int64         `json:"completed_at,omitempty"`
}

// ResultRow is one assembled output row: a space's occupancy count for
// one interval bin. Results are sorted by (SpaceID, BinStart).
type ResultRow struct {
	SpaceID  int64 `json:"space_id"`
	BinStart int64 `json:"bin_start"`
	Count    int64 `json:"count"`
}
