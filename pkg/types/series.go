package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/snappy"
)

// Bin is one non-zero occupancy observation: the count of distinct
// devices seen in the epoch-aligned interval starting at BinStart.
type Bin struct {
	BinStart int64 `json:"bin_start"`
	Count    int64 `json:"count"`
}

// Series is a sparse occupancy series sorted by BinStart. A bin absent
// from the series means its count is exactly zero, never unknown.
type Series []Bin

// Sort orders the series by bin start. Compute steps emit sorted
// output; Sort exists for callers that assemble series out of order.
func (s Series) Sort() {
	sort.Slice(s, func(i, j int) bool { return s[i].BinStart < s[j].BinStart })
}

// SumSeries element-wise sums sparse series: the result contains the
// union of all input bins with counts added, zero bins omitted.
func SumSeries(children ...Series) Series {
	totals := make(map[int64]int64)
	for _, child := range children {
		for _, b := range child {
			totals[b.BinStart] += b.Count
		}
	}
	out := make(Series, 0, len(totals))
	for start, count := range totals {
		if count == 0 {
			continue
		}
		out = append(out, Bin{BinStart: start, Count: count})
	}
	out.Sort()
	return out
}

// EncodeSeries serializes a series as snappy-compressed JSON, the wire
// format of chunk output objects.
func EncodeSeries(s Series) ([]byte, error) {
	if s == nil {
		s = Series{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("types: encode series: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeSeries reverses EncodeSeries.
func DecodeSeries(data []byte) (Series, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("types: decompress series: %w", err)
	}
	var s Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("types: decode series: %w", err)
	}
	return s, nil
}
