package version

import (
	"sort"
	"time"

	"github.com/kasuganosora/versdb/pkg/index"
)

// VersionID is a 1-based insertion ordinal into a table's version log.
type VersionID = int

// Indices are the two secondary indices over version ids: RFC3339
// timestamp -> ids and frame id -> ids. Both live on persistent backends
// under the database indices/ directory.
type Indices struct {
	timestamp index.Index
	frame     index.Index
}

// OpenIndices opens both trees through the factory.
func OpenIndices(factory *index.Factory) (*Indices, error) {
	ts, err := factory.ForName("versions_timestamp")
	if err != nil {
		return nil, err
	}
	fr, err := factory.ForName("versions_frame")
	if err != nil {
		ts.Close()
		return nil, err
	}
	return &Indices{timestamp: ts, frame: fr}, nil
}

// FormatTimestamp renders a log timestamp (Unix ns) as the RFC3339 key.
// The fraction always has nine digits so keys sort chronologically.
func FormatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// Insert records a version in both trees. Duplicate ids within one value
// list are suppressed.
func (x *Indices) Insert(id VersionID, timestampNS int64, frameID string) error {
	if err := x.appendID(x.timestamp, FormatTimestamp(timestampNS), id); err != nil {
		return err
	}
	if frameID == "" {
		return nil
	}
	return x.appendID(x.frame, frameID, id)
}

func (x *Indices) appendID(idx index.Index, key string, id VersionID) error {
	raw, ok, err := idx.Get(key)
	if err != nil {
		return err
	}
	var ids []int
	if ok {
		if ids, err = index.DecodeRows(raw); err != nil {
			return err
		}
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return idx.Insert(key, index.EncodeRows(ids))
}

// QueryTimestampRange returns the sorted unique version ids whose
// timestamps fall in [lo, hi] (RFC3339 keys).
func (x *Indices) QueryTimestampRange(lo, hi string) ([]VersionID, error) {
	entries, err := x.timestamp.Range(lo, hi)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		decoded, err := index.DecodeRows(e.Value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, decoded...)
	}
	sort.Ints(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out, nil
}

// QueryFrame returns the version ids grouped under one frame.
func (x *Indices) QueryFrame(frameID string) ([]VersionID, error) {
	raw, ok, err := x.frame.Get(frameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return index.DecodeRows(raw)
}

// GetAllTimestamps returns every timestamp key in ascending order.
func (x *Indices) GetAllTimestamps() ([]string, error) {
	entries, err := x.timestamp.Iter()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	sort.Strings(out)
	return out, nil
}

// Stats reports memory and disk usage of both trees.
func (x *Indices) Stats() map[string]int64 {
	return map[string]int64{
		"timestamp_memory": x.timestamp.MemoryUsage(),
		"timestamp_disk":   x.timestamp.DiskUsage(),
		"frame_memory":     x.frame.MemoryUsage(),
		"frame_disk":       x.frame.DiskUsage(),
	}
}

// Close releases both trees.
func (x *Indices) Close() error {
	err := x.timestamp.Close()
	if ferr := x.frame.Close(); err == nil {
		err = ferr
	}
	return err
}
