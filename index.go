package verdant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultIndexBucket = time.Hour

// Filter selects readings for a query. Zero-valued fields are wildcards;
// From and To are inclusive Unix-nanosecond bounds (To == 0 means
// unbounded).
type Filter struct {
	SensorID string
	Type     SensorType
	Location string
	From     int64
	To       int64
}

// Index holds the derived, rebuildable views over the reading store: a
// per-sensor index ordered by (timestamp, seq) and a secondary per-type
// index over fixed time buckets tracked by a B-tree. It is never the
// source of truth; any divergence from the store is a fatal integrity
// fault, not something to patch in place.
type Index struct {
	mu          sync.RWMutex
	bucketWidth int64
	bySensor    map[string]*sensorSeries
	byType      map[SensorType]*typeIndex
	count       int64
	ready       bool
}

type sensorSeries struct {
	readings []SensorReading // sorted by (timestamp, seq)
}

type typeIndex struct {
	tree    *BTree
	buckets map[int64]*timeBucket
}

type timeBucket struct {
	start    int64
	readings []SensorReading // sorted by (timestamp, seq)
}

// NewIndex creates an empty index. bucketWidth is the time span of each
// secondary-index bucket; zero selects the default of one hour.
func NewIndex(bucketWidth time.Duration) *Index {
	if bucketWidth <= 0 {
		bucketWidth = defaultIndexBucket
	}
	return &Index{
		bucketWidth: int64(bucketWidth),
		bySensor:    make(map[string]*sensorSeries),
		byType:      make(map[SensorType]*typeIndex),
		ready:       true,
	}
}

// Ready reports whether the index is trusted. It is false after an
// integrity fault or an aborted rebuild.
func (idx *Index) Ready() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Count returns the number of indexed readings.
func (idx *Index) Count() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// OnAppend incrementally indexes one accepted reading.
func (idx *Index) OnAppend(r SensorReading) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.ready {
		return ErrRebuildRequired
	}
	idx.insertLocked(r)
	return nil
}

func (idx *Index) insertLocked(r SensorReading) {
	series := idx.bySensor[r.SensorID]
	if series == nil {
		series = &sensorSeries{}
		idx.bySensor[r.SensorID] = series
	}
	series.readings = insertSorted(series.readings, r)

	ti := idx.byType[r.Type]
	if ti == nil {
		ti = &typeIndex{tree: newBTree(8), buckets: make(map[int64]*timeBucket)}
		idx.byType[r.Type] = ti
	}
	start := bucketStart(r.Timestamp, idx.bucketWidth)
	bucket := ti.buckets[start]
	if bucket == nil {
		bucket = &timeBucket{start: start}
		ti.buckets[start] = bucket
		ti.tree.Insert(start, bucket)
	}
	bucket.readings = insertSorted(bucket.readings, r)

	idx.count++
}

func bucketStart(ts, width int64) int64 {
	start := (ts / width) * width
	if ts < 0 && ts%width != 0 {
		start -= width
	}
	return start
}

// insertSorted inserts r keeping (timestamp, seq) order. Readings arrive
// near the tail, so the shift is almost always empty.
func insertSorted(readings []SensorReading, r SensorReading) []SensorReading {
	i := sort.Search(len(readings), func(i int) bool {
		return r.before(readings[i])
	})
	readings = append(readings, SensorReading{})
	copy(readings[i+1:], readings[i:])
	readings[i] = r
	return readings
}

// Query returns readings matching the filter, ordered by (timestamp, seq).
// A sensor-id filter uses the primary index; a type-only filter scans the
// secondary index; otherwise all type indexes are merged.
func (idx *Index) Query(f Filter) ([]SensorReading, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.ready {
		return nil, ErrRebuildRequired
	}

	var out []SensorReading
	switch {
	case f.SensorID != "":
		series := idx.bySensor[f.SensorID]
		if series == nil {
			return nil, nil
		}
		for _, r := range rangeOf(series.readings, f.From, f.To) {
			if matches(r, f) {
				out = append(out, r)
			}
		}
	case f.Type != SensorTypeUnknown:
		out = idx.scanTypeLocked(idx.byType[f.Type], f)
	default:
		for _, ti := range idx.byType {
			out = append(out, idx.scanTypeLocked(ti, f)...)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	}
	return out, nil
}

func (idx *Index) scanTypeLocked(ti *typeIndex, f Filter) []SensorReading {
	if ti == nil {
		return nil
	}
	treeEnd := int64(0)
	if f.To != 0 {
		// Bucket starts are inclusive; the bucket containing To must be
		// visited, so the exclusive tree bound is one bucket past it.
		treeEnd = bucketStart(f.To, idx.bucketWidth) + idx.bucketWidth
	}
	var out []SensorReading
	for _, bucket := range ti.tree.Range(bucketStart(f.From, idx.bucketWidth), treeEnd) {
		for _, r := range rangeOf(bucket.readings, f.From, f.To) {
			if matches(r, f) {
				out = append(out, r)
			}
		}
	}
	return out
}

// pageAfter returns up to limit readings for a sensor strictly after the
// (afterTS, afterSeq) position and no later than to (inclusive; to == 0
// means unbounded). It backs the restartable range cursor.
func (idx *Index) pageAfter(sensorID string, afterTS int64, afterSeq uint64, to int64, limit int) ([]SensorReading, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.ready {
		return nil, ErrRebuildRequired
	}
	series := idx.bySensor[sensorID]
	if series == nil {
		return nil, nil
	}

	pos := SensorReading{Timestamp: afterTS, Seq: afterSeq}
	i := sort.Search(len(series.readings), func(i int) bool {
		return pos.before(series.readings[i])
	})

	out := make([]SensorReading, 0, limit)
	for ; i < len(series.readings) && len(out) < limit; i++ {
		r := series.readings[i]
		if to != 0 && r.Timestamp > to {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// rangeOf returns the subslice of sorted readings with timestamps in
// [from, to], both inclusive (to == 0 means unbounded).
func rangeOf(readings []SensorReading, from, to int64) []SensorReading {
	lo := sort.Search(len(readings), func(i int) bool {
		return readings[i].Timestamp >= from
	})
	hi := len(readings)
	if to != 0 {
		hi = sort.Search(len(readings), func(i int) bool {
			return readings[i].Timestamp > to
		})
	}
	if lo >= hi {
		return nil
	}
	return readings[lo:hi]
}

func matches(r SensorReading, f Filter) bool {
	if f.Type != SensorTypeUnknown && r.Type != f.Type {
		return false
	}
	if f.Location != "" && r.Location != f.Location {
		return false
	}
	return true
}

// Rebuild reconstructs the index from scratch by replaying the store. It
// is an exclusive operation: the caller must quiesce ingestion and queries
// first. Cancellation aborts the rebuild and leaves the index in the
// needs-rebuild state; it never installs a partial rebuild.
func (idx *Index) Rebuild(ctx context.Context, store *Store) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fresh, err := buildFrom(ctx, store, idx.bucketWidth)
	if err != nil {
		idx.ready = false
		return err
	}

	idx.bySensor = fresh.bySensor
	idx.byType = fresh.byType
	idx.count = fresh.count
	idx.ready = true
	return nil
}

// Verify rebuilds a shadow index from the store and compares it with the
// incrementally maintained one. Divergence marks the index stale and
// returns an IntegrityError; it is never silently repaired.
func (idx *Index) Verify(ctx context.Context, store *Store) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.ready {
		return ErrRebuildRequired
	}

	fresh, err := buildFrom(ctx, store, idx.bucketWidth)
	if err != nil {
		return err
	}

	if detail := idx.divergenceLocked(fresh); detail != "" {
		idx.ready = false
		return &IntegrityError{Detail: detail}
	}
	return nil
}

func (idx *Index) divergenceLocked(fresh *Index) string {
	if idx.count != fresh.count {
		return fmt.Sprintf("indexed %d readings, store holds %d", idx.count, fresh.count)
	}
	if len(idx.bySensor) != len(fresh.bySensor) {
		return fmt.Sprintf("index tracks %d sensors, store holds %d", len(idx.bySensor), len(fresh.bySensor))
	}
	for id, series := range fresh.bySensor {
		live := idx.bySensor[id]
		if live == nil {
			return fmt.Sprintf("sensor %s missing from index", id)
		}
		if len(live.readings) != len(series.readings) {
			return fmt.Sprintf("sensor %s: index has %d readings, store has %d",
				id, len(live.readings), len(series.readings))
		}
		for i := range series.readings {
			if live.readings[i] != series.readings[i] {
				return fmt.Sprintf("sensor %s: reading %d differs (index %v, store %v)",
					id, i, live.readings[i], series.readings[i])
			}
		}
	}
	return ""
}

// buildFrom constructs index contents by replaying the store, checking for
// cancellation periodically.
func buildFrom(ctx context.Context, store *Store, bucketWidth int64) (*Index, error) {
	fresh := &Index{
		bucketWidth: bucketWidth,
		bySensor:    make(map[string]*sensorSeries),
		byType:      make(map[SensorType]*typeIndex),
		ready:       true,
	}

	var n int
	err := store.Replay(func(r SensorReading) error {
		if n%4096 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		n++
		fresh.insertLocked(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}
