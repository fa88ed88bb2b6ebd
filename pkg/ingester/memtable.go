package ingester

import (
	"time"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/wal"
)

// memtable buffers rows for one stream between WAL acknowledgment and flush.
// It is columnar: one builder per schema field id, plus the timestamp spine.
// The owning instance is the only writer; readers take snapshots of the
// committed prefix.
type memtable struct {
	org    string
	stream string

	createdAt time.Time
	bytes     int64
	committed int // rows visible to snapshots

	ts   []int64
	cols map[uint32]*columnBuilder

	// WAL bookkeeping: pins per segment (one per batch, mirroring the
	// writer's refcounts), and the first batch ref for flush dedupe after
	// replay.
	segments map[int]int
	firstRef wal.Ref
	hasRef   bool

	schemaVersion int64
}

type columnBuilder struct {
	name   string
	typ    schema.FieldType
	values []record.Value
}

func newMemtable(org, stream string) *memtable {
	return &memtable{
		org:       org,
		stream:    stream,
		createdAt: time.Now(),
		cols:      map[uint32]*columnBuilder{},
		segments:  map[int]int{},
	}
}

// append adds a batch of coerced records under the given schema. Called with
// the instance lock held.
func (m *memtable) append(s *schema.Schema, recs []record.Record, ref wal.Ref) {
	if !m.hasRef {
		m.firstRef = ref
		m.hasRef = true
	}
	m.segments[ref.Segment]++
	if s.Version > m.schemaVersion {
		m.schemaVersion = s.Version
	}

	// Builders for fields this memtable has not seen yet backfill nulls so
	// every column stays row-aligned.
	for _, f := range s.Fields {
		if _, ok := m.cols[f.ID]; !ok {
			col := &columnBuilder{name: f.Name, typ: f.Type}
			col.values = make([]record.Value, len(m.ts), len(m.ts)+len(recs))
			for i := range col.values {
				col.values[i] = record.Null()
			}
			m.cols[f.ID] = col
		}
		// A widened type re-tags the builder and re-coerces the values stored
		// under the old type into a fresh slice; snapshots taken earlier keep
		// their own view of the old one.
		col := m.cols[f.ID]
		if col.typ != f.Type {
			widened := make([]record.Value, len(col.values), cap(col.values))
			for i, v := range col.values {
				widened[i] = schema.Coerce(v, f.Type)
			}
			col.values = widened
		}
		col.typ = f.Type
		col.name = f.Name
	}

	for _, rec := range recs {
		m.ts = append(m.ts, rec.Timestamp)
		for _, col := range m.cols {
			v, ok := rec.Fields[col.name]
			if !ok {
				v = record.Null()
			}
			col.values = append(col.values, v)
			m.bytes += valueBytes(v)
		}
		m.bytes += 8
	}
	m.committed = len(m.ts)
}

func valueBytes(v record.Value) int64 {
	switch v.Kind {
	case record.KindNull:
		return 1
	case record.KindString:
		return int64(len(v.Str)) + 2
	case record.KindBytes:
		return int64(len(v.Bytes)) + 2
	case record.KindList:
		var n int64
		for _, e := range v.List {
			n += valueBytes(e)
		}
		return n + 2
	default:
		return 9
	}
}

// memtableSnapshot is the reader view: slice headers copied at a committed
// row boundary, so later appends are invisible to it.
type memtableSnapshot struct {
	rows int
	ts   []int64
	cols []snapshotColumn
}

type snapshotColumn struct {
	name   string
	values []record.Value
}

func (m *memtable) snapshot() memtableSnapshot {
	snap := memtableSnapshot{rows: m.committed, ts: m.ts[:m.committed]}
	snap.cols = make([]snapshotColumn, 0, len(m.cols))
	for _, col := range m.cols {
		n := m.committed
		if n > len(col.values) {
			n = len(col.values)
		}
		snap.cols = append(snap.cols, snapshotColumn{name: col.name, values: col.values[:n]})
	}
	return snap
}

// records materializes the snapshot back into rows for scanning or flushing.
func (s memtableSnapshot) records() []record.Record {
	out := make([]record.Record, s.rows)
	for i := 0; i < s.rows; i++ {
		fields := make(map[string]record.Value, len(s.cols))
		for _, col := range s.cols {
			if i < len(col.values) && !col.values[i].IsNull() {
				fields[col.name] = col.values[i]
			}
		}
		out[i] = record.Record{Timestamp: s.ts[i], Fields: fields}
	}
	return out
}

func (m *memtable) walPins() map[int]int {
	pins := make(map[int]int, len(m.segments))
	for id, n := range m.segments {
		pins[id] = n
	}
	return pins
}
