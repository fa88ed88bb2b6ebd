package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
)

func testSchema() *schema.Schema {
	return schema.New(3, []schema.Field{
		{ID: 0, Name: record.TimestampField, Type: schema.Scalar(schema.TypeTimestamp)},
		{ID: 1, Name: "level", Type: schema.Scalar(schema.TypeUtf8)},
		{ID: 2, Name: "msg", Type: schema.Scalar(schema.TypeUtf8)},
		{ID: 3, Name: "count", Type: schema.Scalar(schema.TypeInt64)},
		{ID: 4, Name: "ratio", Type: schema.Scalar(schema.TypeFloat64)},
		{ID: 5, Name: "ok", Type: schema.Scalar(schema.TypeBool)},
		{ID: 6, Name: "tags", Type: schema.List(schema.TypeUtf8)},
	})
}

func writeTestPartition(t *testing.T, rows int, blockRows int) (string, *Meta) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.part")
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := NewWriter(f, testSchema(), WriterConfig{BlockRows: blockRows})
	require.NoError(t, err)

	base := int64(1704067200000000)
	levels := []string{"debug", "info", "warn", "error"}
	for i := 0; i < rows; i++ {
		ts := base + int64(i)*1000000
		rec := record.Record{
			Timestamp: ts,
			Fields: map[string]record.Value{
				record.TimestampField: record.Timestamp(ts),
				"level":               record.String(levels[i%len(levels)]),
				"msg":                 record.String("message"),
				"count":               record.Int64(int64(i)),
				"ratio":               record.Float64(float64(i) / 2),
				"ok":                  record.Bool(i%2 == 0),
				"tags":                record.ListValue([]record.Value{record.String("t1")}),
			},
		}
		if i%10 == 0 {
			// Sparse column coverage.
			delete(rec.Fields, "ratio")
		}
		require.NoError(t, w.Append(rec))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path, meta
}

func TestWriteReadRoundtrip(t *testing.T) {
	path, meta := writeTestPartition(t, 100, 32)
	assert.Equal(t, int64(100), meta.Rows)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(3), r.Schema().Version)
	assert.Equal(t, meta.Rows, r.Meta().Rows)
	assert.Equal(t, meta.MinTS, r.Meta().MinTS)
	assert.Equal(t, meta.MaxTS, r.Meta().MaxTS)
	// 100 rows at 32 per block.
	assert.Len(t, r.Blocks(), 4)

	var rows int
	var firstCount int64 = -1
	err = r.Iterate(nil, nil, 0, 1<<62, func(rec record.Record) error {
		if firstCount < 0 {
			firstCount = rec.Fields["count"].Int
		}
		rows++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100, rows)
	assert.Equal(t, int64(0), firstCount)
}

func TestIterateProjectionAndFilter(t *testing.T) {
	path, _ := writeTestPartition(t, 100, 32)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var rows int
	err = r.Iterate([]string{"msg"}, []Filter{{Column: "level", Op: OpEq, Values: []record.Value{record.String("error")}}},
		0, 1<<62, func(rec record.Record) error {
			rows++
			assert.Equal(t, record.String("message"), rec.Fields["msg"])
			assert.Equal(t, record.String("error"), rec.Fields["level"])
			// Unprojected, unfiltered columns are not materialized.
			assert.NotContains(t, rec.Fields, "count")
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 25, rows)
}

func TestIterateBlockSkipping(t *testing.T) {
	path, meta := writeTestPartition(t, 100, 10)
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	// A range covering only the second block's timestamps.
	minTS := meta.MinTS + 10*1000000
	maxTS := meta.MinTS + 19*1000000
	var rows int
	err = r.Iterate(nil, nil, minTS, maxTS, func(rec record.Record) error {
		require.GreaterOrEqual(t, rec.Timestamp, minTS)
		require.LessOrEqual(t, rec.Timestamp, maxTS)
		rows++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, rows)
}

func TestColumnStatsAndBloom(t *testing.T) {
	path, meta := writeTestPartition(t, 100, 32)

	var level *ColumnStats
	for i := range meta.Columns {
		if meta.Columns[i].Name == "level" {
			level = &meta.Columns[i]
		}
	}
	require.NotNil(t, level)
	assert.Equal(t, record.String("debug"), level.Min)
	assert.Equal(t, record.String("warn"), level.Max)
	assert.NotEmpty(t, level.Bloom)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	// Footer stats round-trip.
	var found bool
	for _, cs := range r.Meta().Columns {
		if cs.Name == "level" {
			found = true
			assert.Equal(t, level.Min, cs.Min)
			assert.Equal(t, level.Bloom, cs.Bloom)
		}
	}
	assert.True(t, found)
}

func TestNullHandling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nulls.part")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewWriter(f, testSchema(), WriterConfig{BlockRows: 4})
	require.NoError(t, err)

	require.NoError(t, w.Append(record.Record{Timestamp: 1, Fields: map[string]record.Value{
		record.TimestampField: record.Timestamp(1),
		"msg":                 record.String("only msg"),
	}}))
	require.NoError(t, w.Append(record.Record{Timestamp: 2, Fields: map[string]record.Value{
		record.TimestampField: record.Timestamp(2),
		"count":               record.Int64(9),
	}}))
	_, err = w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var recs []record.Record
	require.NoError(t, r.Iterate(nil, nil, 0, 1<<62, func(rec record.Record) error {
		recs = append(recs, rec)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.NotContains(t, recs[0].Fields, "count")
	assert.Equal(t, record.Int64(9), recs[1].Fields["count"])
	assert.NotContains(t, recs[1].Fields, "msg")
}

func TestCorruptFooterRejected(t *testing.T) {
	path, _ := writeTestPartition(t, 10, 4)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a byte inside the footer region.
	data[len(data)-trailerSize-3] ^= 0xff
	corrupt := filepath.Join(t.TempDir(), "corrupt.part")
	require.NoError(t, os.WriteFile(corrupt, data, 0o666))

	_, err = Open(corrupt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crc")
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.part")
	require.NoError(t, os.WriteFile(path, []byte("NOTAPART0000000000000000"), 0o666))
	_, err := Open(path)
	require.Error(t, err)
}

func TestFilterStats(t *testing.T) {
	min, max := record.Int64(10), record.Int64(20)
	assert.True(t, Filter{Column: "c", Op: OpEq, Values: []record.Value{record.Int64(15)}}.MayMatchStats(min, max))
	assert.False(t, Filter{Column: "c", Op: OpEq, Values: []record.Value{record.Int64(25)}}.MayMatchStats(min, max))
	assert.False(t, Filter{Column: "c", Op: OpGt, Values: []record.Value{record.Int64(20)}}.MayMatchStats(min, max))
	assert.True(t, Filter{Column: "c", Op: OpGe, Values: []record.Value{record.Int64(20)}}.MayMatchStats(min, max))
	assert.False(t, Filter{Column: "c", Op: OpLt, Values: []record.Value{record.Int64(10)}}.MayMatchStats(min, max))
	assert.True(t, Filter{Column: "c", Op: OpIn, Values: []record.Value{record.Int64(1), record.Int64(12)}}.MayMatchStats(min, max))
	// Missing stats never prune.
	assert.True(t, Filter{Column: "c", Op: OpEq, Values: []record.Value{record.Int64(99)}}.MayMatchStats(record.Null(), record.Null()))
}
