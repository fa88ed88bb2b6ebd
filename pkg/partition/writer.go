package partition

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
)

// WriterConfig tunes the file layout. Zero values take the defaults.
type WriterConfig struct {
	BlockRows        int     `yaml:"block_rows"`
	CompressionLevel int     `yaml:"compression_level"`
	BloomFPRate      float64 `yaml:"bloom_fp_rate"`
	BloomMaxFields   int     `yaml:"bloom_max_fields"`
	// BloomFields forces blooms for these utf8 columns in addition to the
	// automatically selected high-cardinality utf8 columns; a named column of
	// another type gets no bloom.
	BloomFields []string `yaml:"bloom_fields"`

	// bloomDistinctCap bounds per-column memory while collecting values; a
	// column over the cap gets no bloom (a partial bloom would prune
	// unsoundly).
	bloomDistinctCap int
}

func (cfg *WriterConfig) defaults() {
	if cfg.BlockRows <= 0 {
		cfg.BlockRows = 8192
	}
	if cfg.CompressionLevel <= 0 {
		cfg.CompressionLevel = int(zstd.SpeedDefault)
	}
	if cfg.BloomFPRate <= 0 {
		cfg.BloomFPRate = 0.01
	}
	if cfg.BloomMaxFields <= 0 {
		cfg.BloomMaxFields = 8
	}
	if cfg.bloomDistinctCap <= 0 {
		cfg.bloomDistinctCap = 1 << 18
	}
}

// Writer streams records into a partition file. Writing is single-threaded;
// the caller owns ordering (ingestion order within a stream).
type Writer struct {
	f      *os.File
	cfg    WriterConfig
	schema *schema.Schema
	enc    *zstd.Encoder

	columns []columnBuilder
	rowsIn  int

	offset int64
	blocks []BlockMeta
	rows   int64
	minTS  int64
	maxTS  int64

	blockMinTS int64
	blockMaxTS int64
}

type columnBuilder struct {
	field  schema.Field
	values []record.Value

	nullCount int64
	min       record.Value
	max       record.Value
	distinct  map[string]struct{} // utf8 columns only, until saturated
	saturated bool
}

// NewWriter starts a partition file for the given schema.
func NewWriter(f *os.File, s *schema.Schema, cfg WriterConfig) (*Writer, error) {
	cfg.defaults()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(cfg.CompressionLevel)))
	if err != nil {
		return nil, err
	}
	w := &Writer{
		f:      f,
		cfg:    cfg,
		schema: s,
		enc:    enc,
		minTS:  math.MaxInt64,
		maxTS:  math.MinInt64,
	}
	w.columns = make([]columnBuilder, len(s.Fields))
	for i, field := range s.Fields {
		col := columnBuilder{field: field, min: record.Null(), max: record.Null()}
		if field.Type.Kind == schema.TypeUtf8 {
			col.distinct = map[string]struct{}{}
		}
		w.columns[i] = col
	}

	var header [headerSize]byte
	copy(header[:8], Magic)
	if _, err := f.Write(header[:]); err != nil {
		return nil, errors.Wrap(err, "write partition header")
	}
	w.offset = headerSize
	w.resetBlock()
	return w, nil
}

func (w *Writer) resetBlock() {
	w.blockMinTS = math.MaxInt64
	w.blockMaxTS = math.MinInt64
}

// Append adds one record. Fields absent from the record store null; fields
// absent from the schema are ignored (the schema was evolved before the
// record was accepted).
func (w *Writer) Append(rec record.Record) error {
	for i := range w.columns {
		col := &w.columns[i]
		v, ok := rec.Fields[col.field.Name]
		if !ok || v.IsNull() {
			col.values = append(col.values, record.Null())
			col.nullCount++
			continue
		}
		v = schema.Coerce(v, col.field.Type)
		col.values = append(col.values, v)
		col.observeStats(v, w.cfg.bloomDistinctCap)
	}
	w.rowsIn++
	w.rows++
	if rec.Timestamp < w.blockMinTS {
		w.blockMinTS = rec.Timestamp
	}
	if rec.Timestamp > w.blockMaxTS {
		w.blockMaxTS = rec.Timestamp
	}
	if rec.Timestamp < w.minTS {
		w.minTS = rec.Timestamp
	}
	if rec.Timestamp > w.maxTS {
		w.maxTS = rec.Timestamp
	}

	if w.rowsIn >= w.cfg.BlockRows {
		return w.flushBlock()
	}
	return nil
}

func (col *columnBuilder) observeStats(v record.Value, distinctCap int) {
	if orderable(col.field.Type) {
		if col.min.IsNull() || record.Compare(v, col.min) < 0 {
			col.min = v
		}
		if col.max.IsNull() || record.Compare(v, col.max) > 0 {
			col.max = v
		}
	}
	if col.distinct != nil && !col.saturated {
		col.distinct[v.Str] = struct{}{}
		if len(col.distinct) > distinctCap {
			col.saturated = true
			col.distinct = nil
		}
	}
}

func orderable(t schema.FieldType) bool {
	switch t.Kind {
	case schema.TypeInt64, schema.TypeFloat64, schema.TypeUtf8, schema.TypeTimestamp, schema.TypeBool:
		return true
	}
	return false
}

func (w *Writer) flushBlock() error {
	if w.rowsIn == 0 {
		return nil
	}
	var buf record.Encbuf
	buf.PutUvarint(len(w.columns))
	var colBuf record.Encbuf
	for i := range w.columns {
		col := &w.columns[i]
		colBuf.Reset()
		encodeColumn(&colBuf, col.field.Type, col.values)
		compressed := w.enc.EncodeAll(colBuf.Get(), nil)

		buf.PutUvarint64(uint64(col.field.ID))
		buf.PutUvarint(colBuf.Len())
		buf.PutUvarintBytes(compressed)
		col.values = col.values[:0]
	}

	n, err := w.f.Write(buf.Get())
	if err != nil {
		return errors.Wrap(err, "write partition block")
	}
	w.blocks = append(w.blocks, BlockMeta{
		Offset: w.offset,
		Size:   int64(n),
		Rows:   w.rowsIn,
		MinTS:  w.blockMinTS,
		MaxTS:  w.blockMaxTS,
	})
	w.offset += int64(n)
	w.rowsIn = 0
	w.resetBlock()
	return nil
}

// encodeColumn lays out one column run: a presence bitmap, then the non-null
// values packed per type.
func encodeColumn(e *record.Encbuf, t schema.FieldType, values []record.Value) {
	e.PutUvarint(len(values))
	bitmap := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if !v.IsNull() {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	e.PutUvarintBytes(bitmap)

	switch t.Kind {
	case schema.TypeBool:
		bits := make([]byte, (len(values)+7)/8)
		for i, v := range values {
			if v.Bool {
				bits[i/8] |= 1 << (i % 8)
			}
		}
		e.PutUvarintBytes(bits)
	case schema.TypeInt64, schema.TypeTimestamp:
		for _, v := range values {
			if !v.IsNull() {
				e.PutVarint64(v.Int)
			}
		}
	case schema.TypeFloat64:
		for _, v := range values {
			if !v.IsNull() {
				e.PutFloat64(v.Float)
			}
		}
	case schema.TypeUtf8:
		for _, v := range values {
			if !v.IsNull() {
				e.PutUvarintStr(v.Str)
			}
		}
	case schema.TypeBinary:
		for _, v := range values {
			if !v.IsNull() {
				e.PutUvarintBytes(v.Bytes)
			}
		}
	default:
		// Lists and structs fall back to the generic tagged encoding.
		for _, v := range values {
			if !v.IsNull() {
				record.EncodeValue(e, v)
			}
		}
	}
}

// Finish flushes the last block, writes the footer and returns the file
// metadata. The caller still owns closing the file.
func (w *Writer) Finish() (*Meta, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	meta := &Meta{Rows: w.rows, MinTS: w.minTS, MaxTS: w.maxTS}
	if w.rows == 0 {
		meta.MinTS, meta.MaxTS = 0, 0
	}
	meta.Columns = w.buildColumnStats()

	var footer record.Encbuf
	encodeFooter(&footer, w.schema, meta, w.blocks)

	if _, err := w.f.Write(footer.Get()); err != nil {
		return nil, errors.Wrap(err, "write partition footer")
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], uint32(footer.Len()))
	binary.LittleEndian.PutUint32(trailer[4:8], crc32.Checksum(footer.Get(), castagnoli))
	if _, err := w.f.Write(trailer[:]); err != nil {
		return nil, errors.Wrap(err, "write partition trailer")
	}

	// Back-patch the footer offset in the header.
	var offsetBuf [8]byte
	binary.LittleEndian.PutUint64(offsetBuf[:], uint64(w.offset))
	if _, err := w.f.WriteAt(offsetBuf[:], 8); err != nil {
		return nil, errors.Wrap(err, "write footer offset")
	}
	if err := w.f.Sync(); err != nil {
		return nil, errors.Wrap(err, "sync partition file")
	}

	size, err := w.f.Seek(0, 2)
	if err != nil {
		return nil, err
	}
	meta.Bytes = size
	return meta, nil
}

// buildColumnStats selects bloom columns (forced ones plus the highest
// cardinality utf8 columns up to the cap) and assembles the footer stats.
func (w *Writer) buildColumnStats() []ColumnStats {
	forced := map[string]bool{}
	for _, name := range w.cfg.BloomFields {
		forced[name] = true
	}

	type candidate struct {
		idx      int
		distinct int
	}
	var candidates []candidate
	for i := range w.columns {
		col := &w.columns[i]
		if col.distinct == nil || len(col.distinct) == 0 {
			continue
		}
		if forced[col.field.Name] {
			continue
		}
		candidates = append(candidates, candidate{idx: i, distinct: len(col.distinct)})
	}
	// Highest cardinality first.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distinct > candidates[j].distinct })

	bloomed := map[int]bool{}
	budget := w.cfg.BloomMaxFields
	for i := range w.columns {
		if forced[w.columns[i].field.Name] && w.columns[i].distinct != nil {
			bloomed[i] = true
		}
	}
	for _, c := range candidates {
		if len(bloomed) >= budget {
			break
		}
		bloomed[c.idx] = true
	}

	stats := make([]ColumnStats, 0, len(w.columns))
	for i := range w.columns {
		col := &w.columns[i]
		cs := ColumnStats{
			Name:      col.field.Name,
			Type:      col.field.Type.Kind.String(),
			Min:       col.min,
			Max:       col.max,
			NullCount: col.nullCount,
		}
		if bloomed[i] {
			filter := bloom.NewWithEstimates(uint(len(col.distinct)), w.cfg.BloomFPRate)
			for v := range col.distinct {
				filter.AddString(v)
			}
			var buf bytes.Buffer
			if _, err := filter.WriteTo(&buf); err == nil {
				cs.Bloom = buf.Bytes()
			}
		}
		stats = append(stats, cs)
	}
	return stats
}

func encodeFooter(e *record.Encbuf, s *schema.Schema, meta *Meta, blocks []BlockMeta) {
	e.PutVarint64(s.Version)
	e.PutUvarint(len(s.Fields))
	for _, f := range s.Fields {
		e.PutUvarint64(uint64(f.ID))
		e.PutUvarintStr(f.Name)
		e.PutByte(byte(f.Type.Kind))
		e.PutByte(byte(f.Type.Elem))
	}

	e.PutUvarint(len(meta.Columns))
	for _, cs := range meta.Columns {
		e.PutUvarintStr(cs.Name)
		e.PutUvarintStr(cs.Type)
		record.EncodeValue(e, cs.Min)
		record.EncodeValue(e, cs.Max)
		e.PutUvarint64(uint64(cs.NullCount))
		e.PutUvarintBytes(cs.Bloom)
	}

	e.PutUvarint(len(blocks))
	for _, b := range blocks {
		e.PutUvarint64(uint64(b.Offset))
		e.PutUvarint64(uint64(b.Size))
		e.PutUvarint(b.Rows)
		e.PutVarint64(b.MinTS)
		e.PutVarint64(b.MaxTS)
	}

	e.PutUvarint64(uint64(meta.Rows))
	e.PutVarint64(meta.MinTS)
	e.PutVarint64(meta.MaxTS)
}
