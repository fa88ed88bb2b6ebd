package partition

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
)

var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// Reader opens a partition file: the footer is parsed eagerly, block data is
// read and decompressed lazily per block.
type Reader struct {
	f    *os.File
	size int64

	schema *schema.Schema
	meta   Meta
	blocks []BlockMeta
}

// Open validates the header and footer of a partition file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < headerSize+trailerSize {
		return nil, errors.New("partition file too small")
	}

	var header [headerSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		return nil, errors.Wrap(err, "read partition header")
	}
	if string(header[:8]) != Magic {
		return nil, errors.New("bad partition magic")
	}
	footerOffset := int64(binary.LittleEndian.Uint64(header[8:16]))

	var trailer [trailerSize]byte
	if _, err := f.ReadAt(trailer[:], size-trailerSize); err != nil {
		return nil, errors.Wrap(err, "read partition trailer")
	}
	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:4]))
	footerCRC := binary.LittleEndian.Uint32(trailer[4:8])

	if footerOffset+footerLen+trailerSize != size {
		return nil, errors.New("partition footer offset does not match file size")
	}
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, footerOffset); err != nil {
		return nil, errors.Wrap(err, "read partition footer")
	}
	if crc32.Checksum(footer, castagnoli) != footerCRC {
		return nil, errors.New("partition footer failed crc check")
	}

	r := &Reader{f: f, size: size}
	if err := r.decodeFooter(footer); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) decodeFooter(footer []byte) error {
	d := record.NewDecbuf(footer)

	version := d.Varint64()
	fieldCount := d.Uvarint()
	if d.Err() != nil || fieldCount < 0 {
		return errors.New("corrupt partition footer schema")
	}
	fields := make([]schema.Field, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		fields = append(fields, schema.Field{
			ID:   uint32(d.Uvarint64()),
			Name: d.UvarintStr(),
			Type: schema.FieldType{Kind: schema.TypeKind(d.Byte()), Elem: schema.TypeKind(d.Byte())},
		})
	}
	r.schema = schema.New(version, fields)

	colCount := d.Uvarint()
	if d.Err() != nil || colCount < 0 {
		return errors.New("corrupt partition footer stats")
	}
	r.meta.Columns = make([]ColumnStats, 0, colCount)
	for i := 0; i < colCount; i++ {
		cs := ColumnStats{
			Name: d.UvarintStr(),
			Type: d.UvarintStr(),
			Min:  record.DecodeValue(&d),
			Max:  record.DecodeValue(&d),
		}
		cs.NullCount = int64(d.Uvarint64())
		if b := d.UvarintBytes(); len(b) > 0 {
			cs.Bloom = append([]byte(nil), b...)
		}
		r.meta.Columns = append(r.meta.Columns, cs)
	}

	blockCount := d.Uvarint()
	if d.Err() != nil || blockCount < 0 {
		return errors.New("corrupt partition footer directory")
	}
	r.blocks = make([]BlockMeta, 0, blockCount)
	for i := 0; i < blockCount; i++ {
		r.blocks = append(r.blocks, BlockMeta{
			Offset: int64(d.Uvarint64()),
			Size:   int64(d.Uvarint64()),
			Rows:   d.Uvarint(),
			MinTS:  d.Varint64(),
			MaxTS:  d.Varint64(),
		})
	}

	r.meta.Rows = int64(d.Uvarint64())
	r.meta.MinTS = d.Varint64()
	r.meta.MaxTS = d.Varint64()
	r.meta.Bytes = r.size
	return errors.Wrap(d.Err(), "corrupt partition footer")
}

func (r *Reader) Schema() *schema.Schema { return r.schema }
func (r *Reader) Meta() Meta             { return r.meta }
func (r *Reader) Blocks() []BlockMeta    { return r.blocks }
func (r *Reader) Close() error           { return r.f.Close() }

// Block holds decoded columns for one block, keyed by field id.
type Block struct {
	Rows    int
	Columns map[uint32][]record.Value
}

// ReadBlock decodes block i, materializing only the projected field ids
// (nil means all).
func (r *Reader) ReadBlock(i int, projection map[uint32]bool) (*Block, error) {
	if i < 0 || i >= len(r.blocks) {
		return nil, errors.Errorf("block %d out of range", i)
	}
	bm := r.blocks[i]
	raw := make([]byte, bm.Size)
	if _, err := r.f.ReadAt(raw, bm.Offset); err != nil {
		return nil, errors.Wrap(err, "read partition block")
	}

	d := record.NewDecbuf(raw)
	colCount := d.Uvarint()
	block := &Block{Rows: bm.Rows, Columns: map[uint32][]record.Value{}}
	for c := 0; c < colCount; c++ {
		fieldID := uint32(d.Uvarint64())
		uncompressedLen := d.Uvarint()
		compressed := d.UvarintBytes()
		if d.Err() != nil {
			return nil, errors.New("corrupt partition block")
		}
		if projection != nil && !projection[fieldID] {
			continue
		}
		field, ok := r.fieldByID(fieldID)
		if !ok {
			continue
		}
		colBytes, err := decoder.DecodeAll(compressed, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, errors.Wrap(err, "decompress partition column")
		}
		values, err := decodeColumn(colBytes, field.Type)
		if err != nil {
			return nil, err
		}
		block.Columns[fieldID] = values
	}
	return block, d.Err()
}

func (r *Reader) fieldByID(id uint32) (schema.Field, bool) {
	for _, f := range r.schema.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return schema.Field{}, false
}

func decodeColumn(raw []byte, t schema.FieldType) ([]record.Value, error) {
	d := record.NewDecbuf(raw)
	n := d.Uvarint()
	if d.Err() != nil || n < 0 {
		return nil, errors.New("corrupt column run")
	}
	bitmap := d.UvarintBytes()
	present := func(i int) bool {
		return i/8 < len(bitmap) && bitmap[i/8]&(1<<(i%8)) != 0
	}

	values := make([]record.Value, n)
	switch t.Kind {
	case schema.TypeBool:
		bits := d.UvarintBytes()
		for i := 0; i < n; i++ {
			if !present(i) {
				values[i] = record.Null()
				continue
			}
			values[i] = record.Bool(i/8 < len(bits) && bits[i/8]&(1<<(i%8)) != 0)
		}
	case schema.TypeInt64:
		for i := 0; i < n; i++ {
			if present(i) {
				values[i] = record.Int64(d.Varint64())
			} else {
				values[i] = record.Null()
			}
		}
	case schema.TypeTimestamp:
		for i := 0; i < n; i++ {
			if present(i) {
				values[i] = record.Timestamp(d.Varint64())
			} else {
				values[i] = record.Null()
			}
		}
	case schema.TypeFloat64:
		for i := 0; i < n; i++ {
			if present(i) {
				values[i] = record.Float64(d.Float64())
			} else {
				values[i] = record.Null()
			}
		}
	case schema.TypeUtf8:
		for i := 0; i < n; i++ {
			if present(i) {
				values[i] = record.String(d.UvarintStr())
			} else {
				values[i] = record.Null()
			}
		}
	case schema.TypeBinary:
		for i := 0; i < n; i++ {
			if present(i) {
				b := d.UvarintBytes()
				values[i] = record.BytesValue(append([]byte(nil), b...))
			} else {
				values[i] = record.Null()
			}
		}
	default:
		for i := 0; i < n; i++ {
			if present(i) {
				values[i] = record.DecodeValue(&d)
			} else {
				values[i] = record.Null()
			}
		}
	}
	return values, d.Err()
}

// Iterate scans rows in order, materializing only the projected columns plus
// any filtered ones, skipping whole blocks outside [minTS, maxTS] and
// yielding rows that pass every filter. fn returning an error stops the
// scan; io.EOF stops it cleanly.
func (r *Reader) Iterate(projection []string, filters []Filter, minTS, maxTS int64, fn func(rec record.Record) error) error {
	needed := map[uint32]bool{}
	addField := func(name string) {
		if f, ok := r.schema.Lookup(name); ok {
			needed[f.ID] = true
		}
	}
	if projection == nil {
		for _, f := range r.schema.Fields {
			needed[f.ID] = true
		}
	} else {
		for _, name := range projection {
			addField(name)
		}
	}
	for _, filter := range filters {
		addField(filter.Column)
	}
	addField(record.TimestampField)

	names := map[uint32]string{}
	for _, f := range r.schema.Fields {
		names[f.ID] = f.Name
	}

	for i, bm := range r.blocks {
		if bm.Rows == 0 || bm.MaxTS < minTS || bm.MinTS > maxTS {
			continue
		}
		block, err := r.ReadBlock(i, needed)
		if err != nil {
			return err
		}
		tsField, _ := r.schema.Lookup(record.TimestampField)
		tsCol := block.Columns[tsField.ID]

	rows:
		for row := 0; row < block.Rows; row++ {
			var ts int64
			if row < len(tsCol) && !tsCol[row].IsNull() {
				ts = tsCol[row].Int
			}
			if ts < minTS || ts > maxTS {
				continue
			}
			fields := make(map[string]record.Value, len(block.Columns))
			for id, col := range block.Columns {
				if row < len(col) && !col[row].IsNull() {
					fields[names[id]] = col[row]
				}
			}
			for _, filter := range filters {
				if !filter.MatchesRow(fields) {
					continue rows
				}
			}
			if err := fn(record.Record{Timestamp: ts, Fields: fields}); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// VerifyMagic is a cheap sanity check used by recovery paths.
func VerifyMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return err
	}
	if !bytes.Equal(magic[:], []byte(Magic)) {
		return errors.New("bad partition magic")
	}
	return nil
}
