package record

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Encbuf/Decbuf are small varint-oriented buffers in the style of the
// prometheus tsdb encoding helpers; the WAL and the partition footer both
// frame their payloads with them.

type Encbuf struct {
	B []byte
	c [binary.MaxVarintLen64]byte
}

func (e *Encbuf) Reset()        { e.B = e.B[:0] }
func (e *Encbuf) Len() int      { return len(e.B) }
func (e *Encbuf) Get() []byte   { return e.B }
func (e *Encbuf) PutByte(b byte) { e.B = append(e.B, b) }

func (e *Encbuf) PutUvarint64(x uint64) {
	n := binary.PutUvarint(e.c[:], x)
	e.B = append(e.B, e.c[:n]...)
}

func (e *Encbuf) PutVarint64(x int64) {
	n := binary.PutVarint(e.c[:], x)
	e.B = append(e.B, e.c[:n]...)
}

func (e *Encbuf) PutUvarint(x int) { e.PutUvarint64(uint64(x)) }

func (e *Encbuf) PutBE64(x uint64) {
	binary.BigEndian.PutUint64(e.c[:8], x)
	e.B = append(e.B, e.c[:8]...)
}

func (e *Encbuf) PutFloat64(f float64) { e.PutBE64(math.Float64bits(f)) }

func (e *Encbuf) PutUvarintBytes(b []byte) {
	e.PutUvarint(len(b))
	e.B = append(e.B, b...)
}

func (e *Encbuf) PutUvarintStr(s string) {
	e.PutUvarint(len(s))
	e.B = append(e.B, s...)
}

var ErrDecode = errors.New("decode: invalid data")

type Decbuf struct {
	B []byte
	E error
}

func NewDecbuf(b []byte) Decbuf { return Decbuf{B: b} }

func (d *Decbuf) Err() error { return d.E }
func (d *Decbuf) Len() int   { return len(d.B) }

func (d *Decbuf) Byte() byte {
	if d.E != nil {
		return 0
	}
	if len(d.B) < 1 {
		d.E = ErrDecode
		return 0
	}
	b := d.B[0]
	d.B = d.B[1:]
	return b
}

func (d *Decbuf) Uvarint64() uint64 {
	if d.E != nil {
		return 0
	}
	x, n := binary.Uvarint(d.B)
	if n < 1 {
		d.E = ErrDecode
		return 0
	}
	d.B = d.B[n:]
	return x
}

func (d *Decbuf) Varint64() int64 {
	if d.E != nil {
		return 0
	}
	x, n := binary.Varint(d.B)
	if n < 1 {
		d.E = ErrDecode
		return 0
	}
	d.B = d.B[n:]
	return x
}

func (d *Decbuf) Uvarint() int { return int(d.Uvarint64()) }

func (d *Decbuf) BE64() uint64 {
	if d.E != nil {
		return 0
	}
	if len(d.B) < 8 {
		d.E = ErrDecode
		return 0
	}
	x := binary.BigEndian.Uint64(d.B)
	d.B = d.B[8:]
	return x
}

func (d *Decbuf) Float64() float64 { return math.Float64frombits(d.BE64()) }

func (d *Decbuf) UvarintBytes() []byte {
	l := d.Uvarint()
	if d.E != nil {
		return nil
	}
	if len(d.B) < l {
		d.E = ErrDecode
		return nil
	}
	b := d.B[:l]
	d.B = d.B[l:]
	return b
}

func (d *Decbuf) UvarintStr() string { return string(d.UvarintBytes()) }

// EncodeValue appends one tagged value.
func EncodeValue(e *Encbuf, v Value) {
	e.PutByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			e.PutByte(1)
		} else {
			e.PutByte(0)
		}
	case KindInt64, KindTimestamp:
		e.PutVarint64(v.Int)
	case KindFloat64:
		e.PutFloat64(v.Float)
	case KindString:
		e.PutUvarintStr(v.Str)
	case KindBytes:
		e.PutUvarintBytes(v.Bytes)
	case KindList:
		e.PutUvarint(len(v.List))
		for _, el := range v.List {
			EncodeValue(e, el)
		}
	}
}

// DecodeValue reads one tagged value.
func DecodeValue(d *Decbuf) Value {
	kind := Kind(d.Byte())
	switch kind {
	case KindNull:
		return Null()
	case KindBool:
		return Bool(d.Byte() != 0)
	case KindInt64:
		return Int64(d.Varint64())
	case KindTimestamp:
		return Timestamp(d.Varint64())
	case KindFloat64:
		return Float64(d.Float64())
	case KindString:
		return String(d.UvarintStr())
	case KindBytes:
		b := d.UvarintBytes()
		cp := make([]byte, len(b))
		copy(cp, b)
		return BytesValue(cp)
	case KindList:
		n := d.Uvarint()
		if d.E != nil || n < 0 || n > d.Len() {
			d.E = ErrDecode
			return Null()
		}
		vs := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			vs = append(vs, DecodeValue(d))
		}
		return ListValue(vs)
	default:
		d.E = ErrDecode
		return Null()
	}
}

// EncodeBatch frames a batch for the WAL: org, stream, then each record as
// timestamp plus field pairs.
func EncodeBatch(e *Encbuf, b Batch) {
	e.PutUvarintStr(b.Org)
	e.PutUvarintStr(b.Stream)
	e.PutUvarint(len(b.Records))
	for _, r := range b.Records {
		e.PutVarint64(r.Timestamp)
		e.PutUvarint(len(r.Fields))
		for _, name := range r.FieldNames() {
			e.PutUvarintStr(name)
			EncodeValue(e, r.Fields[name])
		}
	}
}

// DecodeBatch parses a batch frame produced by EncodeBatch.
func DecodeBatch(data []byte) (Batch, error) {
	d := NewDecbuf(data)
	b := Batch{
		Org:    d.UvarintStr(),
		Stream: d.UvarintStr(),
	}
	n := d.Uvarint()
	if d.E != nil || n < 0 {
		return b, ErrDecode
	}
	b.Records = make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r := Record{Timestamp: d.Varint64()}
		fields := d.Uvarint()
		if d.E != nil || fields < 0 {
			return b, ErrDecode
		}
		r.Fields = make(map[string]Value, fields)
		for j := 0; j < fields; j++ {
			name := d.UvarintStr()
			r.Fields[name] = DecodeValue(&d)
		}
		b.Records = append(b.Records, r)
	}
	return b, d.Err()
}
