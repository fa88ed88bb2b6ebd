package record

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind enumerates the closed set of scalar shapes a field value can take.
// Nested objects never reach a Value; the normalizer flattens them into
// dotted field names first.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindTimestamp
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt64:
		return "i64"
	case KindFloat64:
		return "f64"
	case KindString:
		return "utf8"
	case KindBytes:
		return "binary"
	case KindTimestamp:
		return "timestamp"
	case KindList:
		return "list"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged union holding one field value. Only the member matching
// Kind is meaningful. It is kept flat (no interface boxing) so record batches
// stay allocation-friendly on the ingest hot path.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	List  []Value
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int64(i int64) Value         { return Value{Kind: KindInt64, Int: i} }
func Float64(f float64) Value     { return Value{Kind: KindFloat64, Float: f} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value   { return Value{Kind: KindBytes, Bytes: b} }
func Timestamp(ts int64) Value    { return Value{Kind: KindTimestamp, Int: ts} }
func ListValue(vs []Value) Value  { return Value{Kind: KindList, List: vs} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// AsString renders the value the way it would be stored after widening to
// utf8. Integers keep their decimal form, floats use the shortest
// round-trippable representation.
func (v Value) AsString() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt64, KindTimestamp:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindBytes:
		return string(v.Bytes)
	case KindList:
		parts := make([]string, 0, len(v.List))
		for _, e := range v.List {
			parts = append(parts, e.AsString())
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return ""
}

// AsFloat widens numeric values to f64. Returns false for non-numeric kinds.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt64, KindTimestamp:
		return float64(v.Int), true
	case KindFloat64:
		return v.Float, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
	return 0, false
}

// Compare orders two values of compatible kinds. Numeric kinds compare
// numerically across i64/f64/timestamp; everything else compares by the utf8
// rendering. Null sorts first.
func Compare(a, b Value) int {
	if a.Kind == KindNull || b.Kind == KindNull {
		switch {
		case a.Kind == b.Kind:
			return 0
		case a.Kind == KindNull:
			return -1
		default:
			return 1
		}
	}
	af, aok := a.AsFloat()
	bf, bok := b.AsFloat()
	if aok && bok && a.Kind != KindString && b.Kind != KindString {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if a.Kind == KindBytes && b.Kind == KindBytes {
		return bytes.Compare(a.Bytes, b.Bytes)
	}
	return strings.Compare(a.AsString(), b.AsString())
}

// Equal reports value equality under the same coercions Compare applies.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Record is one normalized event: a logical timestamp in microseconds since
// epoch and a flat field map. The timestamp also appears in Fields under
// TimestampField so projections treat it like any other column.
type Record struct {
	Timestamp int64
	Fields    map[string]Value
}

// TimestampField is the reserved column holding the record timestamp.
const TimestampField = "_timestamp"

// FieldNames returns the record's field names sorted, for deterministic
// iteration in tests and codecs.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Batch is a run of records for one stream, in acknowledged ingestion order.
type Batch struct {
	Org     string
	Stream  string
	Records []Record
}
