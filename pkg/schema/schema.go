// Package schema tracks the evolving per-stream field schemas. Fields are
// discovered additively; type conflicts resolve by widening along
// i64 → f64 → utf8, with utf8 as the top type.
package schema

import (
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/record"
)

// TypeKind is the closed set of column types.
type TypeKind uint8

const (
	TypeBool TypeKind = iota
	TypeInt64
	TypeFloat64
	TypeUtf8
	TypeBinary
	TypeTimestamp
	TypeList
	TypeStruct
)

func (t TypeKind) String() string {
	switch t {
	case TypeBool:
		return "boolean"
	case TypeInt64:
		return "i64"
	case TypeFloat64:
		return "f64"
	case TypeUtf8:
		return "utf8"
	case TypeBinary:
		return "binary"
	case TypeTimestamp:
		return "timestamp"
	case TypeList:
		return "list"
	case TypeStruct:
		return "struct"
	}
	return "utf8"
}

// FieldType is a column type; Elem is set for lists.
type FieldType struct {
	Kind TypeKind `json:"kind"`
	Elem TypeKind `json:"elem,omitempty"`
}

func Scalar(kind TypeKind) FieldType        { return FieldType{Kind: kind} }
func List(elem TypeKind) FieldType          { return FieldType{Kind: TypeList, Elem: elem} }
func (t FieldType) Equal(o FieldType) bool  { return t.Kind == o.Kind && t.Elem == o.Elem }

// rank orders the widening chain; a type never narrows to a lower rank.
func rank(kind TypeKind) int {
	switch kind {
	case TypeBool:
		return 0
	case TypeTimestamp:
		return 1
	case TypeInt64:
		return 2
	case TypeFloat64:
		return 3
	case TypeBinary:
		return 4
	case TypeUtf8:
		return 5
	default:
		return 5
	}
}

// Widen joins two field types. i64 widens to f64 widens to utf8, and
// timestamp widens to i64; any other disagreement joins to the top type utf8.
// Lists join element-wise, and a list against a scalar joins to utf8.
func Widen(a, b FieldType) FieldType {
	if a.Equal(b) {
		return a
	}
	if a.Kind == TypeList && b.Kind == TypeList {
		return List(Widen(Scalar(a.Elem), Scalar(b.Elem)).Kind)
	}
	if a.Kind == TypeList || b.Kind == TypeList {
		return Scalar(TypeUtf8)
	}
	lo, hi := a, b
	if rank(lo.Kind) > rank(hi.Kind) {
		lo, hi = hi, lo
	}
	// The only true widening steps; anything else goes to top.
	if lo.Kind == TypeInt64 && (hi.Kind == TypeFloat64 || hi.Kind == TypeUtf8) {
		return hi
	}
	if lo.Kind == TypeFloat64 && hi.Kind == TypeUtf8 {
		return hi
	}
	if lo.Kind == TypeTimestamp && hi.Kind == TypeInt64 {
		return hi
	}
	return Scalar(TypeUtf8)
}

// IsNarrowingOf reports whether to is narrower than from, i.e. a transition
// from → to would violate schema monotonicity.
func IsNarrowingOf(from, to FieldType) bool {
	return !Widen(from, to).Equal(to)
}

// TypeOf infers the field type of a value.
func TypeOf(v record.Value) FieldType {
	switch v.Kind {
	case record.KindBool:
		return Scalar(TypeBool)
	case record.KindInt64:
		return Scalar(TypeInt64)
	case record.KindFloat64:
		return Scalar(TypeFloat64)
	case record.KindBytes:
		return Scalar(TypeBinary)
	case record.KindTimestamp:
		return Scalar(TypeTimestamp)
	case record.KindList:
		elem := TypeUtf8
		if len(v.List) > 0 {
			elem = TypeOf(v.List[0]).Kind
			for _, e := range v.List[1:] {
				elem = Widen(Scalar(elem), TypeOf(e)).Kind
			}
		}
		return List(elem)
	default:
		return Scalar(TypeUtf8)
	}
}

// Field is one schema entry. IDs are dense and stable for the life of the
// stream; columnar builders key on them.
type Field struct {
	ID   uint32    `json:"id"`
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is an ordered field list at one committed version.
type Schema struct {
	Version int64   `json:"version"`
	Fields  []Field `json:"fields"`

	byName map[string]int
}

func New(version int64, fields []Field) *Schema {
	s := &Schema{Version: version, Fields: fields}
	s.reindex()
	return s
}

func (s *Schema) reindex() {
	s.byName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		s.byName[f.Name] = i
	}
}

// Lookup returns the field for name.
func (s *Schema) Lookup(name string) (Field, bool) {
	if s.byName == nil {
		s.reindex()
	}
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

func (s *Schema) Clone() *Schema {
	fields := make([]Field, len(s.Fields))
	copy(fields, s.Fields)
	return New(s.Version, fields)
}

// Validate checks monotonicity against a predecessor: fields are never
// dropped, renamed, re-typed downward, or re-numbered.
func (s *Schema) Validate(prev *Schema) error {
	if prev == nil {
		return nil
	}
	if len(s.Fields) < len(prev.Fields) {
		return errors.New("schema drops fields")
	}
	for i, f := range prev.Fields {
		next := s.Fields[i]
		if next.ID != f.ID || next.Name != f.Name {
			return errors.Errorf("schema reorders field %q", f.Name)
		}
		if IsNarrowingOf(f.Type, next.Type) {
			return errors.Errorf("schema narrows field %q from %s to %s", f.Name, f.Type.Kind, next.Type.Kind)
		}
	}
	return nil
}

// Coerce rewrites a value to fit the field type, per the widening rules: an
// i64 under an f64 column becomes a float, anything under a utf8 column
// becomes its string rendering.
func Coerce(v record.Value, t FieldType) record.Value {
	if v.IsNull() {
		return v
	}
	switch t.Kind {
	case TypeBool:
		if v.Kind == record.KindBool {
			return v
		}
	case TypeInt64:
		if v.Kind == record.KindInt64 {
			return v
		}
		if v.Kind == record.KindTimestamp {
			return record.Int64(v.Int)
		}
	case TypeFloat64:
		if f, ok := v.AsFloat(); ok {
			return record.Float64(f)
		}
	case TypeUtf8:
		return record.String(v.AsString())
	case TypeBinary:
		if v.Kind == record.KindBytes {
			return v
		}
		return record.BytesValue([]byte(v.AsString()))
	case TypeTimestamp:
		if v.Kind == record.KindTimestamp {
			return v
		}
		if v.Kind == record.KindInt64 {
			return record.Timestamp(v.Int)
		}
	case TypeList:
		if v.Kind == record.KindList {
			out := make([]record.Value, len(v.List))
			for i, e := range v.List {
				out[i] = Coerce(e, Scalar(t.Elem))
			}
			return record.ListValue(out)
		}
		return record.ListValue([]record.Value{Coerce(v, Scalar(t.Elem))})
	}
	// A value that still disagrees with the column after widening has no
	// sound representation; store null rather than corrupt the column.
	return record.Null()
}
