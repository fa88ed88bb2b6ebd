package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
)

func TestWiden(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b FieldType
		want FieldType
	}{
		{"same", Scalar(TypeInt64), Scalar(TypeInt64), Scalar(TypeInt64)},
		{"i64_f64", Scalar(TypeInt64), Scalar(TypeFloat64), Scalar(TypeFloat64)},
		{"f64_i64", Scalar(TypeFloat64), Scalar(TypeInt64), Scalar(TypeFloat64)},
		{"i64_utf8", Scalar(TypeInt64), Scalar(TypeUtf8), Scalar(TypeUtf8)},
		{"f64_utf8", Scalar(TypeFloat64), Scalar(TypeUtf8), Scalar(TypeUtf8)},
		{"bool_i64_tops", Scalar(TypeBool), Scalar(TypeInt64), Scalar(TypeUtf8)},
		{"binary_utf8", Scalar(TypeBinary), Scalar(TypeUtf8), Scalar(TypeUtf8)},
		{"ts_i64", Scalar(TypeTimestamp), Scalar(TypeInt64), Scalar(TypeInt64)},
		{"list_elem", List(TypeInt64), List(TypeFloat64), List(TypeFloat64)},
		{"list_scalar_tops", List(TypeInt64), Scalar(TypeInt64), Scalar(TypeUtf8)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Widen(tc.a, tc.b))
			// The join is commutative.
			assert.Equal(t, tc.want, Widen(tc.b, tc.a))
		})
	}
}

func TestWidenNeverNarrows(t *testing.T) {
	kinds := []TypeKind{TypeBool, TypeInt64, TypeFloat64, TypeUtf8, TypeBinary, TypeTimestamp}
	for _, a := range kinds {
		for _, b := range kinds {
			joined := Widen(Scalar(a), Scalar(b))
			// Joining the result with either input is a fixpoint.
			assert.Equal(t, joined, Widen(joined, Scalar(a)), "%s ⊔ %s", a, b)
			assert.Equal(t, joined, Widen(joined, Scalar(b)), "%s ⊔ %s", a, b)
		}
	}
}

func TestValidateMonotonicity(t *testing.T) {
	prev := New(1, []Field{
		{ID: 0, Name: "_timestamp", Type: Scalar(TypeTimestamp)},
		{ID: 1, Name: "n", Type: Scalar(TypeUtf8)},
	})

	narrowed := New(2, []Field{
		{ID: 0, Name: "_timestamp", Type: Scalar(TypeTimestamp)},
		{ID: 1, Name: "n", Type: Scalar(TypeInt64)},
	})
	require.Error(t, narrowed.Validate(prev))

	dropped := New(2, []Field{{ID: 0, Name: "_timestamp", Type: Scalar(TypeTimestamp)}})
	require.Error(t, dropped.Validate(prev))

	widened := New(2, []Field{
		{ID: 0, Name: "_timestamp", Type: Scalar(TypeTimestamp)},
		{ID: 1, Name: "n", Type: Scalar(TypeUtf8)},
		{ID: 2, Name: "extra", Type: Scalar(TypeBool)},
	})
	require.NoError(t, widened.Validate(prev))
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, record.String("1"), Coerce(record.Int64(1), Scalar(TypeUtf8)))
	assert.Equal(t, record.String("two"), Coerce(record.String("two"), Scalar(TypeUtf8)))
	assert.Equal(t, record.Float64(3), Coerce(record.Int64(3), Scalar(TypeFloat64)))
	assert.Equal(t, record.String("true"), Coerce(record.Bool(true), Scalar(TypeUtf8)))
	// A value with no sound representation under the column stores null.
	assert.Equal(t, record.Null(), Coerce(record.String("x"), Scalar(TypeInt64)))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, Scalar(TypeInt64), TypeOf(record.Int64(1)))
	assert.Equal(t, Scalar(TypeUtf8), TypeOf(record.String("s")))
	assert.Equal(t, List(TypeFloat64), TypeOf(record.ListValue([]record.Value{record.Int64(1), record.Float64(2.5)})))
}
