package normalizer

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/jplandry908/openobserve/pkg/record"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// FlattenObject turns a decoded JSON object into a flat field map. Nested
// objects use `.` separators; arrays of scalars become lists; arrays of
// objects get [idx] path segments when flattenArrays is set, otherwise the
// whole array is serialized as utf8.
func FlattenObject(obj map[string]interface{}, flattenArrays bool) map[string]record.Value {
	fields := make(map[string]record.Value, len(obj))
	originals := make(map[string]string, len(obj))
	for name, raw := range obj {
		flattenValue(fields, originals, name, raw, flattenArrays)
	}
	return fields
}

func flattenValue(fields map[string]record.Value, originals map[string]string, path string, raw interface{}, flattenArrays bool) {
	switch v := raw.(type) {
	case map[string]interface{}:
		for name, nested := range v {
			flattenValue(fields, originals, path+"."+name, nested, flattenArrays)
		}
	case []interface{}:
		if allScalars(v) {
			list := make([]record.Value, 0, len(v))
			for _, e := range v {
				list = append(list, scalarValue(e))
			}
			foldInto(fields, originals, path, record.ListValue(list))
			return
		}
		if flattenArrays {
			for i, e := range v {
				flattenValue(fields, originals, fmt.Sprintf("%s[%d]", path, i), e, flattenArrays)
			}
			return
		}
		serialized, err := jsonCodec.Marshal(v)
		if err != nil {
			serialized = []byte("[]")
		}
		foldInto(fields, originals, path, record.String(string(serialized)))
	default:
		foldInto(fields, originals, path, scalarValue(raw))
	}
}

func allScalars(values []interface{}) bool {
	for _, v := range values {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return false
		}
	}
	return true
}

// scalarValue maps a decoded JSON scalar to a Value. Numbers decoded with
// UseNumber keep the i64/f64 distinction.
func scalarValue(raw interface{}) record.Value {
	switch v := raw.(type) {
	case nil:
		return record.Null()
	case bool:
		return record.Bool(v)
	case string:
		return record.String(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return record.Int64(i)
		}
		if f, err := v.Float64(); err == nil {
			return record.Float64(f)
		}
		return record.String(v.String())
	case float64:
		if v == float64(int64(v)) {
			return record.Int64(int64(v))
		}
		return record.Float64(v)
	case int64:
		return record.Int64(v)
	case int:
		return record.Int64(int64(v))
	default:
		return record.String(fmt.Sprint(v))
	}
}
