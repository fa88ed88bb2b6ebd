package record

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// Values cross the catalog as kind-tagged JSON objects so manifests can carry
// per-column min/max without losing the type distinction between, say, the
// i64 5 and the utf8 "5".

type jsonValue struct {
	Kind  string      `json:"k"`
	Value interface{} `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Kind: v.Kind.String()}
	switch v.Kind {
	case KindNull:
	case KindBool:
		jv.Value = v.Bool
	case KindInt64, KindTimestamp:
		jv.Value = v.Int
	case KindFloat64:
		jv.Value = v.Float
	case KindString:
		jv.Value = v.Str
	case KindBytes:
		jv.Value = base64.StdEncoding.EncodeToString(v.Bytes)
	case KindList:
		elems := make([]json.RawMessage, 0, len(v.List))
		for _, e := range v.List {
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			elems = append(elems, b)
		}
		jv.Value = elems
	}
	return json.Marshal(jv)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var jv struct {
		Kind  string          `json:"k"`
		Value json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "null":
		*v = Null()
	case "boolean":
		var b bool
		if err := json.Unmarshal(jv.Value, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case "i64":
		var i int64
		if err := json.Unmarshal(jv.Value, &i); err != nil {
			return err
		}
		*v = Int64(i)
	case "timestamp":
		var i int64
		if err := json.Unmarshal(jv.Value, &i); err != nil {
			return err
		}
		*v = Timestamp(i)
	case "f64":
		var f float64
		if err := json.Unmarshal(jv.Value, &f); err != nil {
			return err
		}
		*v = Float64(f)
	case "utf8":
		var s string
		if err := json.Unmarshal(jv.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case "binary":
		var s string
		if err := json.Unmarshal(jv.Value, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*v = BytesValue(b)
	case "list":
		var elems []json.RawMessage
		if err := json.Unmarshal(jv.Value, &elems); err != nil {
			return err
		}
		vs := make([]Value, len(elems))
		for i, e := range elems {
			if err := vs[i].UnmarshalJSON(e); err != nil {
				return err
			}
		}
		*v = ListValue(vs)
	default:
		return errors.Errorf("unknown value kind %q", jv.Kind)
	}
	return nil
}
