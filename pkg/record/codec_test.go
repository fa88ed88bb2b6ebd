package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCodecRoundtrip(t *testing.T) {
	batch := Batch{
		Org:    "default",
		Stream: "logs",
		Records: []Record{
			{
				Timestamp: 1704067200000000,
				Fields: map[string]Value{
					"_timestamp": Timestamp(1704067200000000),
					"level":      String("info"),
					"count":      Int64(42),
					"ratio":      Float64(0.5),
					"ok":         Bool(true),
					"raw":        BytesValue([]byte{0x01, 0x02}),
					"tags":       ListValue([]Value{String("a"), String("b")}),
					"missing":    Null(),
				},
			},
			{
				Timestamp: 1704067201000000,
				Fields:    map[string]Value{"msg": String("hi")},
			},
		},
	}

	var enc Encbuf
	EncodeBatch(&enc, batch)
	decoded, err := DecodeBatch(enc.Get())
	require.NoError(t, err)

	require.Equal(t, batch.Org, decoded.Org)
	require.Equal(t, batch.Stream, decoded.Stream)
	require.Len(t, decoded.Records, 2)
	assert.Equal(t, batch.Records[0].Timestamp, decoded.Records[0].Timestamp)
	assert.Equal(t, batch.Records[0].Fields["level"], decoded.Records[0].Fields["level"])
	assert.Equal(t, batch.Records[0].Fields["tags"], decoded.Records[0].Fields["tags"])
	assert.Equal(t, batch.Records[0].Fields["raw"].Bytes, decoded.Records[0].Fields["raw"].Bytes)
	assert.Equal(t, batch.Records[1].Fields["msg"].Str, "hi")
}

func TestDecodeBatchCorrupt(t *testing.T) {
	var enc Encbuf
	EncodeBatch(&enc, Batch{Org: "o", Stream: "s", Records: []Record{{Timestamp: 1, Fields: map[string]Value{"a": Int64(1)}}}})
	data := enc.Get()

	_, err := DecodeBatch(data[:len(data)-2])
	require.Error(t, err)
}

func TestValueCompare(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b Value
		want int
	}{
		{"int_lt", Int64(1), Int64(2), -1},
		{"int_float", Int64(2), Float64(2.0), 0},
		{"string", String("a"), String("b"), -1},
		{"null_first", Null(), Int64(0), -1},
		{"ts_int", Timestamp(5), Int64(5), 0},
		{"bool_false_true", Bool(false), Bool(true), -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Compare(tc.a, tc.b)
			switch {
			case tc.want < 0:
				assert.Negative(t, got)
			case tc.want > 0:
				assert.Positive(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestValueJSONRoundtrip(t *testing.T) {
	values := []Value{
		Null(), Bool(true), Int64(-7), Float64(1.25), String("x"),
		BytesValue([]byte("raw")), Timestamp(1704067200000000),
		ListValue([]Value{Int64(1), String("two")}),
	}
	for _, v := range values {
		data, err := v.MarshalJSON()
		require.NoError(t, err)
		var back Value
		require.NoError(t, back.UnmarshalJSON(data))
		assert.Equal(t, v, back)
	}
}
