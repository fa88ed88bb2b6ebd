package normalizer

import (
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jplandry908/openobserve/pkg/record"
)

// buildPushRequest assembles a PushRequest the way the Loki client would:
// snappy-compressed protobuf.
func buildPushRequest(labels string, entries []testEntry) []byte {
	var stream []byte
	stream = protowire.AppendTag(stream, 1, protowire.BytesType)
	stream = protowire.AppendString(stream, labels)
	for _, e := range entries {
		var ts []byte
		ts = protowire.AppendTag(ts, 1, protowire.VarintType)
		ts = protowire.AppendVarint(ts, uint64(e.ts.Unix()))
		ts = protowire.AppendTag(ts, 2, protowire.VarintType)
		ts = protowire.AppendVarint(ts, uint64(e.ts.Nanosecond()))

		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendBytes(entry, ts)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, e.line)
		for name, value := range e.structured {
			var pair []byte
			pair = protowire.AppendTag(pair, 1, protowire.BytesType)
			pair = protowire.AppendString(pair, name)
			pair = protowire.AppendTag(pair, 2, protowire.BytesType)
			pair = protowire.AppendString(pair, value)
			entry = protowire.AppendTag(entry, 3, protowire.BytesType)
			entry = protowire.AppendBytes(entry, pair)
		}

		stream = protowire.AppendTag(stream, 2, protowire.BytesType)
		stream = protowire.AppendBytes(stream, entry)
	}

	var req []byte
	req = protowire.AppendTag(req, 1, protowire.BytesType)
	req = protowire.AppendBytes(req, stream)
	return snappy.Encode(nil, req)
}

type testEntry struct {
	ts         time.Time
	line       string
	structured map[string]string
}

func TestLokiProtobufPush(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC)
	body := buildPushRequest(`{__name__="app", env="prod"}`, []testEntry{
		{ts: ts, line: "hello world", structured: map[string]string{"trace_id": "abc"}},
	})

	res, err := Normalize(FormatLokiPush, "default", body, Options{ContentType: "application/x-protobuf", Now: fixedNow})
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	batch := res.Batches[0]
	assert.Equal(t, "app", batch.Stream)
	require.Len(t, batch.Records, 1)

	rec := batch.Records[0]
	assert.Equal(t, ts.UnixMicro(), rec.Timestamp)
	assert.Equal(t, record.String("hello world"), rec.Fields["line"])
	assert.Equal(t, record.String("prod"), rec.Fields["env"])
	assert.Equal(t, record.String("abc"), rec.Fields["trace_id"])
	// __name__ names the stream, it is not a field.
	assert.NotContains(t, rec.Fields, "__name__")
}

func TestLokiPushDefaultStream(t *testing.T) {
	body := buildPushRequest(`{env="dev"}`, []testEntry{
		{ts: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), line: "x"},
	})
	res, err := Normalize(FormatLokiPush, "default", body, Options{Now: fixedNow})
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, "default", res.Batches[0].Stream)
}

func TestLokiPushGarbage(t *testing.T) {
	_, err := Normalize(FormatLokiPush, "default", []byte("\xff\xff\xff garbage"), Options{Now: fixedNow})
	require.Error(t, err)
}
