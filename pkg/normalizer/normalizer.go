// Package normalizer turns raw ingestion payloads into normalized record
// batches: flattened field maps with folded names and a resolved timestamp.
package normalizer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/record"
)

// SourceFormat tags the wire format of an ingestion payload.
type SourceFormat string

const (
	FormatJSON        SourceFormat = "json-batch"
	FormatESBulk      SourceFormat = "es-bulk"
	FormatLokiPush    SourceFormat = "loki-push"
	FormatOTLPLogs    SourceFormat = "otlp-logs"
	FormatOTLPMetrics SourceFormat = "otlp-metrics"
	FormatOTLPTraces  SourceFormat = "otlp-traces"
	FormatSyslog      SourceFormat = "syslog"
)

var droppedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "openobserve",
	Name:      "normalizer_dropped_records_total",
	Help:      "Records dropped during normalization, by reason.",
}, []string{"format", "reason"})

// Options control normalization for one request.
type Options struct {
	// DefaultStream receives records whose source format cannot name a
	// stream (OTLP without a service name, json-batch).
	DefaultStream string
	// FlattenArrays expands arrays of objects with [idx] path segments;
	// when false they are serialized as utf8.
	FlattenArrays bool
	// ContentType distinguishes protobuf from JSON bodies where the format
	// supports both.
	ContentType string
	// Now stamps records without a timestamp; defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Result is the outcome of normalizing one payload. Batches preserve input
// order within each stream. Dropped records are counted, never retried.
type Result struct {
	Batches []record.Batch
	Dropped int
	Errors  []error
}

func (r *Result) drop(format SourceFormat, reason string, err error) {
	r.Dropped++
	droppedRecords.WithLabelValues(string(format), reason).Inc()
	if err != nil && len(r.Errors) < 16 {
		r.Errors = append(r.Errors, err)
	}
}

// batchBuilder groups records per stream while preserving first-seen stream
// order.
type batchBuilder struct {
	org     string
	order   []string
	batches map[string]*record.Batch
}

func newBatchBuilder(org string) *batchBuilder {
	return &batchBuilder{org: org, batches: map[string]*record.Batch{}}
}

func (b *batchBuilder) add(stream string, rec record.Record) {
	batch, ok := b.batches[stream]
	if !ok {
		batch = &record.Batch{Org: b.org, Stream: stream}
		b.batches[stream] = batch
		b.order = append(b.order, stream)
	}
	batch.Records = append(batch.Records, rec)
}

func (b *batchBuilder) result(res *Result) {
	for _, stream := range b.order {
		res.Batches = append(res.Batches, *b.batches[stream])
	}
}

// Normalize decodes body according to format and returns normalized batches.
// A body that cannot be decoded at all fails with BadRequest; individually
// malformed records are dropped and counted.
func Normalize(format SourceFormat, org string, body []byte, opts Options) (Result, error) {
	switch format {
	case FormatJSON:
		return normalizeJSON(org, body, opts)
	case FormatESBulk:
		return normalizeESBulk(org, body, opts)
	case FormatLokiPush:
		return normalizeLokiPush(org, body, opts)
	case FormatOTLPLogs:
		return normalizeOTLPLogs(org, body, opts)
	case FormatOTLPMetrics:
		return normalizeOTLPMetrics(org, body, opts)
	case FormatOTLPTraces:
		return normalizeOTLPTraces(org, body, opts)
	case FormatSyslog:
		return normalizeSyslog(org, body, opts)
	default:
		return Result{}, apierror.BadRequest("unknown_format", "unknown source format %q", format)
	}
}

// FoldFieldName lowercases a field name and replaces characters outside
// [a-z0-9_] with underscores. The separators flattening introduces (dots and
// [idx] segments) pass through untouched.
func FoldFieldName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_',
			c == '.', c == '[', c == ']':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// foldInto stores v under the folded name. When two distinct originals fold
// to the same name the later one keeps a suffix derived from its original
// spelling so neither is silently overwritten.
func foldInto(fields map[string]record.Value, originals map[string]string, name string, v record.Value) {
	folded := FoldFieldName(name)
	if prev, ok := originals[folded]; ok && prev != name {
		folded = fmt.Sprintf("%s_%x", folded, xxhash.Sum64String(name)&0xffff)
	}
	originals[folded] = name
	fields[folded] = v
}

// resolveTimestamp finds the record timestamp among the well-known fields,
// removes the winning field from the map, and returns microseconds since
// epoch. canonical is the source format's own timestamp field, if any.
func resolveTimestamp(fields map[string]record.Value, canonical string, opts Options) (int64, error) {
	candidates := []string{record.TimestampField, "time", "@timestamp"}
	if canonical != "" {
		candidates = append(candidates, canonical)
	}
	for _, name := range candidates {
		v, ok := fields[name]
		if !ok {
			continue
		}
		ts, err := parseTimestamp(v)
		if err != nil {
			return 0, apierror.BadRequest("bad_timestamp", "field %s: %s", name, err)
		}
		delete(fields, name)
		return ts, nil
	}
	return opts.now().UnixMicro(), nil
}

// parseTimestamp accepts RFC 3339 strings and epoch numbers, guessing the
// unit of a bare number by magnitude.
func parseTimestamp(v record.Value) (int64, error) {
	switch v.Kind {
	case record.KindString:
		t, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			// Epoch rendered as a string is accepted too.
			if n, nerr := strconv.ParseInt(v.Str, 10, 64); nerr == nil {
				return epochToMicros(n), nil
			}
			return 0, err
		}
		return t.UnixMicro(), nil
	case record.KindInt64, record.KindTimestamp:
		return epochToMicros(v.Int), nil
	case record.KindFloat64:
		return epochToMicros(int64(v.Float)), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp kind %s", v.Kind)
	}
}

// newRecord builds a record and mirrors the timestamp into the reserved
// column so projections see it like any other field.
func newRecord(ts int64, fields map[string]record.Value) record.Record {
	fields[record.TimestampField] = record.Timestamp(ts)
	return record.Record{Timestamp: ts, Fields: fields}
}

func epochToMicros(n int64) int64 {
	switch {
	case n >= 1e17: // nanoseconds
		return n / 1e3
	case n >= 1e14: // microseconds
		return n
	case n >= 1e11: // milliseconds
		return n * 1e3
	default: // seconds
		return n * 1e6
	}
}
