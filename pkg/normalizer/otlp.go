package normalizer

import (
	"strings"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/record"
)

const attrServiceName = "service.name"

func isJSONContent(contentType string) bool {
	return strings.Contains(contentType, "json")
}

// otlpStream picks the destination stream: the resource's service name, or
// the configured default.
func otlpStream(resource pcommon.Resource, opts Options) string {
	if v, ok := resource.Attributes().Get(attrServiceName); ok && v.AsString() != "" {
		return FoldFieldName(v.AsString())
	}
	if opts.DefaultStream != "" {
		return opts.DefaultStream
	}
	return "default"
}

func normalizeOTLPLogs(org string, body []byte, opts Options) (Result, error) {
	var res Result
	var logs plog.Logs
	var err error
	if isJSONContent(opts.ContentType) {
		logs, err = (&plog.JSONUnmarshaler{}).UnmarshalLogs(body)
	} else {
		logs, err = (&plog.ProtoUnmarshaler{}).UnmarshalLogs(body)
	}
	if err != nil {
		return res, apierror.BadRequest("invalid_otlp", "decode otlp logs: %s", err)
	}

	builder := newBatchBuilder(org)
	rls := logs.ResourceLogs()
	for i := 0; i < rls.Len(); i++ {
		rl := rls.At(i)
		stream := otlpStream(rl.Resource(), opts)
		resourceFields := attributeFields(rl.Resource().Attributes(), opts)
		sls := rl.ScopeLogs()
		for j := 0; j < sls.Len(); j++ {
			lrs := sls.At(j).LogRecords()
			for k := 0; k < lrs.Len(); k++ {
				lr := lrs.At(k)
				fields := make(map[string]record.Value, lr.Attributes().Len()+len(resourceFields)+4)
				originals := make(map[string]string, len(fields))
				for name, v := range resourceFields {
					fields[name] = v
				}
				mergeAttributes(fields, originals, lr.Attributes(), opts)

				foldInto(fields, originals, "body", otlpValue(lr.Body(), opts))
				if lr.SeverityNumber() != plog.SeverityNumberUnspecified {
					foldInto(fields, originals, "severity_number", record.Int64(int64(lr.SeverityNumber())))
				}
				if lr.SeverityText() != "" {
					foldInto(fields, originals, "severity_text", record.String(lr.SeverityText()))
				}
				if !lr.TraceID().IsEmpty() {
					foldInto(fields, originals, "trace_id", record.String(lr.TraceID().String()))
				}
				if !lr.SpanID().IsEmpty() {
					foldInto(fields, originals, "span_id", record.String(lr.SpanID().String()))
				}

				ts := int64(lr.Timestamp()) / 1e3
				if ts == 0 {
					ts = int64(lr.ObservedTimestamp()) / 1e3
				}
				if ts == 0 {
					ts = opts.now().UnixMicro()
				}
				builder.add(stream, newRecord(ts, fields))
			}
		}
	}
	builder.result(&res)
	return res, nil
}

func normalizeOTLPMetrics(org string, body []byte, opts Options) (Result, error) {
	var res Result
	var metrics pmetric.Metrics
	var err error
	if isJSONContent(opts.ContentType) {
		metrics, err = (&pmetric.JSONUnmarshaler{}).UnmarshalMetrics(body)
	} else {
		metrics, err = (&pmetric.ProtoUnmarshaler{}).UnmarshalMetrics(body)
	}
	if err != nil {
		return res, apierror.BadRequest("invalid_otlp", "decode otlp metrics: %s", err)
	}

	builder := newBatchBuilder(org)
	rms := metrics.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		rm := rms.At(i)
		stream := otlpStream(rm.Resource(), opts)
		resourceFields := attributeFields(rm.Resource().Attributes(), opts)
		sms := rm.ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				m := ms.At(k)
				switch m.Type() {
				case pmetric.MetricTypeGauge:
					addNumberPoints(builder, stream, m.Name(), m.Gauge().DataPoints(), resourceFields, opts)
				case pmetric.MetricTypeSum:
					addNumberPoints(builder, stream, m.Name(), m.Sum().DataPoints(), resourceFields, opts)
				case pmetric.MetricTypeHistogram:
					dps := m.Histogram().DataPoints()
					for l := 0; l < dps.Len(); l++ {
						dp := dps.At(l)
						fields, originals := samplePoint(m.Name(), dp.Attributes(), resourceFields, opts)
						foldInto(fields, originals, "count", record.Int64(int64(dp.Count())))
						if dp.HasSum() {
							foldInto(fields, originals, "sum", record.Float64(dp.Sum()))
						}
						builder.add(stream, newRecord(pointTS(dp.Timestamp(), opts), fields))
					}
				case pmetric.MetricTypeSummary:
					dps := m.Summary().DataPoints()
					for l := 0; l < dps.Len(); l++ {
						dp := dps.At(l)
						fields, originals := samplePoint(m.Name(), dp.Attributes(), resourceFields, opts)
						foldInto(fields, originals, "count", record.Int64(int64(dp.Count())))
						foldInto(fields, originals, "sum", record.Float64(dp.Sum()))
						builder.add(stream, newRecord(pointTS(dp.Timestamp(), opts), fields))
					}
				default:
					res.drop(FormatOTLPMetrics, "unsupported_metric_type", nil)
				}
			}
		}
	}
	builder.result(&res)
	return res, nil
}

func addNumberPoints(builder *batchBuilder, stream, name string, dps pmetric.NumberDataPointSlice, resourceFields map[string]record.Value, opts Options) {
	for i := 0; i < dps.Len(); i++ {
		dp := dps.At(i)
		fields, originals := samplePoint(name, dp.Attributes(), resourceFields, opts)
		switch dp.ValueType() {
		case pmetric.NumberDataPointValueTypeInt:
			foldInto(fields, originals, "value", record.Float64(float64(dp.IntValue())))
		default:
			foldInto(fields, originals, "value", record.Float64(dp.DoubleValue()))
		}
		builder.add(stream, newRecord(pointTS(dp.Timestamp(), opts), fields))
	}
}

func samplePoint(name string, attrs pcommon.Map, resourceFields map[string]record.Value, opts Options) (map[string]record.Value, map[string]string) {
	fields := make(map[string]record.Value, attrs.Len()+len(resourceFields)+2)
	originals := make(map[string]string, attrs.Len()+2)
	for k, v := range resourceFields {
		fields[k] = v
	}
	mergeAttributes(fields, originals, attrs, opts)
	foldInto(fields, originals, "__name__", record.String(name))
	return fields, originals
}

func pointTS(ts pcommon.Timestamp, opts Options) int64 {
	if ts == 0 {
		return opts.now().UnixMicro()
	}
	return int64(ts) / 1e3
}

func normalizeOTLPTraces(org string, body []byte, opts Options) (Result, error) {
	var res Result
	var traces ptrace.Traces
	var err error
	if isJSONContent(opts.ContentType) {
		traces, err = (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(body)
	} else {
		traces, err = (&ptrace.ProtoUnmarshaler{}).UnmarshalTraces(body)
	}
	if err != nil {
		return res, apierror.BadRequest("invalid_otlp", "decode otlp traces: %s", err)
	}

	builder := newBatchBuilder(org)
	rss := traces.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		stream := otlpStream(rs.Resource(), opts)
		resourceFields := attributeFields(rs.Resource().Attributes(), opts)
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				fields := make(map[string]record.Value, span.Attributes().Len()+len(resourceFields)+8)
				originals := make(map[string]string, len(fields))
				for name, v := range resourceFields {
					fields[name] = v
				}
				mergeAttributes(fields, originals, span.Attributes(), opts)
				foldInto(fields, originals, "trace_id", record.String(span.TraceID().String()))
				foldInto(fields, originals, "span_id", record.String(span.SpanID().String()))
				if !span.ParentSpanID().IsEmpty() {
					foldInto(fields, originals, "parent_span_id", record.String(span.ParentSpanID().String()))
				}
				foldInto(fields, originals, "operation_name", record.String(span.Name()))
				foldInto(fields, originals, "span_kind", record.String(span.Kind().String()))
				foldInto(fields, originals, "span_status", record.String(span.Status().Code().String()))
				foldInto(fields, originals, "duration_ns", record.Int64(int64(span.EndTimestamp())-int64(span.StartTimestamp())))
				builder.add(stream, newRecord(pointTS(span.StartTimestamp(), opts), fields))
			}
		}
	}
	builder.result(&res)
	return res, nil
}

// attributeFields flattens resource attributes once per resource so every
// record under it shares the same base map values.
func attributeFields(attrs pcommon.Map, opts Options) map[string]record.Value {
	fields := make(map[string]record.Value, attrs.Len())
	originals := make(map[string]string, attrs.Len())
	mergeAttributes(fields, originals, attrs, opts)
	return fields
}

func mergeAttributes(fields map[string]record.Value, originals map[string]string, attrs pcommon.Map, opts Options) {
	attrs.Range(func(name string, v pcommon.Value) bool {
		if v.Type() == pcommon.ValueTypeMap {
			v.Map().Range(func(nested string, nv pcommon.Value) bool {
				foldInto(fields, originals, name+"."+nested, otlpValue(nv, opts))
				return true
			})
			return true
		}
		foldInto(fields, originals, name, otlpValue(v, opts))
		return true
	})
}

func otlpValue(v pcommon.Value, opts Options) record.Value {
	switch v.Type() {
	case pcommon.ValueTypeStr:
		return record.String(v.Str())
	case pcommon.ValueTypeInt:
		return record.Int64(v.Int())
	case pcommon.ValueTypeDouble:
		return record.Float64(v.Double())
	case pcommon.ValueTypeBool:
		return record.Bool(v.Bool())
	case pcommon.ValueTypeBytes:
		return record.BytesValue(v.Bytes().AsRaw())
	case pcommon.ValueTypeSlice:
		list := make([]record.Value, 0, v.Slice().Len())
		for i := 0; i < v.Slice().Len(); i++ {
			list = append(list, otlpValue(v.Slice().At(i), opts))
		}
		return record.ListValue(list)
	case pcommon.ValueTypeMap:
		return record.String(v.AsString())
	default:
		return record.String(v.AsString())
	}
}
