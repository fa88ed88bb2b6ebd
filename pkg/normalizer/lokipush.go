package normalizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/record"
)

// The Loki push wire format (PushRequest/StreamAdapter/EntryAdapter) is
// parsed directly off the protobuf wire: it is three tiny messages and the
// repo carries no RPC codegen.
//
//	PushRequest  { repeated StreamAdapter streams = 1 }
//	StreamAdapter{ string labels = 1; repeated EntryAdapter entries = 2 }
//	EntryAdapter { Timestamp timestamp = 1; string line = 2;
//	               repeated LabelPair structured_metadata = 3 }
//	Timestamp    { int64 seconds = 1; int32 nanos = 2 }
//	LabelPair    { string name = 1; string value = 2 }

const lokiNameLabel = "__name__"

func normalizeLokiPush(org string, body []byte, opts Options) (Result, error) {
	if strings.Contains(opts.ContentType, "json") {
		return normalizeLokiJSON(org, body, opts)
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		// Uncompressed protobuf is accepted too.
		raw = body
	}

	var res Result
	builder := newBatchBuilder(org)

	if err := eachField(raw, func(num protowire.Number, payload []byte) error {
		if num != 1 {
			return nil
		}
		return parseLokiStream(payload, opts, builder, &res)
	}); err != nil {
		return res, apierror.BadRequest("invalid_push", "decode push request: %s", err)
	}
	builder.result(&res)
	return res, nil
}

func parseLokiStream(payload []byte, opts Options, builder *batchBuilder, res *Result) error {
	var labelsExpr string
	var entries [][]byte
	if err := eachField(payload, func(num protowire.Number, field []byte) error {
		switch num {
		case 1:
			labelsExpr = string(field)
		case 2:
			entries = append(entries, field)
		}
		return nil
	}); err != nil {
		return err
	}

	labels, err := parseLabels(labelsExpr)
	if err != nil {
		res.drop(FormatLokiPush, "invalid_labels", apierror.BadRequest("invalid_push", "parse labels %q: %s", labelsExpr, err))
		return nil
	}
	stream := streamFromLabels(labels, opts)

	for _, entry := range entries {
		rec, ok := parseLokiEntry(entry, labels, opts, res)
		if ok {
			builder.add(stream, rec)
		}
	}
	return nil
}

func parseLokiEntry(payload []byte, labels map[string]string, opts Options, res *Result) (record.Record, bool) {
	var tsNanos int64
	var line string
	structured := map[string]string{}

	err := walkMessage(payload, func(num protowire.Number, typ protowire.Type, _ uint64, b []byte) {
		if typ != protowire.BytesType {
			return
		}
		switch num {
		case 1:
			walkMessage(b, func(n protowire.Number, t protowire.Type, v uint64, _ []byte) {
				if t != protowire.VarintType {
					return
				}
				switch n {
				case 1:
					tsNanos += int64(v) * int64(1e9)
				case 2:
					tsNanos += int64(v)
				}
			})
		case 2:
			line = string(b)
		case 3:
			var name, value string
			walkMessage(b, func(n protowire.Number, t protowire.Type, _ uint64, pb []byte) {
				if t != protowire.BytesType {
					return
				}
				switch n {
				case 1:
					name = string(pb)
				case 2:
					value = string(pb)
				}
			})
			if name != "" {
				structured[name] = value
			}
		}
	})
	if err != nil {
		res.drop(FormatLokiPush, "invalid_entry", nil)
		return record.Record{}, false
	}

	fields := make(map[string]record.Value, len(labels)+len(structured)+1)
	originals := make(map[string]string, len(labels)+len(structured)+1)
	for name, value := range labels {
		if name == lokiNameLabel {
			continue
		}
		foldInto(fields, originals, name, record.String(value))
	}
	for name, value := range structured {
		foldInto(fields, originals, name, record.String(value))
	}
	foldInto(fields, originals, "line", record.String(line))

	ts := tsNanos / 1e3
	if ts == 0 {
		ts = opts.now().UnixMicro()
	}
	return newRecord(ts, fields), true
}

// eachField walks length-delimited fields of a protobuf message. Varint and
// fixed fields are skipped; callers needing them use walkMessage.
func eachField(msg []byte, fn func(num protowire.Number, payload []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, payload); err != nil {
				return err
			}
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return nil
}

// walkMessage visits every field with its raw varint or bytes payload.
func walkMessage(msg []byte, fn func(num protowire.Number, typ protowire.Type, varint uint64, bytes []byte)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, v, nil)
			msg = msg[n:]
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, typ, 0, b)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return nil
}

// parseLabels parses the `{name="value", ...}` label expression.
func parseLabels(expr string) (map[string]string, error) {
	labels := map[string]string{}
	s := strings.TrimSpace(expr)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("missing braces")
	}
	s = strings.TrimSpace(s[1 : len(s)-1])
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '='")
		}
		name := strings.TrimSpace(s[:eq])
		s = strings.TrimSpace(s[eq+1:])
		if len(s) == 0 || s[0] != '"' {
			return nil, fmt.Errorf("label value must be quoted")
		}
		value, rest, err := unquoteLabelValue(s)
		if err != nil {
			return nil, err
		}
		labels[name] = value
		s = strings.TrimSpace(rest)
		s = strings.TrimPrefix(s, ",")
		s = strings.TrimSpace(s)
	}
	return labels, nil
}

func unquoteLabelValue(s string) (string, string, error) {
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			value, err := strconv.Unquote(s[:i+1])
			return value, s[i+1:], err
		}
	}
	return "", "", fmt.Errorf("unterminated label value")
}

func streamFromLabels(labels map[string]string, opts Options) string {
	if name := labels[lokiNameLabel]; name != "" {
		return name
	}
	if opts.DefaultStream != "" {
		return opts.DefaultStream
	}
	return "default"
}

// normalizeLokiJSON parses the JSON push variant:
// {"streams":[{"stream":{...labels},"values":[["<ns>","line"],...]}]}
func normalizeLokiJSON(org string, body []byte, opts Options) (Result, error) {
	var res Result
	var req struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"streams"`
	}
	if err := jsonCodec.Unmarshal(body, &req); err != nil {
		return res, apierror.BadRequest("invalid_push", "decode push request: %s", err)
	}
	builder := newBatchBuilder(org)
	for _, s := range req.Streams {
		stream := streamFromLabels(s.Stream, opts)
		for _, pair := range s.Values {
			if len(pair) < 2 {
				res.drop(FormatLokiPush, "invalid_entry", nil)
				continue
			}
			nanos, err := strconv.ParseInt(pair[0], 10, 64)
			if err != nil {
				res.drop(FormatLokiPush, "bad_timestamp", apierror.BadRequest("bad_timestamp", "parse %q: %s", pair[0], err))
				continue
			}
			fields := make(map[string]record.Value, len(s.Stream)+1)
			originals := make(map[string]string, len(s.Stream)+1)
			for name, value := range s.Stream {
				if name == lokiNameLabel {
					continue
				}
				foldInto(fields, originals, name, record.String(value))
			}
			foldInto(fields, originals, "line", record.String(pair[1]))
			builder.add(stream, newRecord(nanos/1e3, fields))
		}
	}
	builder.result(&res)
	return res, nil
}
