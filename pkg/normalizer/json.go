package normalizer

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/jplandry908/openobserve/pkg/apierror"
)

// normalizeJSON handles the `_json` endpoint: a JSON array of records or
// newline-delimited JSON objects. The stream name comes from the request
// (Options.DefaultStream).
func normalizeJSON(org string, body []byte, opts Options) (Result, error) {
	var res Result
	if opts.DefaultStream == "" {
		return res, apierror.BadRequest("missing_stream", "json ingestion requires a stream name")
	}
	builder := newBatchBuilder(org)

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return res, apierror.BadRequest("empty_body", "request body is empty")
	}

	var objects []map[string]interface{}
	if trimmed[0] == '[' {
		dec := jsonCodec.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&objects); err != nil {
			return res, apierror.BadRequest("invalid_json", "decode json array: %s", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(body))
		scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var obj map[string]interface{}
			dec := jsonCodec.NewDecoder(strings.NewReader(line))
			dec.UseNumber()
			if err := dec.Decode(&obj); err != nil {
				res.drop(FormatJSON, "invalid_json", apierror.BadRequest("invalid_json", "decode line: %s", err))
				continue
			}
			objects = append(objects, obj)
		}
		if err := scanner.Err(); err != nil {
			return res, apierror.BadRequest("invalid_json", "scan body: %s", err)
		}
		if len(objects) == 0 {
			return res, apierror.BadRequest("invalid_json", "no decodable records in body")
		}
	}

	for _, obj := range objects {
		fields := FlattenObject(obj, opts.FlattenArrays)
		ts, err := resolveTimestamp(fields, "", opts)
		if err != nil {
			res.drop(FormatJSON, "bad_timestamp", err)
			continue
		}
		builder.add(opts.DefaultStream, newRecord(ts, fields))
	}
	builder.result(&res)
	return res, nil
}
