package normalizer

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/jplandry908/openobserve/pkg/apierror"
)

// normalizeESBulk handles the Elasticsearch-compatible `_bulk` body:
// alternating action and document lines. Only index/create actions carry a
// document; delete/update actions are dropped and counted since historical
// records are immutable here.
func normalizeESBulk(org string, body []byte, opts Options) (Result, error) {
	var res Result
	builder := newBatchBuilder(org)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)

	var sawAction bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var action map[string]interface{}
		dec := jsonCodec.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&action); err != nil {
			res.drop(FormatESBulk, "invalid_action", apierror.BadRequest("invalid_bulk", "decode action line: %s", err))
			continue
		}
		sawAction = true

		verb, meta := bulkActionVerb(action)
		switch verb {
		case "index", "create":
		case "delete", "update":
			res.drop(FormatESBulk, "unsupported_action", nil)
			continue
		default:
			res.drop(FormatESBulk, "invalid_action", apierror.BadRequest("invalid_bulk", "unknown bulk action %q", verb))
			continue
		}

		stream := opts.DefaultStream
		if idx, ok := meta["_index"].(string); ok && idx != "" {
			stream = idx
		}
		if stream == "" {
			res.drop(FormatESBulk, "missing_stream", nil)
			continue
		}

		if !scanner.Scan() {
			res.drop(FormatESBulk, "missing_document", apierror.BadRequest("invalid_bulk", "action without document"))
			break
		}
		docLine := strings.TrimSpace(scanner.Text())
		var doc map[string]interface{}
		docDec := jsonCodec.NewDecoder(strings.NewReader(docLine))
		docDec.UseNumber()
		if err := docDec.Decode(&doc); err != nil {
			res.drop(FormatESBulk, "invalid_document", apierror.BadRequest("invalid_bulk", "decode document: %s", err))
			continue
		}

		fields := FlattenObject(doc, opts.FlattenArrays)
		ts, err := resolveTimestamp(fields, "", opts)
		if err != nil {
			res.drop(FormatESBulk, "bad_timestamp", err)
			continue
		}
		builder.add(stream, newRecord(ts, fields))
	}
	if err := scanner.Err(); err != nil {
		return res, apierror.BadRequest("invalid_bulk", "scan body: %s", err)
	}
	if !sawAction {
		return res, apierror.BadRequest("invalid_bulk", "no bulk actions in body")
	}
	builder.result(&res)
	return res, nil
}

func bulkActionVerb(action map[string]interface{}) (string, map[string]interface{}) {
	for _, verb := range []string{"index", "create", "delete", "update"} {
		if raw, ok := action[verb]; ok {
			meta, _ := raw.(map[string]interface{})
			if meta == nil {
				meta = map[string]interface{}{}
			}
			return verb, meta
		}
	}
	return "", nil
}
