package normalizer

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	syslogparser "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/record"
)

// Syslog messages are parsed as RFC 5424 when the priority is followed by a
// version digit, otherwise as BSD RFC 3164. Field names mirror the rest of
// the platform: message, hostname, appname, procid, msgid, severity and
// facility keywords, plus structured-data params as `<sd-id>.<param>`.

var severityKeywords = [...]string{
	"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
}

var facilityKeywords = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// normalizeSyslog handles newline-delimited syslog payloads; the TCP/UDP
// listener feeds single messages through ParseSyslogMessage directly.
func normalizeSyslog(org string, body []byte, opts Options) (Result, error) {
	var res Result
	stream := opts.DefaultStream
	if stream == "" {
		stream = "syslog"
	}
	builder := newBatchBuilder(org)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	any := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		any = true
		rec, err := ParseSyslogMessage([]byte(line), opts.now())
		if err != nil {
			res.drop(FormatSyslog, "bad_message", apierror.BadRequest("invalid_syslog", "parse message: %s", err))
			continue
		}
		builder.add(stream, rec)
	}
	if err := scanner.Err(); err != nil {
		return res, apierror.BadRequest("invalid_syslog", "scan body: %s", err)
	}
	if !any {
		return res, apierror.BadRequest("empty_body", "request body is empty")
	}
	builder.result(&res)
	return res, nil
}

// ParseSyslogMessage parses one syslog message into a normalized record,
// stamping now when the message carries no timestamp.
func ParseSyslogMessage(line []byte, now time.Time) (record.Record, error) {
	var (
		msg syslogparser.Message
		err error
	)
	if looksLikeRFC5424(line) {
		msg, err = rfc5424.NewParser(rfc5424.WithBestEffort()).Parse(line)
	} else {
		msg, err = rfc3164.NewParser(rfc3164.WithBestEffort(), rfc3164.WithYear(rfc3164.CurrentYear{})).Parse(line)
	}
	if msg == nil {
		return record.Record{}, err
	}

	fields := map[string]record.Value{}
	originals := map[string]string{}
	var ts *time.Time

	switch m := msg.(type) {
	case *rfc5424.SyslogMessage:
		mapBase(fields, originals, m.Base)
		foldInto(fields, originals, "version", record.Int64(int64(m.Version)))
		if m.StructuredData != nil {
			for id, params := range *m.StructuredData {
				for name, value := range params {
					foldInto(fields, originals, id+"."+name, record.String(value))
				}
			}
		}
		ts = m.Timestamp
	case *rfc3164.SyslogMessage:
		mapBase(fields, originals, m.Base)
		ts = m.Timestamp
	default:
		return record.Record{}, err
	}

	when := now
	if ts != nil {
		when = *ts
	}
	return newRecord(when.UnixMicro(), fields), nil
}

func mapBase(fields map[string]record.Value, originals map[string]string, base syslogparser.Base) {
	if base.Message != nil {
		foldInto(fields, originals, "message", record.String(*base.Message))
	}
	if base.Hostname != nil {
		foldInto(fields, originals, "hostname", record.String(*base.Hostname))
	}
	if base.Appname != nil {
		foldInto(fields, originals, "appname", record.String(*base.Appname))
	}
	if base.ProcID != nil {
		foldInto(fields, originals, "procid", record.String(*base.ProcID))
	}
	if base.MsgID != nil {
		foldInto(fields, originals, "msgid", record.String(*base.MsgID))
	}
	if base.Severity != nil && int(*base.Severity) < len(severityKeywords) {
		foldInto(fields, originals, "severity", record.String(severityKeywords[*base.Severity]))
	}
	if base.Facility != nil && int(*base.Facility) < len(facilityKeywords) {
		foldInto(fields, originals, "facility", record.String(facilityKeywords[*base.Facility]))
	}
}

// looksLikeRFC5424 reports whether the priority is followed by a version
// digit and a space, the 5424 header shape.
func looksLikeRFC5424(line []byte) bool {
	end := bytes.IndexByte(line, '>')
	if len(line) == 0 || line[0] != '<' || end < 2 || end+2 >= len(line) {
		return false
	}
	return line[end+1] >= '1' && line[end+1] <= '9' && line[end+2] == ' '
}
