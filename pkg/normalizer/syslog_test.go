package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
)

func TestParseSyslogRFC5424(t *testing.T) {
	line := []byte(`<165>1 2024-01-01T00:00:00.000Z mymachine.example.com evntslog 1234 ID47 [exampleSDID@32473 iut="3" eventSource="Application"] An application event`)
	rec, err := ParseSyslogMessage(line, fixedNow())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro(), rec.Timestamp)
	assert.Equal(t, record.String("An application event"), rec.Fields["message"])
	assert.Equal(t, record.String("mymachine.example.com"), rec.Fields["hostname"])
	assert.Equal(t, record.String("evntslog"), rec.Fields["appname"])
	assert.Equal(t, record.String("1234"), rec.Fields["procid"])
	assert.Equal(t, record.String("ID47"), rec.Fields["msgid"])
	// Priority 165 = facility 20 (local4), severity 5 (notice).
	assert.Equal(t, record.String("notice"), rec.Fields["severity"])
	assert.Equal(t, record.String("local4"), rec.Fields["facility"])
	assert.Equal(t, record.Int64(1), rec.Fields["version"])
	// Structured data params flatten under the sd-id, with the folding the
	// rest of ingestion applies.
	assert.Equal(t, record.String("3"), rec.Fields["examplesdid_32473.iut"])
	assert.Equal(t, record.String("Application"), rec.Fields["examplesdid_32473.eventsource"])
}

func TestParseSyslogRFC3164(t *testing.T) {
	line := []byte(`<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8`)
	rec, err := ParseSyslogMessage(line, fixedNow())
	require.NoError(t, err)

	assert.Equal(t, record.String("mymachine"), rec.Fields["hostname"])
	assert.Equal(t, record.String("su"), rec.Fields["appname"])
	// Priority 34 = facility 4 (auth), severity 2 (crit).
	assert.Equal(t, record.String("crit"), rec.Fields["severity"])
	assert.Equal(t, record.String("auth"), rec.Fields["facility"])
	assert.Contains(t, rec.Fields["message"].Str, "failed for lonvick")
	// BSD timestamps carry month and day but no year.
	parsed := time.UnixMicro(rec.Timestamp).UTC()
	assert.Equal(t, time.October, parsed.Month())
	assert.Equal(t, 11, parsed.Day())
}

func TestParseSyslogGarbage(t *testing.T) {
	_, err := ParseSyslogMessage([]byte("not a syslog message at all"), fixedNow())
	require.Error(t, err)
}

func TestNormalizeSyslogBody(t *testing.T) {
	body := []byte(`<165>1 2024-01-01T00:00:00Z host app - - - first
<165>1 2024-01-01T00:00:01Z host app - - - second
garbage line
`)
	res, err := Normalize(FormatSyslog, "default", body, Options{DefaultStream: "firewall", Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Batches, 1)
	batch := res.Batches[0]
	assert.Equal(t, "firewall", batch.Stream)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, record.String("first"), batch.Records[0].Fields["message"])
	assert.Equal(t, record.String("second"), batch.Records[1].Fields["message"])
}
