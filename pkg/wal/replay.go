package wal

import (
	"encoding/binary"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

// Replay reads every un-truncated segment in order and calls fn for each
// intact record. A corrupt record ends the replay with a warning rather than
// an error: everything past it was never acknowledged (or was acknowledged
// under a fsync that did not complete), so it is discarded. Replay is
// idempotent from the caller's perspective; the catalog deduplicates
// re-flushed partitions by (ingester, segment, sequence).
func Replay(dir string, logger log.Logger, fn func(segment int, seq uint64, payload []byte) error) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	first, _, err := wlog.Segments(dir)
	if err != nil {
		return errors.Wrap(err, "list wal segments")
	}
	if first < 0 {
		return nil
	}

	segmentReader, err := wlog.NewSegmentsReader(dir)
	if err != nil {
		return errors.Wrap(err, "open wal segments for replay")
	}
	defer segmentReader.Close()

	reader := wlog.NewReader(segmentReader)
	for reader.Next() {
		rec := reader.Record()
		seq, n := binary.Uvarint(rec)
		if n <= 0 {
			level.Warn(logger).Log("msg", "skipping wal record without sequence header", "segment", reader.Segment())
			continue
		}
		// The reader reuses its record buffer across Next calls.
		payload := make([]byte, len(rec)-n)
		copy(payload, rec[n:])
		if err := fn(reader.Segment(), seq, payload); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		// Torn tail after a crash: only unacknowledged writes live there.
		level.Warn(logger).Log("msg", "wal replay stopped at corrupt record, discarding tail", "err", err)
	}
	return nil
}
