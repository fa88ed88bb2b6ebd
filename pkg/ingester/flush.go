package ingester

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/wal"
)

var flushBackoff = backoff.Config{
	MinBackoff: 100 * time.Millisecond,
	MaxBackoff: 10 * time.Second,
	MaxRetries: 0, // retry until the flush op timeout
}

func (i *Ingester) flushWorker() {
	defer i.flushWG.Done()
	for sealed := range i.sealedCh {
		ctx, cancel := context.WithTimeout(context.Background(), i.cfg.FlushOpTimeout)
		err := i.flushWithRetries(ctx, sealed)
		cancel()
		if err != nil {
			// The WAL still covers this memtable; it will be replayed on
			// restart. Dropping it here would break the durability
			// invariant for acknowledged writes.
			flushedPartitions.WithLabelValues("error").Inc()
			level.Error(i.logger).Log("msg", "flush failed, data remains WAL-covered",
				"org", sealed.mt.org, "stream", sealed.mt.stream, "err", err)
			continue
		}
		flushedPartitions.WithLabelValues("success").Inc()
	}
}

func (i *Ingester) flushWithRetries(ctx context.Context, sealed *sealedMemtable) error {
	boff := backoff.New(ctx, flushBackoff)
	var lastErr error
	for boff.Ongoing() {
		lastErr = i.flush(ctx, sealed)
		if lastErr == nil {
			return nil
		}
		level.Warn(i.logger).Log("msg", "flush attempt failed, retrying",
			"org", sealed.mt.org, "stream", sealed.mt.stream, "err", lastErr)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return lastErr
}

// flush writes the memtable as a partition file, uploads it, registers the
// manifest and finally truncates the covering WAL segments.
func (i *Ingester) flush(ctx context.Context, sealed *sealedMemtable) error {
	mt := sealed.mt
	snap := mt.snapshot()
	recs := snap.records()
	if len(recs) == 0 {
		i.finishFlush(sealed)
		return nil
	}

	sch, err := i.registry.SchemaAt(ctx, mt.org, mt.stream, mt.schemaVersion)
	if err != nil {
		// Fall back to the live schema, which is at least as wide.
		sch = sealed.inst.handle.Current()
	}

	id := uuid.New().String()
	minTS := recs[0].Timestamp
	for _, rec := range recs {
		if rec.Timestamp < minTS {
			minTS = rec.Timestamp
		}
	}
	objectKey := metastore.ObjectKey(mt.org, mt.stream, minTS, id)
	localPath := i.cache.LocalPath(objectKey)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o777); err != nil {
		return err
	}

	writerCfg := i.cfg.Writer
	writerCfg.BloomFields = append(writerCfg.BloomFields, sealed.inst.spec.BloomFields...)

	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w, err := partition.NewWriter(tmp, sch, writerCfg)
	if err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range recs {
		if err := w.Append(rec); err != nil {
			tmp.Close()
			return err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	err = i.store.PutObject(ctx, objectKey, f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "upload partition")
	}

	manifest := &metastore.Manifest{
		ID:            id,
		Org:           mt.org,
		Stream:        mt.stream,
		ObjectKey:     objectKey,
		MinTS:         meta.MinTS,
		MaxTS:         meta.MaxTS,
		Rows:          meta.Rows,
		Bytes:         meta.Bytes,
		SchemaVersion: sch.Version,
		Columns:       columnStats(meta.Columns),
		IngesterID:    i.id,
		WALSegment:    uint64(mt.firstRef.Segment),
		Sequence:      mt.firstRef.Seq,
		CreatedAt:     time.Now().UnixMicro(),
	}
	registered, err := i.catalog.RegisterPartition(ctx, manifest)
	if err != nil {
		return errors.Wrap(err, "register partition")
	}
	if !registered {
		// A previous flush of the same WAL range won the race (replay after
		// a crash between upload and truncation). Drop our duplicate file.
		level.Info(i.logger).Log("msg", "partition already registered, dropping duplicate flush",
			"org", mt.org, "stream", mt.stream, "segment", mt.firstRef.Segment, "seq", mt.firstRef.Seq)
		_ = i.store.DeleteObject(ctx, objectKey)
		_ = os.Remove(localPath)
		i.finishFlush(sealed)
		return nil
	}

	i.cache.Add(objectKey, meta.Bytes)
	if err := i.catalog.AddStreamStats(ctx, mt.org, mt.stream, meta.Rows, meta.Bytes); err != nil {
		level.Warn(i.logger).Log("msg", "failed to update stream stats", "err", err)
	}

	i.finishFlush(sealed)
	return nil
}

// finishFlush drops the memtable from the readable set and releases its WAL
// pins, truncating fully covered segments.
func (i *Ingester) finishFlush(sealed *sealedMemtable) {
	inst := sealed.inst
	inst.mu.Lock()
	for idx, mt := range inst.sealedRead {
		if mt == sealed.mt {
			inst.sealedRead = append(inst.sealedRead[:idx], inst.sealedRead[idx+1:]...)
			break
		}
	}
	inst.mu.Unlock()

	if pins := sealed.mt.walPins(); len(pins) > 0 {
		i.wal.Release(pins)
	}
	i.sealed.Dec()
	memtableCount.Dec()
}

// recover replays un-truncated WAL segments into fresh memtables and seals
// them for immediate flush. The writer opened a fresh segment on startup, so
// everything the reader sees predates this process. The catalog's
// (ingester, segment, sequence) dedupe makes replay idempotent.
func (i *Ingester) recover(ctx context.Context) error {
	replayed := 0
	err := wal.Replay(i.cfg.WAL.Dir, i.logger, func(segment int, seq uint64, payload []byte) error {
		i.wal.BumpSeq(seq)
		batch, err := record.DecodeBatch(payload)
		if err != nil {
			level.Warn(i.logger).Log("msg", "skipping undecodable wal batch", "segment", segment, "seq", seq, "err", err)
			return nil
		}
		inst, err := i.getOrCreateInstance(ctx, batch.Org, batch.Stream)
		if err != nil {
			return err
		}
		inst.mu.Lock()
		sch := inst.handle.Current()
		if inst.active == nil {
			inst.active = newMemtable(batch.Org, batch.Stream)
			memtableCount.Inc()
		}
		i.wal.Pin(segment)
		inst.active.append(sch, batch.Records, wal.Ref{Segment: segment, Seq: seq})
		inst.mu.Unlock()
		replayed += len(batch.Records)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "wal replay")
	}

	if replayed > 0 {
		level.Info(i.logger).Log("msg", "replayed wal into memtables, flushing", "records", replayed)
		i.sealIdle(true)
	}
	return nil
}

func columnStats(cols []partition.ColumnStats) []metastore.ColumnStats {
	out := make([]metastore.ColumnStats, len(cols))
	for i, c := range cols {
		out[i] = metastore.ColumnStats{
			Name:      c.Name,
			Type:      c.Type,
			Min:       c.Min,
			Max:       c.Max,
			NullCount: c.NullCount,
			Bloom:     c.Bloom,
		}
	}
	return out
}
