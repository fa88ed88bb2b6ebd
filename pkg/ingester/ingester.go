package ingester

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
	"github.com/jplandry908/openobserve/pkg/wal"
)

// Config for an ingester.
type Config struct {
	WAL    wal.Config             `yaml:"wal"`
	Writer partition.WriterConfig `yaml:"writer"`

	MaxMemtableBytes  int64         `yaml:"memtable_max_bytes"`
	MaxMemtableAge    time.Duration `yaml:"memtable_max_age"`
	FlushCheckPeriod  time.Duration `yaml:"flush_check_period"`
	ConcurrentFlushes int           `yaml:"concurrent_flushes"`
	FlushOpTimeout    time.Duration `yaml:"flush_op_timeout"`

	// Admission control.
	MaxMemtables      int           `yaml:"max_memtables"`
	FsyncP95Threshold time.Duration `yaml:"fsync_p95_threshold"`
	RetryAfter        time.Duration `yaml:"retry_after"`

	DefaultRetentionHours int `yaml:"default_retention_hours"`
	MaxSchemaRetries      int `yaml:"max_schema_retries"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.WAL.RegisterFlags(f)
	f.Int64Var(&cfg.MaxMemtableBytes, "ingester.memtable-max-bytes", 64<<20, "Seal and flush a memtable over this size.")
	f.DurationVar(&cfg.MaxMemtableAge, "ingester.memtable-max-age", 10*time.Minute, "Seal and flush a memtable older than this.")
	f.DurationVar(&cfg.FlushCheckPeriod, "ingester.flush-check-period", 10*time.Second, "How often to check memtables against the flush thresholds.")
	f.IntVar(&cfg.ConcurrentFlushes, "ingester.concurrent-flushes", 4, "How many flushes to run concurrently.")
	f.DurationVar(&cfg.FlushOpTimeout, "ingester.flush-op-timeout", 10*time.Minute, "Timeout for one flush operation.")
	f.IntVar(&cfg.MaxMemtables, "ingester.max-memtables", 256, "Reject writes when this many memtables are held in memory.")
	f.DurationVar(&cfg.FsyncP95Threshold, "ingester.fsync-p95-threshold", 2*time.Second, "Reject writes when WAL fsync p95 exceeds this.")
	f.DurationVar(&cfg.RetryAfter, "ingester.retry-after", 10*time.Second, "Retry-After hint returned with overload rejections.")
	f.IntVar(&cfg.DefaultRetentionHours, "ingester.default-retention-hours", 14*24, "Retention for streams created on first write.")
	f.IntVar(&cfg.MaxSchemaRetries, "ingester.max-schema-retries", 8, "How many times to retry schema observe+commit on conflict.")
}

func (cfg *Config) Validate() error {
	return cfg.WAL.Validate()
}

// ShardChecker tells the ingester which streams it owns. A nil checker owns
// everything (single node).
type ShardChecker interface {
	OwnsStream(org, stream string) bool
}

var (
	ingestedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "ingester_records_total",
		Help:      "Records accepted into the memtable.",
	}, []string{"org"})
	rejectedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "ingester_rejected_records_total",
		Help:      "Records rejected before acknowledgment.",
	}, []string{"org", "reason"})
	memtableCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openobserve",
		Name:      "ingester_memtables",
		Help:      "Live memtables, active plus sealed.",
	})
	flushedPartitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "ingester_flushed_partitions_total",
		Help:      "Partitions flushed, by outcome.",
	}, []string{"outcome"})
)

// Ingester accepts normalized batches, evolves schemas, persists batches to
// the WAL and buffers them in memtables until flush.
type Ingester struct {
	services.Service

	cfg      Config
	logger   log.Logger
	id       string
	registry *schema.Registry
	catalog  *metastore.Catalog
	store    client.ObjectClient
	cache    *cache.PartitionCache
	wal      *wal.Writer
	shards   ShardChecker

	mu        sync.RWMutex
	instances map[string]*instance

	sealedCh chan *sealedMemtable
	sealed   atomic.Int64

	flushWG sync.WaitGroup
}

// instance is the per-stream ingestion state.
type instance struct {
	mu     sync.Mutex
	org    string
	stream string
	spec   metastore.StreamSpec
	handle *schema.Handle
	active *memtable
	// Sealed memtables stay readable until their partition is registered.
	sealedRead []*memtable
}

type sealedMemtable struct {
	inst *instance
	mt   *memtable
}

// New makes a new Ingester.
func New(cfg Config, id string, registry *schema.Registry, catalog *metastore.Catalog, store client.ObjectClient, partCache *cache.PartitionCache, shards ShardChecker, logger log.Logger) (*Ingester, error) {
	walWriter, err := wal.NewWriter(cfg.WAL, logger)
	if err != nil {
		return nil, err
	}
	i := &Ingester{
		cfg:       cfg,
		logger:    logger,
		id:        id,
		registry:  registry,
		catalog:   catalog,
		store:     store,
		cache:     partCache,
		wal:       walWriter,
		shards:    shards,
		instances: map[string]*instance{},
		sealedCh:  make(chan *sealedMemtable, cfg.MaxMemtables),
	}
	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

func (i *Ingester) starting(ctx context.Context) error {
	for n := 0; n < i.cfg.ConcurrentFlushes; n++ {
		i.flushWG.Add(1)
		go i.flushWorker()
	}
	return i.recover(ctx)
}

func (i *Ingester) running(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.FlushCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			i.sealIdle(false)
		}
	}
}

// stopping flushes everything so a cooperative shard handover leaves no data
// behind; the flushes release WAL segments, which truncates the log.
func (i *Ingester) stopping(_ error) error {
	i.sealIdle(true)
	close(i.sealedCh)
	i.flushWG.Wait()
	return i.wal.Close()
}

func instanceKey(org, stream string) string { return org + "/" + stream }

// Push ingests one normalized batch: schema evolution, WAL append, memtable
// insert, ack. Errors before the WAL append reject the batch cleanly.
func (i *Ingester) Push(ctx context.Context, batch record.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	if i.shards != nil && !i.shards.OwnsStream(batch.Org, batch.Stream) {
		return apierror.New(apierror.KindBadRequest, "wrong_shard", "stream %s/%s is not owned by this ingester", batch.Org, batch.Stream)
	}
	if err := i.admit(); err != nil {
		rejectedRecords.WithLabelValues(batch.Org, "overloaded").Add(float64(len(batch.Records)))
		return err
	}

	inst, err := i.getOrCreateInstance(ctx, batch.Org, batch.Stream)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	sealed, err := i.pushLocked(ctx, inst, batch)
	inst.mu.Unlock()
	if err != nil {
		return err
	}
	// Enqueued outside the instance lock: the flush worker takes it while
	// finishing earlier memtables of the same stream.
	if sealed != nil {
		i.sealedCh <- sealed
	}
	return nil
}

func (i *Ingester) pushLocked(ctx context.Context, inst *instance, batch record.Batch) (*sealedMemtable, error) {
	sch, err := i.evolveSchema(ctx, inst, batch.Records)
	if err != nil {
		rejectedRecords.WithLabelValues(batch.Org, "schema").Add(float64(len(batch.Records)))
		return nil, err
	}

	coerced := make([]record.Record, len(batch.Records))
	for idx, rec := range batch.Records {
		fields := make(map[string]record.Value, len(rec.Fields))
		for name, v := range rec.Fields {
			f, ok := sch.Lookup(name)
			if !ok {
				continue
			}
			fields[name] = schema.Coerce(v, f.Type)
		}
		coerced[idx] = record.Record{Timestamp: rec.Timestamp, Fields: fields}
	}

	var enc record.Encbuf
	record.EncodeBatch(&enc, record.Batch{Org: batch.Org, Stream: batch.Stream, Records: coerced})
	ref, err := i.wal.Append(enc.Get(), inst.spec.DurableWAL)
	if err != nil {
		rejectedRecords.WithLabelValues(batch.Org, "wal").Add(float64(len(batch.Records)))
		return nil, apierror.StorageUnavailable(err)
	}

	if inst.active == nil {
		inst.active = newMemtable(batch.Org, batch.Stream)
		memtableCount.Inc()
	}
	inst.active.append(sch, coerced, ref)
	ingestedRecords.WithLabelValues(batch.Org).Add(float64(len(batch.Records)))

	if inst.active.bytes >= i.cfg.MaxMemtableBytes {
		return i.sealLocked(inst), nil
	}
	return nil, nil
}

func (i *Ingester) admit() error {
	if i.sealed.Load() >= int64(i.cfg.MaxMemtables) {
		return apierror.Overloaded(i.cfg.RetryAfter)
	}
	if p95 := i.wal.FsyncP95(); p95 > i.cfg.FsyncP95Threshold {
		return apierror.Overloaded(i.cfg.RetryAfter)
	}
	return nil
}

func (i *Ingester) getOrCreateInstance(ctx context.Context, org, stream string) (*instance, error) {
	key := instanceKey(org, stream)
	i.mu.RLock()
	inst, ok := i.instances[key]
	i.mu.RUnlock()
	if ok {
		return inst, nil
	}

	spec, err := i.catalog.EnsureStream(ctx, metastore.StreamSpec{
		Org:            org,
		Name:           stream,
		Kind:           metastore.KindLogs,
		RetentionHours: i.cfg.DefaultRetentionHours,
		FlattenArrays:  true,
	})
	if err != nil {
		return nil, apierror.StorageUnavailable(err)
	}
	handle, err := i.registry.GetOrInit(ctx, org, stream, spec.Kind)
	if err != nil {
		return nil, apierror.StorageUnavailable(err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.instances[key]; ok {
		return existing, nil
	}
	inst = &instance{org: org, stream: stream, spec: spec, handle: handle}
	i.instances[key] = inst
	return inst, nil
}

// evolveSchema runs observe+commit for every record in the batch, retrying
// on conflict against the refreshed schema.
func (i *Ingester) evolveSchema(ctx context.Context, inst *instance, recs []record.Record) (*schema.Schema, error) {
	for _, rec := range recs {
		for attempt := 0; ; attempt++ {
			proposal, changed := i.registry.Observe(inst.handle, rec.Fields)
			if !changed {
				break
			}
			err := i.registry.Commit(ctx, inst.handle, proposal)
			if err == nil {
				break
			}
			if apierror.IsKind(err, apierror.KindSchemaConflict) {
				if attempt >= i.cfg.MaxSchemaRetries {
					return nil, err
				}
				continue
			}
			return nil, apierror.StorageUnavailable(err)
		}
	}
	return inst.handle.Current(), nil
}

// sealIdle seals memtables over the age threshold, or everything when force
// is set (shutdown, explicit rotate).
func (i *Ingester) sealIdle(force bool) {
	i.mu.RLock()
	instances := make([]*instance, 0, len(i.instances))
	for _, inst := range i.instances {
		instances = append(instances, inst)
	}
	i.mu.RUnlock()

	for _, inst := range instances {
		inst.mu.Lock()
		var sealed *sealedMemtable
		if inst.active != nil && (force ||
			time.Since(inst.active.createdAt) >= i.cfg.MaxMemtableAge ||
			inst.active.bytes >= i.cfg.MaxMemtableBytes) {
			sealed = i.sealLocked(inst)
		}
		inst.mu.Unlock()
		if sealed != nil {
			i.sealedCh <- sealed
		}
	}
}

// RotateStream seals the stream's active memtable, the explicit rotate
// trigger.
func (i *Ingester) RotateStream(org, stream string) {
	i.mu.RLock()
	inst, ok := i.instances[instanceKey(org, stream)]
	i.mu.RUnlock()
	if !ok {
		return
	}
	inst.mu.Lock()
	sealed := i.sealLocked(inst)
	inst.mu.Unlock()
	if sealed != nil {
		i.sealedCh <- sealed
	}
}

// sealLocked detaches the active memtable; the caller holds the instance
// lock and enqueues the result for flushing after releasing it.
func (i *Ingester) sealLocked(inst *instance) *sealedMemtable {
	mt := inst.active
	if mt == nil || mt.committed == 0 {
		return nil
	}
	inst.active = nil
	inst.sealedRead = append(inst.sealedRead, mt)
	i.sealed.Inc()
	return &sealedMemtable{inst: inst, mt: mt}
}

// QueryFresh scans unflushed data (active and sealed memtables) for one
// stream. Snapshots make this safe against concurrent appends.
func (i *Ingester) QueryFresh(org, stream string, minTS, maxTS int64, filters []partition.Filter) []record.Record {
	i.mu.RLock()
	inst, ok := i.instances[instanceKey(org, stream)]
	i.mu.RUnlock()
	if !ok {
		return nil
	}

	inst.mu.Lock()
	snaps := make([]memtableSnapshot, 0, 1+len(inst.sealedRead))
	for _, mt := range inst.sealedRead {
		snaps = append(snaps, mt.snapshot())
	}
	if inst.active != nil {
		snaps = append(snaps, inst.active.snapshot())
	}
	inst.mu.Unlock()

	var out []record.Record
	for _, snap := range snaps {
		for _, rec := range snap.records() {
			if rec.Timestamp < minTS || rec.Timestamp > maxTS {
				continue
			}
			match := true
			for _, f := range filters {
				if !f.MatchesRow(rec.Fields) {
					match = false
					break
				}
			}
			if match {
				out = append(out, rec)
			}
		}
	}
	return out
}

// FlushQueueDepth is exposed for status endpoints.
func (i *Ingester) FlushQueueDepth() int64 { return i.sealed.Load() }
