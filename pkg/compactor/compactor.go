// Package compactor rewrites small partitions into larger ones and enforces
// retention. One node at a time runs the loop, elected through a lease on
// /compactor/leader.
package compactor

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
)

type Config struct {
	Interval     time.Duration `yaml:"interval"`
	MinFiles     int           `yaml:"min_files"`
	MinTotalSize int64         `yaml:"min_total_size"`
	TargetSize   int64         `yaml:"target_size"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	LeaderTTL    time.Duration `yaml:"leader_ttl"`

	Writer partition.WriterConfig `yaml:"writer"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, "compactor.interval", 5*time.Minute, "How often to run the compaction and retention pass.")
	f.IntVar(&cfg.MinFiles, "compactor.min-files", 4, "Minimum partitions in an hour bucket before compacting it.")
	f.Int64Var(&cfg.MinTotalSize, "compactor.min-total-size", 8<<20, "Minimum combined size in an hour bucket before compacting it.")
	f.Int64Var(&cfg.TargetSize, "compactor.target-size", 256<<20, "Target size of a compacted partition.")
	f.DurationVar(&cfg.GracePeriod, "compactor.grace-period", 30*time.Minute, "How long superseded partitions stay before deletion, letting in-flight queries finish.")
	f.DurationVar(&cfg.LeaderTTL, "compactor.leader-ttl", time.Minute, "Leader lease TTL.")
}

var (
	compactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "compactor_compactions_total",
		Help:      "Compaction jobs by outcome.",
	}, []string{"outcome"})
	retentionDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "compactor_retention_deleted_partitions_total",
		Help:      "Partitions dropped by retention.",
	})
)

// Compactor is the background merge and retention loop.
type Compactor struct {
	services.Service

	cfg      Config
	logger   log.Logger
	nodeID   string
	catalog  *metastore.Catalog
	registry *schema.Registry
	store    client.ObjectClient
	cache    *cache.PartitionCache

	lease metastore.Lease
}

func New(cfg Config, nodeID string, catalog *metastore.Catalog, registry *schema.Registry, store client.ObjectClient, partCache *cache.PartitionCache, logger log.Logger) *Compactor {
	c := &Compactor{
		cfg:      cfg,
		logger:   logger,
		nodeID:   nodeID,
		catalog:  catalog,
		registry: registry,
		store:    store,
		cache:    partCache,
	}
	c.Service = services.NewTimerService(cfg.Interval, nil, c.iteration, c.stopping)
	return c
}

func (c *Compactor) stopping(_ error) error {
	if c.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.lease.Release(ctx)
	}
	return nil
}

func (c *Compactor) iteration(ctx context.Context) error {
	if !c.amLeader(ctx) {
		return nil
	}
	orgs, err := c.catalog.ListOrgs(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "compactor failed to list orgs", "err", err)
		return nil
	}
	for _, org := range orgs {
		streams, err := c.catalog.ListStreams(ctx, org)
		if err != nil {
			level.Warn(c.logger).Log("msg", "compactor failed to list streams", "org", org, "err", err)
			continue
		}
		for _, spec := range streams {
			if err := c.compactStream(ctx, spec); err != nil {
				level.Error(c.logger).Log("msg", "compaction pass failed", "org", org, "stream", spec.Name, "err", err)
			}
			if err := c.enforceRetention(ctx, spec); err != nil {
				level.Error(c.logger).Log("msg", "retention pass failed", "org", org, "stream", spec.Name, "err", err)
			}
			if err := c.reapSuperseded(ctx, spec); err != nil {
				level.Error(c.logger).Log("msg", "tombstone reap failed", "org", org, "stream", spec.Name, "err", err)
			}
		}
	}
	return nil
}

// amLeader acquires or renews the leader lease; a held lease by another node
// skips the iteration.
func (c *Compactor) amLeader(ctx context.Context) bool {
	if c.lease != nil {
		if err := c.lease.Renew(ctx); err == nil {
			return true
		}
		c.lease = nil
	}
	lease, err := c.catalog.Store().Lease(ctx, metastore.CompactorLeaderKey, []byte(c.nodeID), c.cfg.LeaderTTL)
	if err != nil {
		if !errors.Is(err, metastore.ErrLeaseHeld) {
			level.Warn(c.logger).Log("msg", "leader election failed", "err", err)
		}
		return false
	}
	c.lease = lease
	level.Info(c.logger).Log("msg", "acquired compactor leadership")
	return true
}

// compactStream finds hour buckets over the thresholds and merges the
// smallest partitions up to the target size.
func (c *Compactor) compactStream(ctx context.Context, spec metastore.StreamSpec) error {
	manifests, err := c.catalog.ListPartitions(ctx, spec.Org, spec.Name)
	if err != nil {
		return err
	}

	byHour := map[string][]metastore.Manifest{}
	for _, m := range manifests {
		if m.Superseded {
			continue
		}
		byHour[metastore.HourBucket(m.MinTS)] = append(byHour[metastore.HourBucket(m.MinTS)], m)
	}

	for _, group := range byHour {
		if len(group) < c.cfg.MinFiles {
			continue
		}
		var total int64
		for _, m := range group {
			total += m.Bytes
		}
		if total < c.cfg.MinTotalSize {
			continue
		}

		// Smallest-N whose merged size stays under the target.
		sort.Slice(group, func(i, j int) bool { return group[i].Bytes < group[j].Bytes })
		var inputs []metastore.Manifest
		var merged int64
		for _, m := range group {
			if merged+m.Bytes > c.cfg.TargetSize {
				break
			}
			inputs = append(inputs, m)
			merged += m.Bytes
		}
		if len(inputs) < 2 {
			continue
		}
		if err := c.compact(ctx, spec, inputs); err != nil {
			compactionsTotal.WithLabelValues("error").Inc()
			return err
		}
		compactionsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// compact merges the inputs into one successor partition in timestamp order,
// registers it, then tombstones the inputs.
func (c *Compactor) compact(ctx context.Context, spec metastore.StreamSpec, inputs []metastore.Manifest) error {
	var recs []record.Record
	for _, m := range inputs {
		path, err := c.cache.Fetch(ctx, m.ObjectKey)
		if err != nil {
			return errors.Wrapf(err, "fetch input partition %s", m.ID)
		}
		reader, err := partition.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open input partition %s", m.ID)
		}
		err = reader.Iterate(nil, nil, m.MinTS, m.MaxTS, func(rec record.Record) error {
			recs = append(recs, rec)
			return nil
		})
		reader.Close()
		if err != nil {
			return err
		}
	}
	// Stable by timestamp: ties keep input order, preserving per-ingester
	// record order across the rewrite.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })

	handle, err := c.registry.GetOrInit(ctx, spec.Org, spec.Name, spec.Kind)
	if err != nil {
		return err
	}
	if err := c.registry.Refresh(ctx, handle); err != nil {
		return err
	}
	sch := handle.Current()

	id := uuid.New().String()
	minTS := recs[0].Timestamp
	objectKey := metastore.ObjectKey(spec.Org, spec.Name, minTS, id)
	localPath := c.cache.LocalPath(objectKey)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writerCfg := c.cfg.Writer
	writerCfg.BloomFields = append(writerCfg.BloomFields, spec.BloomFields...)
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
	err = c.store.PutObject(ctx, objectKey, f)
	f.Close()
	if err != nil {
		return errors.Wrap(err, "upload compacted partition")
	}

	manifest := &metastore.Manifest{
		ID:            id,
		Org:           spec.Org,
		Stream:        spec.Name,
		ObjectKey:     objectKey,
		MinTS:         meta.MinTS,
		MaxTS:         meta.MaxTS,
		Rows:          meta.Rows,
		Bytes:         meta.Bytes,
		SchemaVersion: sch.Version,
		Columns:       columnStats(meta.Columns),
		CreatedAt:     time.Now().UnixMicro(),
	}
	if _, err := c.catalog.RegisterPartition(ctx, manifest); err != nil {
		return errors.Wrap(err, "register compacted partition")
	}
	c.cache.Add(objectKey, meta.Bytes)

	for i := range inputs {
		if err := c.catalog.MarkSuperseded(ctx, &inputs[i], id); err != nil {
			return errors.Wrapf(err, "supersede partition %s", inputs[i].ID)
		}
	}
	level.Info(c.logger).Log("msg", "compacted partitions", "org", spec.Org, "stream", spec.Name,
		"inputs", len(inputs), "rows", meta.Rows, "size", humanize.Bytes(uint64(meta.Bytes)))
	return nil
}

// reapSuperseded deletes tombstoned inputs once the grace period passed and
// in-flight queries have drained.
func (c *Compactor) reapSuperseded(ctx context.Context, spec metastore.StreamSpec) error {
	manifests, err := c.catalog.ListPartitions(ctx, spec.Org, spec.Name)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-c.cfg.GracePeriod).UnixMicro()
	for i := range manifests {
		m := &manifests[i]
		if !m.Superseded || m.SupersededAt > cutoff {
			continue
		}
		if err := c.catalog.DeletePartition(ctx, m); err != nil {
			return err
		}
		if err := c.store.DeleteObject(ctx, m.ObjectKey); err != nil && !c.store.IsObjectNotFoundErr(err) {
			return err
		}
	}
	return nil
}

// enforceRetention drops partitions entirely past the stream's retention:
// catalog first, then storage, both idempotent.
func (c *Compactor) enforceRetention(ctx context.Context, spec metastore.StreamSpec) error {
	if spec.RetentionHours <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(spec.RetentionHours) * time.Hour).UnixMicro()
	manifests, err := c.catalog.ListPartitions(ctx, spec.Org, spec.Name)
	if err != nil {
		return err
	}
	for i := range manifests {
		m := &manifests[i]
		if m.MaxTS >= cutoff {
			continue
		}
		if err := c.catalog.DeletePartition(ctx, m); err != nil {
			return err
		}
		if err := c.store.DeleteObject(ctx, m.ObjectKey); err != nil && !c.store.IsObjectNotFoundErr(err) {
			return err
		}
		retentionDeletes.Inc()
	}
	return nil
}

func columnStats(cols []partition.ColumnStats) []metastore.ColumnStats {
	out := make([]metastore.ColumnStats, len(cols))
	for i, cs := range cols {
		out[i] = metastore.ColumnStats{
			Name:      cs.Name,
			Type:      cs.Type,
			Min:       cs.Min,
			Max:       cs.Max,
			NullCount: cs.NullCount,
			Bloom:     cs.Bloom,
		}
	}
	return out
}
