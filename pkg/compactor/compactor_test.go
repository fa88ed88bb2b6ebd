package compactor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
)

type testEnv struct {
	store    metastore.Store
	catalog  *metastore.Catalog
	registry *schema.Registry
	objStore client.ObjectClient
	cache    *cache.PartitionCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := metastore.NewBoltStore(metastore.BoltConfig{Path: filepath.Join(root, "catalog.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objStore, err := client.NewFSObjectClient(client.FSConfig{Directory: filepath.Join(root, "objects")})
	require.NoError(t, err)
	partCache, err := cache.New(cache.Config{Directory: filepath.Join(root, "cache"), MaxSizeMB: 1024, MaxItems: 1024}, objStore)
	require.NoError(t, err)

	return &testEnv{
		store:    store,
		catalog:  metastore.NewCatalog(store),
		registry: schema.NewRegistry(store),
		objStore: objStore,
		cache:    partCache,
	}
}

func testCompactorConfig() Config {
	return Config{
		Interval:     time.Minute,
		MinFiles:     2,
		MinTotalSize: 1,
		TargetSize:   256 << 20,
		GracePeriod:  time.Hour,
		LeaderTTL:    time.Minute,
		Writer:       partition.WriterConfig{BlockRows: 64},
	}
}

// writePartition flushes rows as one registered partition, the way the
// ingester would.
func (e *testEnv) writePartition(t *testing.T, spec metastore.StreamSpec, recs []record.Record) *metastore.Manifest {
	t.Helper()
	ctx := context.Background()

	handle, err := e.registry.GetOrInit(ctx, spec.Org, spec.Name, spec.Kind)
	require.NoError(t, err)
	for _, rec := range recs {
		if proposal, changed := e.registry.Observe(handle, rec.Fields); changed {
			require.NoError(t, e.registry.Commit(ctx, handle, proposal))
		}
	}
	sch := handle.Current()

	id := uuid.New().String()
	objectKey := metastore.ObjectKey(spec.Org, spec.Name, recs[0].Timestamp, id)
	localPath := e.cache.LocalPath(objectKey)
	require.NoError(t, os.MkdirAll(filepath.Dir(localPath), 0o777))
	f, err := os.Create(localPath)
	require.NoError(t, err)
	w, err := partition.NewWriter(f, sch, partition.WriterConfig{BlockRows: 64})
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	obj, err := os.Open(localPath)
	require.NoError(t, err)
	require.NoError(t, e.objStore.PutObject(ctx, objectKey, obj))
	obj.Close()

	m := &metastore.Manifest{
		ID: id, Org: spec.Org, Stream: spec.Name, ObjectKey: objectKey,
		MinTS: meta.MinTS, MaxTS: meta.MaxTS, Rows: meta.Rows, Bytes: meta.Bytes,
		SchemaVersion: sch.Version, CreatedAt: time.Now().UnixMicro(),
	}
	ok, err := e.catalog.RegisterPartition(ctx, m)
	require.NoError(t, err)
	require.True(t, ok)
	e.cache.Add(objectKey, meta.Bytes)
	return m
}

func recordsAt(base int64, n int, tag string) []record.Record {
	recs := make([]record.Record, n)
	for i := 0; i < n; i++ {
		ts := base + int64(i)*1000
		recs[i] = record.Record{Timestamp: ts, Fields: map[string]record.Value{
			record.TimestampField: record.Timestamp(ts),
			"tag":                 record.String(tag),
			"seq":                 record.Int64(int64(i)),
		}}
	}
	return recs
}

func countRows(t *testing.T, e *testEnv, org, stream string) int64 {
	t.Helper()
	manifests, err := e.catalog.ListPartitions(context.Background(), org, stream)
	require.NoError(t, err)
	var rows int64
	for _, m := range manifests {
		if !m.Superseded {
			rows += m.Rows
		}
	}
	return rows
}

func TestCompactionMergesHourBucket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	spec, err := env.catalog.EnsureStream(ctx, metastore.StreamSpec{
		Org: "default", Name: "logs", Kind: metastore.KindLogs, RetentionHours: 0, FlattenArrays: true,
	})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).UnixMicro()
	in1 := env.writePartition(t, spec, recordsAt(base, 40, "a"))
	in2 := env.writePartition(t, spec, recordsAt(base+60_000_000, 30, "b"))
	before := countRows(t, env, "default", "logs")
	require.Equal(t, int64(70), before)

	c := New(testCompactorConfig(), "node-1", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())
	require.NoError(t, c.iteration(ctx))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 3)

	var successor *metastore.Manifest
	superseded := 0
	for i := range manifests {
		if manifests[i].Superseded {
			superseded++
			continue
		}
		successor = &manifests[i]
	}
	require.NotNil(t, successor)
	assert.Equal(t, 2, superseded)

	// Row multiset is preserved and the successor covers the full range.
	assert.Equal(t, before, countRows(t, env, "default", "logs"))
	assert.Equal(t, in1.MinTS, successor.MinTS)
	assert.Equal(t, in2.MaxTS, successor.MaxTS)

	// The successor's rows are in timestamp order.
	reader, err := partition.Open(env.cache.LocalPath(successor.ObjectKey))
	require.NoError(t, err)
	defer reader.Close()
	var last int64 = -1
	var rows int64
	require.NoError(t, reader.Iterate(nil, nil, 0, 1<<62, func(rec record.Record) error {
		require.GreaterOrEqual(t, rec.Timestamp, last)
		last = rec.Timestamp
		rows++
		return nil
	}))
	assert.Equal(t, before, rows)

	// Inputs stay in object storage until the grace period passes.
	objects, err := env.objStore.List(ctx, "default/logs/")
	require.NoError(t, err)
	assert.Len(t, objects, 3)
}

func TestSupersededReapedAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	spec, err := env.catalog.EnsureStream(ctx, metastore.StreamSpec{
		Org: "default", Name: "logs", Kind: metastore.KindLogs, FlattenArrays: true,
	})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).UnixMicro()
	env.writePartition(t, spec, recordsAt(base, 10, "a"))
	env.writePartition(t, spec, recordsAt(base+1_000_000, 10, "b"))

	cfg := testCompactorConfig()
	cfg.GracePeriod = 0
	c := New(cfg, "node-1", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())
	require.NoError(t, c.iteration(ctx))

	// With a zero grace period the first pass already deletes the
	// tombstones; a second pass leaves the merged result as it is.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.iteration(ctx))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.False(t, manifests[0].Superseded)

	objects, err := env.objStore.List(ctx, "default/logs/")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestRetentionDropsExpiredPartitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	spec, err := env.catalog.EnsureStream(ctx, metastore.StreamSpec{
		Org: "default", Name: "logs", Kind: metastore.KindLogs, RetentionHours: 24, FlattenArrays: true,
	})
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour).UnixMicro()
	fresh := time.Now().UnixMicro()
	env.writePartition(t, spec, recordsAt(old, 5, "old"))
	keep := env.writePartition(t, spec, recordsAt(fresh, 5, "new"))

	c := New(testCompactorConfig(), "node-1", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())
	require.NoError(t, c.iteration(ctx))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, keep.ID, manifests[0].ID)

	objects, err := env.objStore.List(ctx, "default/logs/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	// Retention is idempotent.
	require.NoError(t, c.iteration(ctx))
}

func TestLeaderExclusion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := New(testCompactorConfig(), "node-a", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())
	b := New(testCompactorConfig(), "node-b", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())

	require.True(t, a.amLeader(ctx))
	require.False(t, b.amLeader(ctx))
	// The holder keeps renewing.
	require.True(t, a.amLeader(ctx))

	require.NoError(t, a.stopping(nil))
	require.True(t, b.amLeader(ctx))
	require.NoError(t, b.stopping(nil))
}

func TestCompactionSkipsSmallGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	spec, err := env.catalog.EnsureStream(ctx, metastore.StreamSpec{
		Org: "default", Name: "logs", Kind: metastore.KindLogs, FlattenArrays: true,
	})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).UnixMicro()
	env.writePartition(t, spec, recordsAt(base, 10, "only"))

	c := New(testCompactorConfig(), "node-1", env.catalog, env.registry, env.objStore, env.cache, log.NewNopLogger())
	require.NoError(t, c.iteration(ctx))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.False(t, manifests[0].Superseded)
}
