package ingester

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
	"github.com/jplandry908/openobserve/pkg/wal"
)

type testEnv struct {
	store    metastore.Store
	catalog  *metastore.Catalog
	registry *schema.Registry
	objStore client.ObjectClient
	cache    *cache.PartitionCache
	walDir   string
	cacheDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := metastore.NewBoltStore(metastore.BoltConfig{Path: filepath.Join(root, "catalog.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objStore, err := client.NewFSObjectClient(client.FSConfig{Directory: filepath.Join(root, "objects")})
	require.NoError(t, err)

	cacheDir := filepath.Join(root, "cache")
	partCache, err := cache.New(cache.Config{Directory: cacheDir, MaxSizeMB: 1024, MaxItems: 1024}, objStore)
	require.NoError(t, err)

	return &testEnv{
		store:    store,
		catalog:  metastore.NewCatalog(store),
		registry: schema.NewRegistry(store),
		objStore: objStore,
		cache:    partCache,
		walDir:   filepath.Join(root, "wal"),
		cacheDir: cacheDir,
	}
}

func testIngesterConfig(walDir string) Config {
	return Config{
		WAL: wal.Config{
			Dir:                 walDir,
			SegmentMaxSize:      64 << 20,
			GroupCommitInterval: 10 * time.Millisecond,
		},
		Writer:                partition.WriterConfig{BlockRows: 64},
		MaxMemtableBytes:      64 << 20,
		MaxMemtableAge:        time.Hour,
		FlushCheckPeriod:      50 * time.Millisecond,
		ConcurrentFlushes:     2,
		FlushOpTimeout:        30 * time.Second,
		MaxMemtables:          64,
		FsyncP95Threshold:     10 * time.Second,
		RetryAfter:            time.Second,
		DefaultRetentionHours: 24,
		MaxSchemaRetries:      4,
	}
}

func (e *testEnv) newIngester(t *testing.T, cfg Config) *Ingester {
	t.Helper()
	ing, err := New(cfg, "node-1", e.registry, e.catalog, e.objStore, e.cache, nil, log.NewNopLogger())
	require.NoError(t, err)
	return ing
}

func batchOf(n int, startTS int64) record.Batch {
	b := record.Batch{Org: "default", Stream: "logs"}
	for i := 0; i < n; i++ {
		ts := startTS + int64(i)*1000
		b.Records = append(b.Records, record.Record{
			Timestamp: ts,
			Fields: map[string]record.Value{
				record.TimestampField: record.Timestamp(ts),
				"seq":                 record.Int64(int64(i)),
				"level":               record.String("info"),
				"msg":                 record.String(fmt.Sprintf("line %d", i)),
			},
		})
	}
	return b
}

func TestPushAndQueryFresh(t *testing.T) {
	env := newTestEnv(t)
	ing := env.newIngester(t, testIngesterConfig(env.walDir))
	defer ing.wal.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	require.NoError(t, ing.Push(context.Background(), batchOf(10, base)))

	fresh := ing.QueryFresh("default", "logs", base, base+int64(9)*1000, nil)
	require.Len(t, fresh, 10)
	// Ingestion order is preserved.
	for i, rec := range fresh {
		assert.Equal(t, record.Int64(int64(i)), rec.Fields["seq"])
	}

	filtered := ing.QueryFresh("default", "logs", base, base+int64(9)*1000, []partition.Filter{
		{Column: "seq", Op: partition.OpEq, Values: []record.Value{record.Int64(3)}},
	})
	require.Len(t, filtered, 1)
}

func TestFlushRegistersPartition(t *testing.T) {
	env := newTestEnv(t)
	ing := env.newIngester(t, testIngesterConfig(env.walDir))
	ctx := context.Background()

	require.NoError(t, services.StartAndAwaitRunning(ctx, ing))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	require.NoError(t, ing.Push(ctx, batchOf(100, base)))
	require.NoError(t, services.StopAndAwaitTerminated(ctx, ing))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	m := manifests[0]
	assert.Equal(t, int64(100), m.Rows)
	assert.Equal(t, base, m.MinTS)
	assert.Equal(t, "node-1", m.IngesterID)

	// The partition file is in the local cache and in object storage, and
	// the rows come back in ingestion order.
	localPath := env.cache.LocalPath(m.ObjectKey)
	reader, err := partition.Open(localPath)
	require.NoError(t, err)
	defer reader.Close()
	var seqs []int64
	require.NoError(t, reader.Iterate([]string{"seq"}, nil, 0, 1<<62, func(rec record.Record) error {
		seqs = append(seqs, rec.Fields["seq"].Int)
		return nil
	}))
	require.Len(t, seqs, 100)
	for i, seq := range seqs {
		assert.Equal(t, int64(i), seq)
	}

	objects, err := env.objStore.List(ctx, "default/logs/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	// A restart replays whatever the WAL still covers; the catalog dedupe
	// keeps the single registered partition.
	restarted := env.newIngester(t, testIngesterConfig(env.walDir))
	require.NoError(t, services.StartAndAwaitRunning(ctx, restarted))
	require.NoError(t, services.StopAndAwaitTerminated(ctx, restarted))
	manifests, err = env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	// Flushed data left the fresh-readable set.
	assert.Empty(t, ing.QueryFresh("default", "logs", 0, 1<<62, nil))

	// Stream stats were accumulated.
	spec, _, err := env.catalog.GetStream(ctx, "default", "logs")
	require.NoError(t, err)
	assert.Equal(t, int64(100), spec.Stats.Docs)
}

func TestRecoveryAfterCrash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	// First ingester: acknowledge writes, then die without flushing. The
	// flush workers never start because the service is never started.
	crashed := env.newIngester(t, testIngesterConfig(env.walDir))
	require.NoError(t, crashed.Push(ctx, batchOf(25, base)))
	require.NoError(t, crashed.wal.Close())

	first, _, err := wal.Segments(env.walDir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, first, 0)

	// Second ingester replays the WAL on startup and flushes.
	recovered := env.newIngester(t, testIngesterConfig(env.walDir))
	require.NoError(t, services.StartAndAwaitRunning(ctx, recovered))
	require.Eventually(t, func() bool {
		manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
		return err == nil && len(manifests) == 1
	}, 10*time.Second, 50*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(ctx, recovered))

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, int64(25), manifests[0].Rows)
}

func TestSchemaWideningOnPush(t *testing.T) {
	env := newTestEnv(t)
	ing := env.newIngester(t, testIngesterConfig(env.walDir))
	defer ing.wal.Close()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	push := func(ts int64, v record.Value) {
		require.NoError(t, ing.Push(ctx, record.Batch{Org: "default", Stream: "logs", Records: []record.Record{{
			Timestamp: ts,
			Fields:    map[string]record.Value{record.TimestampField: record.Timestamp(ts), "n": v},
		}}}))
	}
	push(base, record.Int64(1))
	push(base+1000, record.String("two"))

	handle, err := env.registry.GetOrInit(ctx, "default", "logs", metastore.KindLogs)
	require.NoError(t, err)
	f, ok := handle.Current().Lookup("n")
	require.True(t, ok)
	assert.Equal(t, schema.Scalar(schema.TypeUtf8), f.Type)

	// Both values read back as utf8 in ingestion order.
	fresh := ing.QueryFresh("default", "logs", base, base+1000, nil)
	require.Len(t, fresh, 2)
	assert.Equal(t, record.String("1"), fresh[0].Fields["n"])
	assert.Equal(t, record.String("two"), fresh[1].Fields["n"])
}

func TestAdmissionControl(t *testing.T) {
	env := newTestEnv(t)
	cfg := testIngesterConfig(env.walDir)
	cfg.MaxMemtables = 0
	ing := env.newIngester(t, cfg)
	defer ing.wal.Close()

	err := ing.Push(context.Background(), batchOf(1, time.Now().UnixMicro()))
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindOverloaded))
	assert.Positive(t, apierror.AsError(err).RetryAfter)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	crashed := env.newIngester(t, testIngesterConfig(env.walDir))
	require.NoError(t, crashed.Push(ctx, batchOf(10, base)))
	require.NoError(t, crashed.wal.Close())

	// Copy the WAL aside, replay once, restore and replay again: the
	// catalog dedupe keeps a single partition.
	walCopy := t.TempDir()
	entries, err := os.ReadDir(env.walDir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(env.walDir, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(walCopy, e.Name()), data, 0o666))
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			for _, e := range entries {
				data, err := os.ReadFile(filepath.Join(walCopy, e.Name()))
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(env.walDir, e.Name()), data, 0o666))
			}
		}
		ing := env.newIngester(t, testIngesterConfig(env.walDir))
		require.NoError(t, services.StartAndAwaitRunning(ctx, ing))
		require.NoError(t, services.StopAndAwaitTerminated(ctx, ing))
	}

	manifests, err := env.catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	assert.Len(t, manifests, 1)
}
