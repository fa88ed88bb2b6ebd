package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/index"
	"github.com/jplandry908/openobserve/pkg/ingester"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/querier"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
	"github.com/jplandry908/openobserve/pkg/wal"
)

type testServer struct {
	router   *mux.Router
	ingester *ingester.Ingester
	catalog  *metastore.Catalog
	index    *index.Index
}

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	root := t.TempDir()
	logger := log.NewNopLogger()
	ctx := context.Background()

	store, err := metastore.NewBoltStore(metastore.BoltConfig{Path: filepath.Join(root, "catalog.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	catalog := metastore.NewCatalog(store)
	registry := schema.NewRegistry(store)

	objStore, err := client.NewFSObjectClient(client.FSConfig{Directory: filepath.Join(root, "objects")})
	require.NoError(t, err)
	partCache, err := cache.New(cache.Config{Directory: filepath.Join(root, "cache"), MaxSizeMB: 256, MaxItems: 256}, objStore)
	require.NoError(t, err)

	ing, err := ingester.New(ingester.Config{
		WAL: wal.Config{
			Dir:                 filepath.Join(root, "wal"),
			SegmentMaxSize:      64 << 20,
			GroupCommitInterval: 10 * time.Millisecond,
		},
		Writer:                partition.WriterConfig{BlockRows: 64},
		MaxMemtableBytes:      64 << 20,
		MaxMemtableAge:        time.Hour,
		FlushCheckPeriod:      50 * time.Millisecond,
		ConcurrentFlushes:     1,
		FlushOpTimeout:        30 * time.Second,
		MaxMemtables:          16,
		FsyncP95Threshold:     10 * time.Second,
		RetryAfter:            2 * time.Second,
		DefaultRetentionHours: 24,
		MaxSchemaRetries:      4,
	}, "node-1", registry, catalog, objStore, partCache, nil, logger)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(ctx, ing))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(ctx, ing) })

	idx := index.New(store, logger)
	require.NoError(t, services.StartAndAwaitRunning(ctx, idx))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(ctx, idx) })

	membership := cluster.New(cluster.Config{NodeID: "node-1", HeartbeatPeriod: time.Second, LeaseTTL: 10 * time.Second}, nil, store, logger)
	q := querier.New(querier.Config{
		MaxQueryTime:       10 * time.Second,
		ScanConcurrency:    2,
		BatchSize:          128,
		MaxCoordinatorRows: 10000,
		DefaultSize:        100,
	}, catalog, registry, idx, partCache, membership, ing, querier.NewHTTPRemoteClient(querier.RemoteConfig{Timeout: time.Second}), logger)

	router := mux.NewRouter()
	New(NewBasicAuthProvider(authCfg), ing, q, catalog, registry, membership, logger).Register(router)
	return &testServer{router: router, ingester: ing, catalog: catalog, index: idx}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestJSONIngestAndSearch(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	body := fmt.Sprintf(`[{"_timestamp":"%s","level":"info","msg":"hi"}]`, ts.Format(time.RFC3339))
	rec := srv.do(httptest.NewRequest(http.MethodPost, "/api/default/logs/_json", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ingestResp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingestResp))
	assert.Equal(t, 1, ingestResp.Successful)
	assert.Equal(t, 0, ingestResp.Failed)

	// Fresh data is immediately searchable on the ingesting node.
	url := fmt.Sprintf("/api/default/logs/_search?sql=%s&start_time=%d&end_time=%d",
		"SELECT+msg+FROM+logs+WHERE+level+%3D+%27info%27", ts.UnixMicro()-1, ts.UnixMicro()+1)
	rec = srv.do(httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var searchResp struct {
		Hits  []map[string]interface{} `json:"hits"`
		Total int64                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &searchResp))
	require.Len(t, searchResp.Hits, 1)
	assert.Equal(t, "hi", searchResp.Hits[0]["msg"])
}

func TestSearchMissingTimeRangeStatus(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	rec := srv.do(httptest.NewRequest(http.MethodPost, "/api/default/logs/_json",
		strings.NewReader(`[{"msg":"x"}]`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/default/logs/_search?sql=SELECT+msg+FROM+logs", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_time_range")
}

func TestMalformedBodyRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	rec := srv.do(httptest.NewRequest(http.MethodPost, "/api/default/logs/_json", strings.NewReader(`{{{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Enabled: true, RootUser: "root", RootPassword: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/api/default/logs/_json", strings.NewReader(`[{"msg":"x"}]`))
	rec := srv.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/default/logs/_json", strings.NewReader(`[{"msg":"x"}]`))
	req.SetBasicAuth("root", "wrong")
	rec = srv.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/default/logs/_json", strings.NewReader(`[{"msg":"x"}]`))
	req.SetBasicAuth("root", "secret")
	rec = srv.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamsAndSchemaEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	rec := srv.do(httptest.NewRequest(http.MethodPost, "/api/default/logs/_json",
		strings.NewReader(`[{"msg":"x","n":1}]`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/default/streams", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"logs"`)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/default/logs/schema", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"n"`)
	assert.Contains(t, rec.Body.String(), `"i64"`)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/api/default/missing/schema", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLokiPushEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := `{"streams":[{"stream":{"__name__":"app"},"values":[["1704067200000000000","hello"]]}]}`
	req := httptest.NewRequest(http.MethodPost, "/loki/api/v1/push", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := srv.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Successful)
}

func TestReadyEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	rec := srv.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
