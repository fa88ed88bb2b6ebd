package querier

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
)

// failingObjectClient simulates an object store returning 500s.
type failingObjectClient struct{}

func (failingObjectClient) PutObject(context.Context, string, io.ReadSeeker) error {
	return errors.New("internal server error")
}

func (failingObjectClient) GetObject(context.Context, string, *client.ByteRange) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("internal server error")
}

func (failingObjectClient) List(context.Context, string) ([]client.StorageObject, error) {
	return nil, errors.New("internal server error")
}

func (failingObjectClient) DeleteObject(context.Context, string) error {
	return errors.New("internal server error")
}

func (failingObjectClient) IsObjectNotFoundErr(error) bool { return false }
func (failingObjectClient) Stop()                          {}

// With the object store down, queries keep answering from cached partitions
// and flag the response as degraded for anything they could not fetch.
func TestSearchStorageDegraded(t *testing.T) {
	node := newTestNode(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()
	node.pushAndFlush(t, record.Batch{Org: "default", Stream: "logs", Records: []record.Record{
		logRecord(ts, map[string]record.Value{"msg": record.String("hi")}),
	}})

	// A querier on another node: empty local cache, unreachable store.
	emptyCache, err := cache.New(cache.Config{
		Directory: filepath.Join(t.TempDir(), "cache"),
		MaxSizeMB: 16,
		MaxItems:  16,
	}, failingObjectClient{})
	require.NoError(t, err)

	degradedQuerier := New(node.querier.cfg, node.catalog, node.registry, node.index, emptyCache,
		node.querier.cluster, nil, node.querier.remote, log.NewNopLogger())

	resp, err := degradedQuerier.Query(context.Background(), &QueryRequest{
		Org:       "default",
		Stream:    "logs",
		SQL:       "SELECT msg FROM logs",
		StartTime: ts - 1,
		EndTime:   ts + 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.StorageDegraded)
	assert.Empty(t, resp.Hits)

	// The original node still serves from its cache, not degraded.
	resp, err = node.querier.Query(context.Background(), &QueryRequest{
		Org:       "default",
		Stream:    "logs",
		SQL:       "SELECT msg FROM logs",
		StartTime: ts - 1,
		EndTime:   ts + 1,
	})
	require.NoError(t, err)
	assert.False(t, resp.StorageDegraded)
	require.Len(t, resp.Hits, 1)
}
