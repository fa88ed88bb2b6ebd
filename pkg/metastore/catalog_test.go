package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/record"
)

func TestEnsureStreamIdempotent(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newTestStore(t))

	defaults := StreamSpec{Org: "default", Name: "logs", Kind: KindLogs, RetentionHours: 24, FlattenArrays: true}
	first, err := catalog.EnsureStream(ctx, defaults)
	require.NoError(t, err)

	// A second caller with different defaults gets the existing spec.
	defaults.RetentionHours = 48
	second, err := catalog.EnsureStream(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, first.RetentionHours, second.RetentionHours)

	streams, err := catalog.ListStreams(ctx, "default")
	require.NoError(t, err)
	require.Len(t, streams, 1)
}

func TestRegisterPartitionDedupe(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newTestStore(t))

	m := &Manifest{
		ID: "p1", Org: "default", Stream: "logs",
		ObjectKey:  "default/logs/2024/01/01/00/p1.part",
		MinTS:      1704067200000000,
		MaxTS:      1704067260000000,
		Rows:       10,
		IngesterID: "node-a", WALSegment: 3, Sequence: 0,
	}
	ok, err := catalog.RegisterPartition(ctx, m)
	require.NoError(t, err)
	require.True(t, ok)

	// A replayed flush of the same WAL range is rejected as a duplicate.
	dup := *m
	dup.ID = "p2"
	ok, err = catalog.RegisterPartition(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	manifests, err := catalog.ListPartitions(ctx, "default", "logs")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "p1", manifests[0].ID)
}

func TestSupersedeAndDelete(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newTestStore(t))

	m := &Manifest{ID: "p1", Org: "o", Stream: "s", MinTS: 1704067200000000, MaxTS: 1704067201000000}
	ok, err := catalog.RegisterPartition(ctx, m)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, catalog.MarkSuperseded(ctx, m, "p2"))
	manifests, err := catalog.ListPartitions(ctx, "o", "s")
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.True(t, manifests[0].Superseded)
	assert.Equal(t, "p2", manifests[0].SupersededBy)

	require.NoError(t, catalog.DeletePartition(ctx, m))
	require.NoError(t, catalog.DeletePartition(ctx, m)) // idempotent
	manifests, err = catalog.ListPartitions(ctx, "o", "s")
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestManifestColumnStatsRoundtrip(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newTestStore(t))

	m := &Manifest{
		ID: "p1", Org: "o", Stream: "s", MinTS: 1, MaxTS: 2,
		Columns: []ColumnStats{{
			Name: "level", Type: "utf8",
			Min: record.String("debug"), Max: record.String("warn"),
			Bloom: []byte{1, 2, 3},
		}},
	}
	_, err := catalog.RegisterPartition(ctx, m)
	require.NoError(t, err)

	manifests, err := catalog.ListPartitions(ctx, "o", "s")
	require.NoError(t, err)
	require.Len(t, manifests[0].Columns, 1)
	assert.Equal(t, record.String("debug"), manifests[0].Columns[0].Min)
	assert.Equal(t, []byte{1, 2, 3}, manifests[0].Columns[0].Bloom)
}

func TestListOrgs(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newTestStore(t))
	for _, org := range []string{"a", "b"} {
		_, err := catalog.EnsureStream(ctx, StreamSpec{Org: org, Name: "logs", Kind: KindLogs})
		require.NoError(t, err)
	}
	orgs, err := catalog.ListOrgs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, orgs)
}
