package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/record"
)

func testStore(t *testing.T) metastore.Store {
	t.Helper()
	store, err := metastore.NewBoltStore(metastore.BoltConfig{
		Path: filepath.Join(t.TempDir(), "catalog.db"),
	}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegistryEvolution(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testStore(t))

	h, err := reg.GetOrInit(ctx, "default", "logs", metastore.KindLogs)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.Current().Version)

	// First record: n arrives as i64.
	proposal, changed := reg.Observe(h, map[string]record.Value{"n": record.Int64(1)})
	require.True(t, changed)
	require.NoError(t, reg.Commit(ctx, h, proposal))

	f, ok := h.Current().Lookup("n")
	require.True(t, ok)
	assert.Equal(t, Scalar(TypeInt64), f.Type)

	// Second record: n arrives as a string, widening to utf8.
	proposal, changed = reg.Observe(h, map[string]record.Value{"n": record.String("two")})
	require.True(t, changed)
	require.NoError(t, reg.Commit(ctx, h, proposal))

	f, _ = h.Current().Lookup("n")
	assert.Equal(t, Scalar(TypeUtf8), f.Type)
	assert.Equal(t, int64(3), h.Current().Version)

	// A later i64 does not narrow the committed type.
	_, changed = reg.Observe(h, map[string]record.Value{"n": record.Int64(5)})
	assert.False(t, changed)
}

func TestRegistryConflictRetry(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	regA := NewRegistry(store)
	regB := NewRegistry(store)

	hA, err := regA.GetOrInit(ctx, "default", "logs", metastore.KindLogs)
	require.NoError(t, err)
	hB, err := regB.GetOrInit(ctx, "default", "logs", metastore.KindLogs)
	require.NoError(t, err)

	propA, changed := regA.Observe(hA, map[string]record.Value{"a": record.Int64(1)})
	require.True(t, changed)
	propB, changed := regB.Observe(hB, map[string]record.Value{"b": record.String("x")})
	require.True(t, changed)

	require.NoError(t, regA.Commit(ctx, hA, propA))

	// B's commit lost the race: conflict, then retry against the refreshed
	// schema succeeds and keeps A's field.
	err = regB.Commit(ctx, hB, propB)
	require.True(t, apierror.IsKind(err, apierror.KindSchemaConflict))

	propB, changed = regB.Observe(hB, map[string]record.Value{"b": record.String("x")})
	require.True(t, changed)
	require.NoError(t, regB.Commit(ctx, hB, propB))

	_, ok := hB.Current().Lookup("a")
	assert.True(t, ok)
	_, ok = hB.Current().Lookup("b")
	assert.True(t, ok)
}

func TestSchemaAtHistory(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	reg := NewRegistry(store)

	h, err := reg.GetOrInit(ctx, "default", "logs", metastore.KindLogs)
	require.NoError(t, err)
	proposal, _ := reg.Observe(h, map[string]record.Value{"msg": record.String("hi")})
	require.NoError(t, reg.Commit(ctx, h, proposal))

	v1, err := reg.SchemaAt(ctx, "default", "logs", 1)
	require.NoError(t, err)
	assert.Len(t, v1.Fields, 1)

	v2, err := reg.SchemaAt(ctx, "default", "logs", 2)
	require.NoError(t, err)
	assert.Len(t, v2.Fields, 2)
}
