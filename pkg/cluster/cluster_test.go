package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplandry908/openobserve/pkg/metastore"
)

func testStore(t *testing.T) metastore.Store {
	t.Helper()
	store, err := metastore.NewBoltStore(metastore.BoltConfig{Path: filepath.Join(t.TempDir(), "catalog.db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig(id string) Config {
	return Config{
		NodeID:          id,
		AdvertiseAddr:   id + ":5080",
		HeartbeatPeriod: 100 * time.Millisecond,
		LeaseTTL:        5 * time.Second,
	}
}

func TestMembershipRegisterAndDiscover(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := New(testConfig("node-a"), []string{RoleIngester, RoleQuerier}, store, log.NewNopLogger())
	b := New(testConfig("node-b"), []string{RoleQuerier}, store, log.NewNopLogger())

	require.NoError(t, services.StartAndAwaitRunning(ctx, a))
	require.NoError(t, services.StartAndAwaitRunning(ctx, b))
	defer func() {
		_ = services.StopAndAwaitTerminated(ctx, a)
		_ = services.StopAndAwaitTerminated(ctx, b)
	}()

	require.Eventually(t, func() bool {
		return len(a.Nodes()) == 2 && len(b.Nodes()) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// Only node-a ingests, so it owns every stream.
	owner, ok := a.IngesterFor("default", "logs")
	require.True(t, ok)
	assert.Equal(t, "node-a", owner.ID)
	assert.True(t, a.OwnsStream("default", "logs"))
	assert.False(t, b.OwnsStream("default", "logs"))
}

func TestShardAssignmentIsStable(t *testing.T) {
	m := New(testConfig("node-a"), []string{RoleQuerier}, testStore(t), log.NewNopLogger())
	now := time.Now().UnixMicro()
	m.nodes = map[string]Node{
		"node-a": {ID: "node-a", Roles: []string{RoleQuerier}, HeartbeatAt: now},
		"node-b": {ID: "node-b", Roles: []string{RoleQuerier}, HeartbeatAt: now},
		"node-c": {ID: "node-c", Roles: []string{RoleQuerier}, HeartbeatAt: now},
	}

	first, ok := m.QuerierFor("default", "logs")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := m.QuerierFor("default", "logs")
		assert.Equal(t, first.ID, again.ID)
	}

	// Different streams spread across nodes.
	seen := map[string]bool{}
	for _, stream := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		owner, _ := m.QuerierFor("default", stream)
		seen[owner.ID] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestStaleNodesExcluded(t *testing.T) {
	m := New(testConfig("node-a"), []string{RoleQuerier}, testStore(t), log.NewNopLogger())
	m.nodes = map[string]Node{
		"node-b": {ID: "node-b", Roles: []string{RoleQuerier}, HeartbeatAt: time.Now().Add(-time.Hour).UnixMicro()},
	}
	_, ok := m.QuerierFor("default", "logs")
	assert.False(t, ok)
}

func TestLeaseReleasedOnStop(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	m := New(testConfig("node-a"), []string{RoleIngester}, store, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(ctx, m))

	_, err := store.Get(ctx, metastore.NodeKey("node-a"))
	require.NoError(t, err)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, m))
	_, err = store.Get(ctx, metastore.NodeKey("node-a"))
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}
