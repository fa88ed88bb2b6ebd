// Package cluster tracks node membership and shard ownership. Every node
// renews a lease under /nodes/{id} declaring its roles; stream shards are
// assigned by rendezvous-hashing stream names across the live nodes holding
// the relevant role.
package cluster

import (
	"context"
	"flag"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/metastore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	RoleIngester  = "ingester"
	RoleQuerier   = "querier"
	RoleCompactor = "compactor"
)

// Node is the membership record kept under /nodes/{id}.
type Node struct {
	ID          string   `json:"id"`
	Addr        string   `json:"addr"`
	Roles       []string `json:"roles"`
	HeartbeatAt int64    `json:"heartbeat_at"`
}

func (n Node) HasRole(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Config struct {
	NodeID          string        `yaml:"node_id"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.NodeID, "cluster.node-id", "", "Node identifier; defaults to hostname plus a random suffix.")
	f.StringVar(&cfg.AdvertiseAddr, "cluster.advertise-addr", "", "Address other nodes use to reach this one.")
	f.DurationVar(&cfg.HeartbeatPeriod, "cluster.heartbeat-period", 5*time.Second, "How often to renew the node lease.")
	f.DurationVar(&cfg.LeaseTTL, "cluster.lease-ttl", 30*time.Second, "Node lease TTL; shards reassign within ttl plus clock skew after a failure.")
}

// Membership joins this node to the cluster and mirrors the node table.
type Membership struct {
	services.Service

	cfg    Config
	store  metastore.Store
	logger log.Logger
	self   Node
	lease  metastore.Lease

	mu    sync.RWMutex
	nodes map[string]Node
}

func New(cfg Config, roles []string, store metastore.Store, logger log.Logger) *Membership {
	id := cfg.NodeID
	if id == "" {
		host, _ := os.Hostname()
		id = host + "-" + uuid.New().String()[:8]
	}
	m := &Membership{
		cfg:    cfg,
		store:  store,
		logger: logger,
		self:   Node{ID: id, Addr: cfg.AdvertiseAddr, Roles: roles},
		nodes:  map[string]Node{},
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

// NodeID is this node's identifier.
func (m *Membership) NodeID() string { return m.self.ID }

func (m *Membership) starting(ctx context.Context) error {
	if err := m.register(ctx); err != nil {
		return err
	}
	go m.watchNodes(ctx)
	return nil
}

func (m *Membership) register(ctx context.Context) error {
	m.self.HeartbeatAt = time.Now().UnixMicro()
	value, err := json.Marshal(m.self)
	if err != nil {
		return err
	}
	lease, err := m.store.Lease(ctx, metastore.NodeKey(m.self.ID), value, m.cfg.LeaseTTL)
	if err != nil {
		return errors.Wrap(err, "register node lease")
	}
	m.lease = lease

	m.mu.Lock()
	m.nodes[m.self.ID] = m.self
	m.mu.Unlock()
	return nil
}

func (m *Membership) watchNodes(ctx context.Context) {
	events, err := m.store.Watch(ctx, metastore.NodesPrefix, 0)
	if err != nil {
		level.Error(m.logger).Log("msg", "node watch failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.applyNodeEvent(event)
		}
	}
}

func (m *Membership) applyNodeEvent(event metastore.Event) {
	id := strings.TrimPrefix(event.Key, metastore.NodesPrefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Type == metastore.EventDelete {
		if id != m.self.ID {
			delete(m.nodes, id)
		}
		return
	}
	var node Node
	if err := json.Unmarshal(event.Value, &node); err != nil {
		level.Warn(m.logger).Log("msg", "undecodable node record", "key", event.Key, "err", err)
		return
	}
	m.nodes[node.ID] = node
}

func (m *Membership) running(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Renew and refresh the heartbeat stamp so readers on backends
			// without server-side lease expiry can judge staleness.
			if err := m.register(ctx); err != nil {
				level.Warn(m.logger).Log("msg", "lease renewal failed", "err", err)
				continue
			}
		}
	}
}

// stopping releases the shard lease; the ingester has already flushed by the
// time the manager stops this service, making the handover cooperative.
func (m *Membership) stopping(_ error) error {
	if m.lease == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.lease.Release(ctx)
}

// liveNodes returns nodes with fresh heartbeats holding the given role, in
// stable ID order.
func (m *Membership) liveNodes(role string) []Node {
	cutoff := time.Now().Add(-m.cfg.LeaseTTL - 5*time.Second).UnixMicro()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, node := range m.nodes {
		if node.HeartbeatAt < cutoff && node.ID != m.self.ID {
			continue
		}
		if role != "" && !node.HasRole(role) {
			continue
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Nodes lists all live nodes.
func (m *Membership) Nodes() []Node { return m.liveNodes("") }

// shardOwner rendezvous-hashes the stream across the live nodes with the
// role; highest score wins.
func (m *Membership) shardOwner(role, org, stream string) (Node, bool) {
	nodes := m.liveNodes(role)
	if len(nodes) == 0 {
		return Node{}, false
	}
	key := org + "/" + stream
	best := nodes[0]
	bestScore := uint64(0)
	for _, node := range nodes {
		score := xxhash.Sum64String(node.ID + "\x00" + key)
		if score > bestScore {
			best, bestScore = node, score
		}
	}
	return best, true
}

// IngesterFor returns the ingestion shard owner for a stream.
func (m *Membership) IngesterFor(org, stream string) (Node, bool) {
	return m.shardOwner(RoleIngester, org, stream)
}

// QuerierFor returns the scan owner for a stream.
func (m *Membership) QuerierFor(org, stream string) (Node, bool) {
	return m.shardOwner(RoleQuerier, org, stream)
}

// OwnsStream implements the ingester's shard check.
func (m *Membership) OwnsStream(org, stream string) bool {
	owner, ok := m.IngesterFor(org, stream)
	if !ok {
		// No live ingester records yet (single node starting up): accept.
		return true
	}
	return owner.ID == m.self.ID
}

// IsSelf reports whether the node is this process.
func (m *Membership) IsSelf(node Node) bool { return node.ID == m.self.ID }
