// Package querier plans and executes SQL queries: prune partitions through
// the index, scan locally or on the owning peers, merge partial results at
// the coordinator.
package querier

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/index"
	"github.com/jplandry908/openobserve/pkg/ingester"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
)

type Config struct {
	MaxQueryTime       time.Duration `yaml:"max_query_time"`
	ScanConcurrency    int           `yaml:"scan_concurrency"`
	BatchSize          int           `yaml:"batch_size"`
	MaxCoordinatorRows int           `yaml:"max_coordinator_rows"`
	DefaultSize        int           `yaml:"default_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.MaxQueryTime, "querier.max-query-time", 2*time.Minute, "Deadline applied to every query.")
	f.IntVar(&cfg.ScanConcurrency, "querier.scan-concurrency", 8, "Partition scans running concurrently per query.")
	f.IntVar(&cfg.BatchSize, "querier.batch-size", 1024, "Rows per batch between executor stages.")
	f.IntVar(&cfg.MaxCoordinatorRows, "querier.max-coordinator-rows", 500000, "Fail queries that would ship more rows than this to the coordinator.")
	f.IntVar(&cfg.DefaultSize, "querier.default-size", 100, "Result size when the query carries no LIMIT.")
}

// State is the lifecycle of one query:
// Planned → Dispatched → Running → {Completed, Cancelled, Failed}.
type State int

const (
	StatePlanned State = iota
	StateDispatched
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "querier_queries_total",
		Help:      "Queries by terminal state.",
	}, []string{"state"})
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "openobserve",
		Name:      "querier_query_duration_seconds",
		Help:      "Wall time per query.",
		Buckets:   prometheus.DefBuckets,
	})
	scannedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "querier_scanned_records_total",
		Help:      "Records read from partitions and memtables.",
	})
)

// RemoteClient ships a scan fragment to a peer querier.
type RemoteClient interface {
	Scan(ctx context.Context, addr string, req *ScanRequest) (*PartialResult, error)
}

// Querier is the per-node query engine: coordinator for queries it receives,
// executor for scan fragments dispatched to it.
type Querier struct {
	cfg      Config
	logger   log.Logger
	catalog  *metastore.Catalog
	registry *schema.Registry
	index    *index.Index
	cache    *cache.PartitionCache
	cluster  *cluster.Membership
	ingester *ingester.Ingester // nil unless this node also ingests
	remote   RemoteClient
}

func New(cfg Config, catalog *metastore.Catalog, registry *schema.Registry, idx *index.Index, partCache *cache.PartitionCache, membership *cluster.Membership, ing *ingester.Ingester, remote RemoteClient, logger log.Logger) *Querier {
	return &Querier{
		cfg:      cfg,
		logger:   logger,
		catalog:  catalog,
		registry: registry,
		index:    idx,
		cache:    partCache,
		cluster:  membership,
		ingester: ing,
		remote:   remote,
	}
}

// QueryRequest is one search call.
type QueryRequest struct {
	Org       string
	Stream    string
	SQL       string
	StartTime int64 // microseconds; 0 = take bounds from the SQL
	EndTime   int64
	Size      int // overrides LIMIT when > 0
}

// QueryResponse mirrors the search API shape.
type QueryResponse struct {
	Hits            []map[string]interface{} `json:"hits"`
	Total           int64                    `json:"total"`
	TookMs          int64                    `json:"took_ms"`
	ScanSize        int64                    `json:"scan_size"`
	ScanRecords     int64                    `json:"scan_records"`
	CachedRatio     float64                  `json:"cached_ratio"`
	StorageDegraded bool                     `json:"storage_degraded,omitempty"`
}
