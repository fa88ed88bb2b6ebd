package metastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/record"
)

// Catalog key layout:
//
//	/org/{o}/streams/{s}                         stream spec
//	/org/{o}/partitions/{s}/{yyyymmddhh}/{id}    partition manifest
//	/org/{o}/partition_seq/{s}/{ingester}/{segment}/{seq}  flush dedupe marker
//	/schema/{o}/{s}                              current schema
//	/schema_history/{o}/{s}/{version}            committed schema versions
//	/nodes/{id}                                  node record (leased)
//	/compactor/leader                            compactor leader lease
func StreamKey(org, stream string) string {
	return fmt.Sprintf("/org/%s/streams/%s", org, stream)
}

func StreamsPrefix(org string) string {
	return fmt.Sprintf("/org/%s/streams/", org)
}

func PartitionKey(org, stream, hourBucket, id string) string {
	return fmt.Sprintf("/org/%s/partitions/%s/%s/%s", org, stream, hourBucket, id)
}

func PartitionsPrefix(org, stream string) string {
	return fmt.Sprintf("/org/%s/partitions/%s/", org, stream)
}

// PartitionsWatchPrefix covers every org and stream.
const PartitionsWatchPrefix = "/org/"

func partitionSeqKey(org, stream, ingesterID string, segment uint64, seq uint64) string {
	return fmt.Sprintf("/org/%s/partition_seq/%s/%s/%d/%d", org, stream, ingesterID, segment, seq)
}

func SchemaKey(org, stream string) string {
	return fmt.Sprintf("/schema/%s/%s", org, stream)
}

func SchemaHistoryKey(org, stream string, version int64) string {
	return fmt.Sprintf("/schema_history/%s/%s/%08d", org, stream, version)
}

func NodeKey(id string) string { return "/nodes/" + id }

const (
	NodesPrefix        = "/nodes/"
	CompactorLeaderKey = "/compactor/leader"
)

// HourBucket formats a timestamp (microseconds) into the catalog's hourly
// partition bucket, which matches the object-store path layout.
func HourBucket(tsMicros int64) string {
	return time.UnixMicro(tsMicros).UTC().Format("2006010215")
}

// ObjectKey is where a partition lives in object storage.
func ObjectKey(org, stream string, minTS int64, id string) string {
	t := time.UnixMicro(minTS).UTC()
	return fmt.Sprintf("%s/%s/%s/%s.part", org, stream, t.Format("2006/01/02/15"), id)
}

// StreamKind is the type of data a stream holds.
type StreamKind string

const (
	KindLogs       StreamKind = "logs"
	KindMetrics    StreamKind = "metrics"
	KindTraces     StreamKind = "traces"
	KindEnrichment StreamKind = "enrichment"
)

func (k StreamKind) Valid() bool {
	switch k {
	case KindLogs, KindMetrics, KindTraces, KindEnrichment:
		return true
	}
	return false
}

// StreamStats accumulate on flush.
type StreamStats struct {
	Docs  int64 `json:"docs"`
	Bytes int64 `json:"bytes"`
}

// StreamSpec is the catalog row describing one stream.
type StreamSpec struct {
	Org            string      `json:"org"`
	Name           string      `json:"name"`
	Kind           StreamKind  `json:"kind"`
	RetentionHours int         `json:"retention_hours"`
	FlattenArrays  bool        `json:"flatten_arrays"`
	DurableWAL     bool        `json:"durable_wal"`
	AllowFullScan  bool        `json:"allow_full_scan"`
	BloomFields    []string    `json:"bloom_fields,omitempty"`
	Stats          StreamStats `json:"stats"`
	CreatedAt      int64       `json:"created_at"`
}

// ColumnStats mirror a partition column's pruning metadata into the catalog.
type ColumnStats struct {
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Min       record.Value `json:"min"`
	Max       record.Value `json:"max"`
	NullCount int64        `json:"null_count"`
	Bloom     []byte       `json:"bloom,omitempty"`
}

// Manifest is the catalog row for one partition, 1:1 with live partitions
// plus tombstones for superseded ones until the grace period elapses.
type Manifest struct {
	ID            string        `json:"id"`
	Org           string        `json:"org"`
	Stream        string        `json:"stream"`
	ObjectKey     string        `json:"object_key"`
	MinTS         int64         `json:"min_ts"`
	MaxTS         int64         `json:"max_ts"`
	Rows          int64         `json:"rows"`
	Bytes         int64         `json:"bytes"`
	SchemaVersion int64         `json:"schema_version"`
	Columns       []ColumnStats `json:"columns"`
	IngesterID    string        `json:"ingester_id,omitempty"`
	WALSegment    uint64        `json:"wal_segment,omitempty"`
	Sequence      uint64        `json:"sequence,omitempty"`
	CreatedAt     int64         `json:"created_at"`
	Superseded    bool          `json:"superseded,omitempty"`
	SupersededBy  string        `json:"superseded_by,omitempty"`
	SupersededAt  int64         `json:"superseded_at,omitempty"`
}

// Catalog is the typed access layer over the Store.
type Catalog struct {
	store Store
}

func NewCatalog(store Store) *Catalog { return &Catalog{store: store} }

func (c *Catalog) Store() Store { return c.store }

// GetStream returns a stream spec and its catalog version.
func (c *Catalog) GetStream(ctx context.Context, org, stream string) (StreamSpec, int64, error) {
	entry, err := c.store.Get(ctx, StreamKey(org, stream))
	if err != nil {
		return StreamSpec{}, 0, err
	}
	var spec StreamSpec
	if err := json.Unmarshal(entry.Value, &spec); err != nil {
		return StreamSpec{}, 0, errors.Wrap(err, "decode stream spec")
	}
	return spec, entry.Version, nil
}

// PutStream writes a stream spec with a CAS on the given version.
func (c *Catalog) PutStream(ctx context.Context, spec StreamSpec, expectedVersion int64) (int64, error) {
	value, err := json.Marshal(spec)
	if err != nil {
		return 0, err
	}
	return c.store.Put(ctx, StreamKey(spec.Org, spec.Name), expectedVersion, value)
}

// EnsureStream creates the stream on first write with the given defaults,
// returning the current spec either way.
func (c *Catalog) EnsureStream(ctx context.Context, defaults StreamSpec) (StreamSpec, error) {
	for {
		spec, _, err := c.GetStream(ctx, defaults.Org, defaults.Name)
		if err == nil {
			return spec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return StreamSpec{}, err
		}
		defaults.CreatedAt = time.Now().UnixMicro()
		if _, err := c.PutStream(ctx, defaults, VersionMustCreate); err == nil {
			return defaults, nil
		} else if !errors.Is(err, ErrVersionMismatch) {
			return StreamSpec{}, err
		}
		// Lost the creation race; reload.
	}
}

func (c *Catalog) ListStreams(ctx context.Context, org string) ([]StreamSpec, error) {
	entries, err := c.store.Scan(ctx, StreamsPrefix(org), 0)
	if err != nil {
		return nil, err
	}
	specs := make([]StreamSpec, 0, len(entries))
	for _, entry := range entries {
		var spec StreamSpec
		if err := json.Unmarshal(entry.Value, &spec); err != nil {
			return nil, errors.Wrapf(err, "decode stream spec %s", entry.Key)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// DeleteStream drops the spec, schema and all manifests. Object files are the
// retention loop's problem once the manifests are gone.
func (c *Catalog) DeleteStream(ctx context.Context, org, stream string) error {
	manifests, err := c.ListPartitions(ctx, org, stream)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if err := c.DeletePartition(ctx, &m); err != nil {
			return err
		}
	}
	if err := c.store.Delete(ctx, SchemaKey(org, stream), VersionAny); err != nil {
		return err
	}
	history, err := c.store.Scan(ctx, fmt.Sprintf("/schema_history/%s/%s/", org, stream), 0)
	if err != nil {
		return err
	}
	for _, entry := range history {
		if err := c.store.Delete(ctx, entry.Key, VersionAny); err != nil {
			return err
		}
	}
	return c.store.Delete(ctx, StreamKey(org, stream), VersionAny)
}

// RegisterPartition writes a manifest, deduplicating replayed flushes by
// (ingester, wal segment, sequence). Returns false when the partition was
// already registered by an earlier flush of the same WAL range.
func (c *Catalog) RegisterPartition(ctx context.Context, m *Manifest) (bool, error) {
	if m.IngesterID != "" {
		seqKey := partitionSeqKey(m.Org, m.Stream, m.IngesterID, m.WALSegment, m.Sequence)
		if _, err := c.store.Put(ctx, seqKey, VersionMustCreate, []byte(m.ID)); err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return false, nil
			}
			return false, err
		}
	}
	value, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	key := PartitionKey(m.Org, m.Stream, HourBucket(m.MinTS), m.ID)
	if _, err := c.store.Put(ctx, key, VersionMustCreate, value); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Catalog) ListPartitions(ctx context.Context, org, stream string) ([]Manifest, error) {
	entries, err := c.store.Scan(ctx, PartitionsPrefix(org, stream), 0)
	if err != nil {
		return nil, err
	}
	manifests := make([]Manifest, 0, len(entries))
	for _, entry := range entries {
		var m Manifest
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			return nil, errors.Wrapf(err, "decode manifest %s", entry.Key)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// MarkSuperseded tombstones a manifest after compaction replaced it.
func (c *Catalog) MarkSuperseded(ctx context.Context, m *Manifest, successorID string) error {
	m.Superseded = true
	m.SupersededBy = successorID
	m.SupersededAt = time.Now().UnixMicro()
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := PartitionKey(m.Org, m.Stream, HourBucket(m.MinTS), m.ID)
	_, err = c.store.Put(ctx, key, VersionAny, value)
	return err
}

// DeletePartition removes the manifest and its dedupe marker.
func (c *Catalog) DeletePartition(ctx context.Context, m *Manifest) error {
	if m.IngesterID != "" {
		seqKey := partitionSeqKey(m.Org, m.Stream, m.IngesterID, m.WALSegment, m.Sequence)
		if err := c.store.Delete(ctx, seqKey, VersionAny); err != nil {
			return err
		}
	}
	return c.store.Delete(ctx, PartitionKey(m.Org, m.Stream, HourBucket(m.MinTS), m.ID), VersionAny)
}

// AddStreamStats bumps the per-stream doc/byte counters; concurrent flushes
// retry the CAS.
func (c *Catalog) AddStreamStats(ctx context.Context, org, stream string, docs, bytes int64) error {
	for {
		spec, version, err := c.GetStream(ctx, org, stream)
		if err != nil {
			return err
		}
		spec.Stats.Docs += docs
		spec.Stats.Bytes += bytes
		if _, err := c.PutStream(ctx, spec, version); err == nil {
			return nil
		} else if !errors.Is(err, ErrVersionMismatch) {
			return err
		}
	}
}

// ListOrgs walks the stream keyspace and returns the org slugs present.
func (c *Catalog) ListOrgs(ctx context.Context) ([]string, error) {
	entries, err := c.store.Scan(ctx, "/org/", 0)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var orgs []string
	for _, entry := range entries {
		rest := strings.TrimPrefix(entry.Key, "/org/")
		idx := strings.IndexByte(rest, '/')
		if idx <= 0 {
			continue
		}
		org := rest[:idx]
		if _, ok := seen[org]; !ok {
			seen[org] = struct{}{}
			orgs = append(orgs, org)
		}
	}
	return orgs, nil
}

// ManifestFromEvent decodes a watch event under the partitions prefix.
// Returns nil when the event is for a non-manifest key.
func ManifestFromEvent(event Event) (*Manifest, string, bool) {
	if !strings.Contains(event.Key, "/partitions/") {
		return nil, "", false
	}
	if event.Type == EventDelete {
		return nil, event.Key, true
	}
	var m Manifest
	if err := json.Unmarshal(event.Value, &m); err != nil {
		return nil, "", false
	}
	return &m, event.Key, true
}
