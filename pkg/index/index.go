// Package index maintains the in-memory partition index every querier
// carries: a watch-fed mirror of the partition manifests, consulted to prune
// the candidate file set for a query.
package index

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/partition"
	"github.com/jplandry908/openobserve/pkg/record"
)

var (
	indexedPartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openobserve",
		Name:      "index_partitions",
		Help:      "Partitions currently tracked by the index.",
	})
	prunedPartitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "index_pruned_partitions_total",
		Help:      "Partitions rejected during lookup, by pruning stage.",
	}, []string{"stage"})
)

// Index is the watch-fed partition lookup structure.
type Index struct {
	services.Service

	store  metastore.Store
	logger log.Logger

	mu      sync.RWMutex
	streams map[string]*streamIndex
}

// streamIndex keeps entries in insertion order for stable merge
// tie-breaking. Duplicate ingestions of the same WAL range coalesce to the
// latest manifest.
type streamIndex struct {
	entries []*entry
	byID    map[string]int
	byWAL   map[string]string // (ingester,segment,seq) → partition id
}

type entry struct {
	manifest metastore.Manifest

	bloomMu sync.Mutex
	blooms  map[string]*bloom.BloomFilter
}

func New(store metastore.Store, logger log.Logger) *Index {
	idx := &Index{
		store:   store,
		logger:  logger,
		streams: map[string]*streamIndex{},
	}
	idx.Service = services.NewBasicService(nil, idx.running, nil)
	return idx
}

func (idx *Index) running(ctx context.Context) error {
	events, err := idx.store.Watch(ctx, metastore.PartitionsWatchPrefix, 0)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			idx.apply(event)
		}
	}
}

func (idx *Index) apply(event metastore.Event) {
	m, key, ok := metastore.ManifestFromEvent(event)
	if !ok {
		return
	}
	if event.Type == metastore.EventDelete {
		idx.remove(key)
		return
	}
	idx.upsert(m)
}

func streamKey(org, stream string) string { return org + "/" + stream }

// Upsert inserts or replaces a manifest.
func (idx *Index) upsert(m *metastore.Manifest) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	si, ok := idx.streams[streamKey(m.Org, m.Stream)]
	if !ok {
		si = &streamIndex{byID: map[string]int{}, byWAL: map[string]string{}}
		idx.streams[streamKey(m.Org, m.Stream)] = si
	}

	if pos, exists := si.byID[m.ID]; exists {
		si.entries[pos] = &entry{manifest: *m}
		return
	}

	// Coalesce duplicate flushes of the same WAL range to the latest.
	if dk := dedupeKey(m); dk != "" {
		if prevID, dup := si.byWAL[dk]; dup && prevID != m.ID {
			if pos, exists := si.byID[prevID]; exists {
				si.entries[pos] = &entry{manifest: *m}
				delete(si.byID, prevID)
				si.byID[m.ID] = pos
				si.byWAL[dk] = m.ID
				return
			}
		}
		si.byWAL[dk] = m.ID
	}

	si.byID[m.ID] = len(si.entries)
	si.entries = append(si.entries, &entry{manifest: *m})
	indexedPartitions.Inc()
}

func dedupeKey(m *metastore.Manifest) string {
	if m.IngesterID == "" {
		return ""
	}
	return m.IngesterID + "/" + strconv.FormatUint(m.WALSegment, 10) + "/" + strconv.FormatUint(m.Sequence, 10)
}

func (idx *Index) remove(key string) {
	// key: /org/{o}/partitions/{s}/{hour}/{id}
	parts := strings.Split(strings.TrimPrefix(key, "/org/"), "/")
	if len(parts) < 5 || parts[1] != "partitions" {
		return
	}
	org, stream, id := parts[0], parts[2], parts[4]

	idx.mu.Lock()
	defer idx.mu.Unlock()
	si, ok := idx.streams[streamKey(org, stream)]
	if !ok {
		return
	}
	pos, ok := si.byID[id]
	if !ok {
		return
	}
	delete(si.byID, id)
	si.entries = append(si.entries[:pos], si.entries[pos+1:]...)
	for otherID, otherPos := range si.byID {
		if otherPos > pos {
			si.byID[otherID] = otherPos - 1
		}
	}
	indexedPartitions.Dec()
}

// Lookup returns the manifests of live partitions that may contain rows for
// the query, in insertion order. Pruning stages, in order: time-range
// intersection, bloom probes for equality filters, min/max for ranges.
func (idx *Index) Lookup(org, stream string, minTS, maxTS int64, filters []partition.Filter) []metastore.Manifest {
	idx.mu.RLock()
	si, ok := idx.streams[streamKey(org, stream)]
	if !ok {
		idx.mu.RUnlock()
		return nil
	}
	entries := make([]*entry, len(si.entries))
	copy(entries, si.entries)
	idx.mu.RUnlock()

	var out []metastore.Manifest
	for _, e := range entries {
		m := &e.manifest
		if m.Superseded {
			continue
		}
		if m.MaxTS < minTS || m.MinTS > maxTS {
			prunedPartitions.WithLabelValues("time").Inc()
			continue
		}
		if !mayMatch(e, filters) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

func mayMatch(e *entry, filters []partition.Filter) bool {
	for _, f := range filters {
		cs := findColumn(&e.manifest, f.Column)
		if cs == nil {
			// Column absent from the partition entirely: equality on it can
			// never match unless the filter is a negation.
			continue
		}
		switch f.Op {
		case partition.OpEq, partition.OpIn:
			if len(cs.Bloom) > 0 {
				filter := e.bloomFor(f.Column, cs.Bloom)
				if filter != nil && !bloomMayContain(filter, f.Values) {
					prunedPartitions.WithLabelValues("bloom").Inc()
					return false
				}
			}
			if !f.MayMatchStats(cs.Min, cs.Max) {
				prunedPartitions.WithLabelValues("minmax").Inc()
				return false
			}
		case partition.OpLt, partition.OpLe, partition.OpGt, partition.OpGe:
			if !f.MayMatchStats(cs.Min, cs.Max) {
				prunedPartitions.WithLabelValues("minmax").Inc()
				return false
			}
		}
	}
	return true
}

func bloomMayContain(filter *bloom.BloomFilter, values []record.Value) bool {
	for _, v := range values {
		if filter.TestString(v.AsString()) {
			return true
		}
	}
	return false
}

func findColumn(m *metastore.Manifest, name string) *metastore.ColumnStats {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

// bloomFor parses the serialized filter once per entry and column.
func (e *entry) bloomFor(column string, data []byte) *bloom.BloomFilter {
	e.bloomMu.Lock()
	defer e.bloomMu.Unlock()
	if e.blooms == nil {
		e.blooms = map[string]*bloom.BloomFilter{}
	}
	if f, ok := e.blooms[column]; ok {
		return f
	}
	var f bloom.BloomFilter
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil
	}
	e.blooms[column] = &f
	return &f
}

// Snapshot lists everything tracked for one stream, superseded included.
func (idx *Index) Snapshot(org, stream string) []metastore.Manifest {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	si, ok := idx.streams[streamKey(org, stream)]
	if !ok {
		return nil
	}
	out := make([]metastore.Manifest, 0, len(si.entries))
	for _, e := range si.entries {
		out = append(out, e.manifest)
	}
	return out
}
