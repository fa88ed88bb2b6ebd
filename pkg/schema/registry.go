package schema

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Registry caches per-stream schemas and serializes evolution through CAS on
// the metadata store. Commits are single-writer per stream (the ingester
// holding the shard lease); queriers may read stale schemas safely because
// every partition embeds the schema version it was written under.
type Registry struct {
	store metastore.Store

	mu      sync.Mutex
	handles map[string]*Handle
}

// Handle is the cached registry entry for one stream.
type Handle struct {
	Org    string
	Stream string
	Kind   metastore.StreamKind

	mu      sync.RWMutex
	current *Schema
	version int64 // catalog version of the schema key, for CAS
}

// Proposal is an evolved schema awaiting commit.
type Proposal struct {
	Schema *Schema
	base   int64 // schema.Version the proposal was derived from
}

func NewRegistry(store metastore.Store) *Registry {
	return &Registry{store: store, handles: map[string]*Handle{}}
}

// GetOrInit returns the handle for a stream, loading or creating the schema
// entry as needed. A fresh stream starts with only the timestamp field.
func (r *Registry) GetOrInit(ctx context.Context, org, stream string, kind metastore.StreamKind) (*Handle, error) {
	key := org + "/" + stream

	r.mu.Lock()
	h, ok := r.handles[key]
	if !ok {
		h = &Handle{Org: org, Stream: stream, Kind: kind}
		r.handles[key] = h
	}
	r.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		return h, nil
	}
	if err := r.loadLocked(ctx, h); err == nil {
		return h, nil
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return nil, err
	}

	initial := New(1, []Field{{ID: 0, Name: record.TimestampField, Type: Scalar(TypeTimestamp)}})
	version, err := r.putSchema(ctx, h, initial, metastore.VersionMustCreate)
	if errors.Is(err, metastore.ErrVersionMismatch) {
		// Another writer initialized it first.
		if err := r.loadLocked(ctx, h); err != nil {
			return nil, err
		}
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	h.current, h.version = initial, version
	return h, nil
}

func (r *Registry) loadLocked(ctx context.Context, h *Handle) error {
	entry, err := r.store.Get(ctx, metastore.SchemaKey(h.Org, h.Stream))
	if err != nil {
		return err
	}
	var s Schema
	if err := json.Unmarshal(entry.Value, &s); err != nil {
		return errors.Wrap(err, "decode schema")
	}
	s.reindex()
	h.current, h.version = &s, entry.Version
	return nil
}

func (r *Registry) putSchema(ctx context.Context, h *Handle, s *Schema, expectedVersion int64) (int64, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return 0, err
	}
	version, err := r.store.Put(ctx, metastore.SchemaKey(h.Org, h.Stream), expectedVersion, value)
	if err != nil {
		return 0, err
	}
	// History entries are write-once; losing the race means an identical
	// version was already recorded.
	historyKey := metastore.SchemaHistoryKey(h.Org, h.Stream, s.Version)
	if _, err := r.store.Put(ctx, historyKey, metastore.VersionMustCreate, value); err != nil && !errors.Is(err, metastore.ErrVersionMismatch) {
		return 0, err
	}
	return version, nil
}

// Current returns the cached schema.
func (h *Handle) Current() *Schema {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Observe proposes an evolved schema for the record's fields. It is purely
// in-memory; the bool is false when the record fits the current schema.
func (r *Registry) Observe(h *Handle, fields map[string]record.Value) (*Proposal, bool) {
	h.mu.RLock()
	current := h.current
	h.mu.RUnlock()

	var evolved *Schema
	for _, name := range sortedNames(fields) {
		v := fields[name]
		if v.IsNull() {
			continue
		}
		observed := TypeOf(v)
		target := current
		if evolved != nil {
			target = evolved
		}
		existing, ok := target.Lookup(name)
		switch {
		case !ok:
			if evolved == nil {
				evolved = current.Clone()
				evolved.Version = current.Version + 1
			}
			evolved.Fields = append(evolved.Fields, Field{
				ID:   uint32(len(evolved.Fields)),
				Name: name,
				Type: observed,
			})
			evolved.reindex()
		case !existing.Type.Equal(observed):
			widened := Widen(existing.Type, observed)
			if widened.Equal(existing.Type) {
				continue
			}
			if evolved == nil {
				evolved = current.Clone()
				evolved.Version = current.Version + 1
			}
			evolved.Fields[existing.ID].Type = widened
		}
	}
	if evolved == nil {
		return nil, false
	}
	return &Proposal{Schema: evolved, base: current.Version}, true
}

// Commit durably records a proposal. On conflict the handle is refreshed and
// apierror.SchemaConflict returned; the caller re-runs Observe against the
// now-current schema.
func (r *Registry) Commit(ctx context.Context, h *Handle, p *Proposal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current.Version != p.base {
		return apierror.SchemaConflict
	}
	if err := p.Schema.Validate(h.current); err != nil {
		return errors.Wrap(err, "invalid schema proposal")
	}
	version, err := r.putSchema(ctx, h, p.Schema, h.version)
	if errors.Is(err, metastore.ErrVersionMismatch) {
		if loadErr := r.loadLocked(ctx, h); loadErr != nil {
			return loadErr
		}
		return apierror.SchemaConflict
	}
	if err != nil {
		return err
	}
	h.current, h.version = p.Schema, version
	return nil
}

// Refresh drops through to the store, for readers that suspect staleness.
func (r *Registry) Refresh(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return r.loadLocked(ctx, h)
}

// SchemaAt loads a specific committed version, used by the executor to
// materialize partitions written under older schemas.
func (r *Registry) SchemaAt(ctx context.Context, org, stream string, version int64) (*Schema, error) {
	entry, err := r.store.Get(ctx, metastore.SchemaHistoryKey(org, stream, version))
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(entry.Value, &s); err != nil {
		return nil, errors.Wrap(err, "decode schema history")
	}
	s.reindex()
	return &s, nil
}

func sortedNames(fields map[string]record.Value) []string {
	return record.Record{Fields: fields}.FieldNames()
}
