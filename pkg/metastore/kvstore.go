package metastore

import (
	"context"
	"flag"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/kv"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// KVConfig configures the dskit kv.Client used for HA deployments.
type KVConfig struct {
	Store kv.Config `yaml:"store"`
}

func (cfg *KVConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.Store.RegisterFlagsWithPrefix("metastore.", "openobserve/", f)
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// versionedValue is the envelope stored in the kv backend. Versions live in
// the value because generic kv clients do not expose revisions. LeaseExpiry
// is non-zero for lease-held keys; expired entries read as absent.
type versionedValue struct {
	Version     int64  `json:"v"`
	Data        []byte `json:"d"`
	LeaseExpiry int64  `json:"le,omitempty"`
}

type kvCodec struct{}

func (kvCodec) CodecID() string { return "openobserveVersioned" }

func (kvCodec) Decode(data []byte) (interface{}, error) {
	var v versionedValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (kvCodec) Encode(obj interface{}) ([]byte, error) {
	return json.Marshal(obj)
}

// KVStore adapts a dskit kv.Client to the Store contract.
type KVStore struct {
	client kv.Client
	logger log.Logger
}

func NewKVStore(cfg KVConfig, backend string, logger log.Logger) (*KVStore, error) {
	storeCfg := cfg.Store
	storeCfg.Store = backend
	client, err := kv.NewClient(storeCfg, kvCodec{}, kv.RegistererWithKVName(prometheus.DefaultRegisterer, "metastore"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "create metastore kv client")
	}
	return &KVStore{client: client, logger: logger}, nil
}

func alive(v *versionedValue) bool {
	return v != nil && (v.LeaseExpiry == 0 || time.Now().UnixNano() < v.LeaseExpiry)
}

func (s *KVStore) Get(ctx context.Context, key string) (Entry, error) {
	obj, err := s.client.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	v, _ := obj.(*versionedValue)
	if !alive(v) {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Value: v.Data, Version: v.Version}, nil
}

func (s *KVStore) Put(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	var newVersion int64
	err := s.client.CAS(ctx, key, func(in interface{}) (interface{}, bool, error) {
		current, _ := in.(*versionedValue)
		if !alive(current) {
			current = nil
		}
		switch {
		case expectedVersion == VersionAny:
		case current == nil:
			if expectedVersion != VersionMustCreate {
				return nil, false, ErrVersionMismatch
			}
		case expectedVersion != current.Version:
			return nil, false, ErrVersionMismatch
		}
		newVersion = 1
		if current != nil {
			newVersion = current.Version + 1
		}
		return &versionedValue{Version: newVersion, Data: value}, false, nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *KVStore) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if expectedVersion != VersionAny {
		entry, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Version != expectedVersion {
			return ErrVersionMismatch
		}
	}
	return s.client.Delete(ctx, key)
}

func (s *KVStore) Scan(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	keys, err := s.client.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *KVStore) Watch(ctx context.Context, prefix string, fromVersion int64) (<-chan Event, error) {
	ch := make(chan Event, 256)

	snapshot, err := s.Scan(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(ch)
		for _, e := range snapshot {
			if e.Version <= fromVersion {
				continue
			}
			select {
			case ch <- Event{Type: EventPut, Entry: e}:
			case <-ctx.Done():
				return
			}
		}
		s.client.WatchPrefix(ctx, prefix, func(key string, obj interface{}) bool {
			event := Event{Type: EventDelete, Entry: Entry{Key: key}}
			if v, ok := obj.(*versionedValue); ok && alive(v) {
				event = Event{Type: EventPut, Entry: Entry{Key: key, Value: v.Data, Version: v.Version}}
			}
			select {
			case ch <- event:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

type kvLease struct {
	store *KVStore
	key   string
	value []byte
	ttl   time.Duration
}

func (s *KVStore) Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (Lease, error) {
	lease := &kvLease{store: s, key: key, value: value, ttl: ttl}
	if err := lease.write(ctx, true); err != nil {
		return nil, err
	}
	return lease, nil
}

func (l *kvLease) write(ctx context.Context, acquire bool) error {
	return l.store.client.CAS(ctx, l.key, func(in interface{}) (interface{}, bool, error) {
		current, _ := in.(*versionedValue)
		if acquire && alive(current) && current.LeaseExpiry != 0 && string(current.Data) != string(l.value) {
			return nil, false, ErrLeaseHeld
		}
		version := int64(1)
		if current != nil {
			version = current.Version + 1
		}
		return &versionedValue{
			Version:     version,
			Data:        l.value,
			LeaseExpiry: time.Now().Add(l.ttl).UnixNano(),
		}, false, nil
	})
}

func (l *kvLease) Renew(ctx context.Context) error { return l.write(ctx, false) }

func (l *kvLease) Release(ctx context.Context) error {
	return l.store.client.Delete(ctx, l.key)
}

func (s *KVStore) Close() error { return nil }
