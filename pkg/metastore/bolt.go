package metastore

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// BoltConfig is the config for the embedded bolt backend.
type BoltConfig struct {
	Path string `yaml:"path"`
}

func (cfg *BoltConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Path, "metastore.bolt.path", "", "Path of the embedded metadata database file.")
}

var (
	bucketKV     = []byte("kv")
	bucketMeta   = []byte("meta")
	bucketLeases = []byte("leases")
	revisionKey  = []byte("revision")
)

// BoltStore is the embedded single-node metastore backend. Values carry
// their write revision; watchers are fanned out in-process.
type BoltStore struct {
	db     *bolt.DB
	logger log.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}

	stop chan struct{}
	done chan struct{}
}

type watcher struct {
	prefix string
	ch     chan Event
	ctx    context.Context
}

func NewBoltStore(cfg BoltConfig, logger log.Logger) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("metastore.bolt.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o777); err != nil {
		return nil, err
	}
	db, err := bolt.Open(cfg.Path, 0o666, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open metadata database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketMeta, bucketLeases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{
		db:       db,
		logger:   logger,
		watchers: map[*watcher]struct{}{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.expireLeasesLoop()
	return s, nil
}

// encoded value layout: 8 byte big-endian version, then the raw value.
func encodeVersioned(version int64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out, uint64(version))
	copy(out[8:], value)
	return out
}

func decodeVersioned(raw []byte) (int64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, errors.New("metastore: corrupt versioned value")
	}
	version := int64(binary.BigEndian.Uint64(raw))
	value := make([]byte, len(raw)-8)
	copy(value, raw[8:])
	return version, value, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		version, value, err := decodeVersioned(raw)
		if err != nil {
			return err
		}
		entry = Entry{Key: key, Value: value, Version: version}
		return nil
	})
	return entry, err
}

func (s *BoltStore) Put(_ context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		raw := kv.Get([]byte(key))
		switch {
		case expectedVersion == VersionAny:
		case raw == nil:
			if expectedVersion != VersionMustCreate {
				return ErrVersionMismatch
			}
		default:
			current, _, err := decodeVersioned(raw)
			if err != nil {
				return err
			}
			if expectedVersion != current {
				return ErrVersionMismatch
			}
		}
		var err error
		newVersion, err = s.nextRevision(tx)
		if err != nil {
			return err
		}
		return kv.Put([]byte(key), encodeVersioned(newVersion, value))
	})
	if err != nil {
		return 0, err
	}
	s.notify(Event{Type: EventPut, Entry: Entry{Key: key, Value: value, Version: newVersion}})
	return newVersion, nil
}

func (s *BoltStore) Delete(_ context.Context, key string, expectedVersion int64) error {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		raw := kv.Get([]byte(key))
		if raw == nil {
			// Idempotent.
			return nil
		}
		if expectedVersion != VersionAny {
			current, _, err := decodeVersioned(raw)
			if err != nil {
				return err
			}
			if expectedVersion != current {
				return ErrVersionMismatch
			}
		}
		deleted = true
		if err := tx.Bucket(bucketLeases).Delete([]byte(key)); err != nil {
			return err
		}
		return kv.Delete([]byte(key))
	})
	if err == nil && deleted {
		s.notify(Event{Type: EventDelete, Entry: Entry{Key: key}})
	}
	return err
}

func (s *BoltStore) Scan(_ context.Context, prefix string, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(string(k), prefix); k, v = c.Next() {
			version, value, err := decodeVersioned(v)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Key: string(k), Value: value, Version: version})
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) Watch(ctx context.Context, prefix string, fromVersion int64) (<-chan Event, error) {
	w := &watcher{prefix: prefix, ch: make(chan Event, 256), ctx: ctx}

	// Register before the snapshot scan so no event between snapshot and
	// registration is lost; duplicates are fine, the index coalesces by
	// version.
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	snapshot, err := s.Scan(ctx, prefix, 0)
	if err != nil {
		s.dropWatcher(w)
		return nil, err
	}
	go func() {
		for _, e := range snapshot {
			if e.Version <= fromVersion {
				continue
			}
			select {
			case w.ch <- Event{Type: EventPut, Entry: e}:
			case <-ctx.Done():
				s.dropWatcher(w)
				return
			}
		}
		<-ctx.Done()
		s.dropWatcher(w)
	}()
	return w.ch, nil
}

func (s *BoltStore) dropWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

func (s *BoltStore) notify(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if !hasPrefix(event.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- event:
		case <-w.ctx.Done():
		default:
			// Watcher is not draining; drop rather than block catalog
			// writes. The watcher re-syncs from a fresh snapshot.
			level.Warn(s.logger).Log("msg", "metastore watcher is lagging, dropping event", "key", event.Key)
		}
	}
}

func (s *BoltStore) nextRevision(tx *bolt.Tx) (int64, error) {
	meta := tx.Bucket(bucketMeta)
	var rev int64
	if raw := meta.Get(revisionKey); raw != nil {
		rev = int64(binary.BigEndian.Uint64(raw))
	}
	rev++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rev))
	return rev, meta.Put(revisionKey, buf)
}

type boltLease struct {
	store *BoltStore
	key   string
	value []byte
	ttl   time.Duration
}

func (s *BoltStore) Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (Lease, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(bucketLeases)
		if raw := leases.Get([]byte(key)); raw != nil {
			expiry := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
			if time.Now().Before(expiry) {
				if existing := tx.Bucket(bucketKV).Get([]byte(key)); existing != nil {
					_, held, err := decodeVersioned(existing)
					if err == nil && string(held) != string(value) {
						return ErrLeaseHeld
					}
				}
			}
		}
		version, err := s.nextRevision(tx)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketKV).Put([]byte(key), encodeVersioned(version, value)); err != nil {
			return err
		}
		return putExpiry(leases, key, time.Now().Add(ttl))
	})
	if err != nil {
		return nil, err
	}
	s.notify(Event{Type: EventPut, Entry: Entry{Key: key, Value: value}})
	return &boltLease{store: s, key: key, value: value, ttl: ttl}, nil
}

func putExpiry(leases *bolt.Bucket, key string, expiry time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(expiry.UnixNano()))
	return leases.Put([]byte(key), buf)
}

func (l *boltLease) Renew(_ context.Context) error {
	return l.store.db.Update(func(tx *bolt.Tx) error {
		return putExpiry(tx.Bucket(bucketLeases), l.key, time.Now().Add(l.ttl))
	})
}

func (l *boltLease) Release(ctx context.Context) error {
	return l.store.Delete(ctx, l.key, VersionAny)
}

func (s *BoltStore) expireLeasesLoop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expireLeases()
		}
	}
}

func (s *BoltStore) expireLeases() {
	var expired []string
	now := time.Now().UnixNano()
	err := s.db.Update(func(tx *bolt.Tx) error {
		leases := tx.Bucket(bucketLeases)
		c := leases.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(v)) > now {
				continue
			}
			expired = append(expired, string(k))
		}
		for _, key := range expired {
			if err := leases.Delete([]byte(key)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketKV).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		level.Error(s.logger).Log("msg", "lease expiry sweep failed", "err", err)
		return
	}
	for _, key := range expired {
		s.notify(Event{Type: EventDelete, Entry: Entry{Key: key}})
	}
}

func (s *BoltStore) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}
