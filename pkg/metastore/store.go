// Package metastore is the durable catalog: streams, schemas, partition
// manifests, nodes and leases. Everything is expressed over a small versioned
// KV contract so the backend can be the embedded bolt store (single node) or
// a dskit kv.Client (etcd, consul, memberlist) for HA.
package metastore

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("metastore: key not found")
	// ErrVersionMismatch is returned by Put/Delete when the expected version
	// does not match the stored one.
	ErrVersionMismatch = errors.New("metastore: version mismatch")
	// ErrLeaseHeld is returned by Lease when another holder owns the key.
	ErrLeaseHeld = errors.New("metastore: lease held by another owner")
)

const (
	// VersionMustCreate makes Put succeed only if the key does not exist yet.
	VersionMustCreate int64 = 0
	// VersionAny disables the version check.
	VersionAny int64 = -1
)

// Entry is one stored key with its value and the revision it was last
// written at.
type Entry struct {
	Key     string
	Value   []byte
	Version int64
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Event is one change observed by a watcher.
type Event struct {
	Type EventType
	Entry
}

// Lease is a renewable claim on a key. The key is deleted when the lease
// expires without renewal.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Store is the abstract catalog contract. All mutations are CAS-versioned;
// there is no application-level locking on top.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value iff the stored version matches expectedVersion
	// (VersionMustCreate for create-only, VersionAny to skip the check) and
	// returns the new version.
	Put(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)
	Delete(ctx context.Context, key string, expectedVersion int64) error
	// Scan returns entries whose key has the given prefix, in key order.
	// limit <= 0 means no limit.
	Scan(ctx context.Context, prefix string, limit int) ([]Entry, error)
	// Watch emits the current state under prefix with version > fromVersion,
	// then live changes, until ctx is cancelled.
	Watch(ctx context.Context, prefix string, fromVersion int64) (<-chan Event, error)
	// Lease writes value under key and keeps it alive for ttl per renewal.
	Lease(ctx context.Context, key string, value []byte, ttl time.Duration) (Lease, error)
	Close() error
}

// Config selects the metastore backend.
type Config struct {
	Backend string     `yaml:"backend"`
	Bolt    BoltConfig `yaml:"bolt"`
	KV      KVConfig   `yaml:"kv"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "metastore.backend", "bolt", "Metadata store backend (bolt, etcd, consul, memberlist, inmemory).")
	cfg.Bolt.RegisterFlags(f)
	cfg.KV.RegisterFlags(f)
}

// New builds the configured backend.
func New(cfg Config, logger log.Logger) (Store, error) {
	switch cfg.Backend {
	case "bolt", "":
		return NewBoltStore(cfg.Bolt, logger)
	case "etcd", "consul", "memberlist", "inmemory":
		return NewKVStore(cfg.KV, cfg.Backend, logger)
	default:
		return nil, errors.Errorf("unrecognized metastore backend %q", cfg.Backend)
	}
}

// hasPrefix matches watch/scan prefixes. An empty prefix matches everything.
func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
