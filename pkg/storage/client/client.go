// Package client defines the object-store contract the partition writer,
// query executor and compactor share. Backends never overwrite a key; new
// keys must be read-after-write consistent.
package client

import (
	"context"
	"flag"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ObjectClient is used to store partition files in an object store
// (S3 or the local filesystem).
type ObjectClient interface {
	PutObject(ctx context.Context, objectKey string, object io.ReadSeeker) error
	// GetObject returns a reader for the object and its size. When rnge is
	// non-nil only those bytes are fetched. The caller must Close the reader.
	GetObject(ctx context.Context, objectKey string, rnge *ByteRange) (io.ReadCloser, int64, error)
	// List objects with the given prefix.
	List(ctx context.Context, prefix string) ([]StorageObject, error)
	DeleteObject(ctx context.Context, objectKey string) error
	IsObjectNotFoundErr(err error) bool
	Stop()
}

// ByteRange is an inclusive byte range for partial reads.
type ByteRange struct {
	Start int64
	End   int64
}

// StorageObject represents an object stored in an object store.
type StorageObject struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
}

// Config selects and configures the object-store backend.
type Config struct {
	Backend    string   `yaml:"backend"`
	Filesystem FSConfig `yaml:"filesystem"`
	S3         S3Config `yaml:"s3"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, "objstore.backend", "filesystem", "Object store backend to use (filesystem, s3).")
	cfg.Filesystem.RegisterFlags(f)
	cfg.S3.RegisterFlags(f)
}

// New builds the configured backend.
func New(cfg Config) (ObjectClient, error) {
	switch cfg.Backend {
	case "filesystem", "":
		return NewFSObjectClient(cfg.Filesystem)
	case "s3":
		return NewS3ObjectClient(cfg.S3)
	default:
		return nil, errors.Errorf("unrecognized object store backend %q", cfg.Backend)
	}
}
