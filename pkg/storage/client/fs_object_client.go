package client

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FSConfig is the config for a FSObjectClient.
type FSConfig struct {
	Directory string `yaml:"directory"`
}

// RegisterFlags registers flags.
func (cfg *FSConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, "objstore.filesystem.directory", "", "Directory to store objects in.")
}

// FSObjectClient holds config for filesystem as object store
type FSObjectClient struct {
	cfg FSConfig
}

// NewFSObjectClient makes an ObjectClient which stores objects as files
// in the local filesystem.
func NewFSObjectClient(cfg FSConfig) (*FSObjectClient, error) {
	if err := os.MkdirAll(cfg.Directory, 0o777); err != nil {
		return nil, err
	}
	return &FSObjectClient{cfg: cfg}, nil
}

func (FSObjectClient) Stop() {}

func (f *FSObjectClient) objectPath(objectKey string) string {
	return filepath.Join(f.cfg.Directory, filepath.FromSlash(objectKey))
}

func (f *FSObjectClient) PutObject(_ context.Context, objectKey string, object io.ReadSeeker) error {
	fullPath := f.objectPath(objectKey)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o777); err != nil {
		return err
	}

	fl, err := os.CreateTemp(filepath.Dir(fullPath), filepath.Base(fullPath)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(fl.Name())

	if _, err := io.Copy(fl, object); err != nil {
		fl.Close()
		return err
	}
	if err := fl.Sync(); err != nil {
		fl.Close()
		return err
	}
	if err := fl.Close(); err != nil {
		return err
	}

	// Rename, not rewrite: keys are immutable and renames are atomic on the
	// same filesystem.
	return os.Rename(fl.Name(), fullPath)
}

func (f *FSObjectClient) GetObject(_ context.Context, objectKey string, rnge *ByteRange) (io.ReadCloser, int64, error) {
	fl, err := os.Open(f.objectPath(objectKey))
	if err != nil {
		return nil, 0, err
	}
	info, err := fl.Stat()
	if err != nil {
		fl.Close()
		return nil, 0, err
	}
	if rnge == nil {
		return fl, info.Size(), nil
	}
	if _, err := fl.Seek(rnge.Start, io.SeekStart); err != nil {
		fl.Close()
		return nil, 0, err
	}
	length := rnge.End - rnge.Start + 1
	return &limitedFile{f: fl, r: io.LimitReader(fl, length)}, length, nil
}

type limitedFile struct {
	f *os.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.f.Close() }

func (f *FSObjectClient) List(_ context.Context, prefix string) ([]StorageObject, error) {
	var objects []StorageObject
	err := filepath.Walk(f.cfg.Directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.cfg.Directory, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, StorageObject{Key: key, Size: info.Size(), ModifiedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (f *FSObjectClient) DeleteObject(_ context.Context, objectKey string) error {
	err := os.Remove(f.objectPath(objectKey))
	if err != nil && os.IsNotExist(err) {
		// Deletions are idempotent.
		return nil
	}
	return err
}

func (f *FSObjectClient) IsObjectNotFoundErr(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}
