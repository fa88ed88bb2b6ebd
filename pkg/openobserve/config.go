// Package openobserve assembles the node: configuration, component wiring
// and lifecycle.
package openobserve

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/jplandry908/openobserve/pkg/api"
	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/compactor"
	"github.com/jplandry908/openobserve/pkg/ingester"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/querier"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
	"github.com/jplandry908/openobserve/pkg/syslog"
)

// Target selects which roles a node runs.
const (
	TargetAll       = "all"
	TargetIngester  = "ingester"
	TargetQuerier   = "querier"
	TargetCompactor = "compactor"
)

// Config is the root config for a node.
type Config struct {
	Target         string `yaml:"target"`
	HTTPListenAddr string `yaml:"http_listen_addr"`
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`

	Auth        api.AuthConfig       `yaml:"auth"`
	Metastore   metastore.Config     `yaml:"metastore"`
	ObjectStore client.Config        `yaml:"object_store"`
	Cache       cache.Config         `yaml:"cache"`
	Cluster     cluster.Config       `yaml:"cluster"`
	Ingester    ingester.Config      `yaml:"ingester"`
	Syslog      syslog.Config        `yaml:"syslog"`
	Querier     querier.Config       `yaml:"querier"`
	Remote      querier.RemoteConfig `yaml:"querier_remote"`
	Compactor   compactor.Config     `yaml:"compactor"`
}

// RegisterFlags registers flags.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", TargetAll, "Roles this node runs (all, ingester, querier, compactor).")
	f.StringVar(&c.HTTPListenAddr, "server.http-listen-addr", ":5080", "HTTP listen address.")
	f.StringVar(&c.DataDir, "data-dir", "./data", "Data root; wal/, cache/ and metadata/ live under it unless set explicitly.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level (debug, info, warn, error).")
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format (logfmt, json).")

	c.Auth.RegisterFlags(f)
	c.Metastore.RegisterFlags(f)
	c.ObjectStore.RegisterFlags(f)
	c.Cache.RegisterFlags(f)
	c.Cluster.RegisterFlags(f)
	c.Ingester.RegisterFlags(f)
	c.Syslog.RegisterFlags(f)
	c.Querier.RegisterFlags(f)
	c.Remote.RegisterFlags(f)
	c.Compactor.RegisterFlags(f)
}

// LoadFile overlays a YAML config file onto the flag defaults.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(yaml.UnmarshalStrict(data, c), "parse config file %s", path)
}

// ApplyDataDir derives unset directory configs from the data root, matching
// the persisted layout: wal/, cache/, metadata/.
func (c *Config) ApplyDataDir() {
	if c.Ingester.WAL.Dir == "" {
		c.Ingester.WAL.Dir = filepath.Join(c.DataDir, "wal")
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = filepath.Join(c.DataDir, "cache")
	}
	if c.Metastore.Bolt.Path == "" {
		c.Metastore.Bolt.Path = filepath.Join(c.DataDir, "metadata", "catalog.db")
	}
	if c.ObjectStore.Backend == "filesystem" && c.ObjectStore.Filesystem.Directory == "" {
		c.ObjectStore.Filesystem.Directory = filepath.Join(c.DataDir, "objects")
	}
	if c.Cluster.AdvertiseAddr == "" {
		c.Cluster.AdvertiseAddr = "localhost" + c.HTTPListenAddr
	}
}

// Validate the config and return an error if the validation doesn't pass.
func (c *Config) Validate() error {
	switch c.Target {
	case TargetAll, TargetIngester, TargetQuerier, TargetCompactor:
	default:
		return errors.Errorf("invalid target %q", c.Target)
	}
	if c.hasRole(cluster.RoleIngester) {
		if err := c.Ingester.Validate(); err != nil {
			return errors.Wrap(err, "invalid ingester config")
		}
	}
	return nil
}

func (c *Config) hasRole(role string) bool {
	if c.Target == TargetAll {
		return true
	}
	return c.Target == role
}

// Roles lists the cluster roles implied by the target.
func (c *Config) Roles() []string {
	if c.Target == TargetAll {
		return []string{cluster.RoleIngester, cluster.RoleQuerier, cluster.RoleCompactor}
	}
	return []string{c.Target}
}

// InitDataDir creates the persisted layout under the data root.
func InitDataDir(root string) error {
	for _, dir := range []string{"wal", "cache", "metadata", "objects"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o777); err != nil {
			return err
		}
	}
	return nil
}
