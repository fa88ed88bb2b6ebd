package openobserve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/api"
	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/compactor"
	"github.com/jplandry908/openobserve/pkg/index"
	"github.com/jplandry908/openobserve/pkg/ingester"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/querier"
	"github.com/jplandry908/openobserve/pkg/schema"
	"github.com/jplandry908/openobserve/pkg/storage/cache"
	"github.com/jplandry908/openobserve/pkg/storage/client"
	"github.com/jplandry908/openobserve/pkg/syslog"
)

// catalogVersion is bumped when the key layout changes; `migrate` upgrades
// the marker, `start` refuses to run against a newer or older catalog.
const catalogVersion = 1

const catalogVersionKey = "/system/catalog_version"

// ErrMigrationRequired maps to exit code 4.
var ErrMigrationRequired = errors.New("catalog schema version mismatch, run migrate")

// App is one running node.
type App struct {
	cfg    Config
	logger log.Logger

	store      metastore.Store
	catalog    *metastore.Catalog
	registry   *schema.Registry
	objStore   client.ObjectClient
	cache      *cache.PartitionCache
	membership *cluster.Membership
	ingester   *ingester.Ingester
	syslog     *syslog.Server
	index      *index.Index
	querier    *querier.Querier
	compactor  *compactor.Compactor
	server     *http.Server

	// stop order is the reverse of this list: server first (stop accepting),
	// ingester flushes before membership releases the shard lease.
	order []services.Service
}

// New wires a node for the configured target.
func New(cfg Config, logger log.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	var err error
	app.store, err = metastore.New(cfg.Metastore, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata store")
	}
	if err := app.checkCatalogVersion(); err != nil {
		app.store.Close()
		return nil, err
	}
	app.catalog = metastore.NewCatalog(app.store)
	app.registry = schema.NewRegistry(app.store)

	app.objStore, err = client.New(cfg.ObjectStore)
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}
	app.cache, err = cache.New(cfg.Cache, app.objStore)
	if err != nil {
		return nil, errors.Wrap(err, "create partition cache")
	}

	app.membership = cluster.New(cfg.Cluster, cfg.Roles(), app.store, logger)
	app.order = append(app.order, app.membership)

	if cfg.hasRole(cluster.RoleIngester) {
		app.ingester, err = ingester.New(cfg.Ingester, app.membership.NodeID(), app.registry, app.catalog, app.objStore, app.cache, app.membership, logger)
		if err != nil {
			return nil, errors.Wrap(err, "create ingester")
		}
		app.order = append(app.order, app.ingester)

		if cfg.Syslog.Enabled {
			app.syslog, err = syslog.New(cfg.Syslog, app.ingester, logger)
			if err != nil {
				return nil, errors.Wrap(err, "create syslog server")
			}
			// After the ingester in start order, so the listeners stop (and
			// drain) before the ingester's final flush on shutdown.
			app.order = append(app.order, app.syslog)
		}
	}

	if cfg.hasRole(cluster.RoleQuerier) {
		app.index = index.New(app.store, logger)
		app.order = append(app.order, app.index)
		app.querier = querier.New(cfg.Querier, app.catalog, app.registry, app.index, app.cache, app.membership, app.ingester,
			querier.NewHTTPRemoteClient(cfg.Remote), logger)
	}

	if cfg.hasRole(cluster.RoleCompactor) {
		app.compactor = compactor.New(cfg.Compactor, app.membership.NodeID(), app.catalog, app.registry, app.objStore, app.cache, logger)
		app.order = append(app.order, app.compactor)
	}

	router := mux.NewRouter()
	authProvider := api.NewBasicAuthProvider(cfg.Auth)
	api.New(authProvider, app.ingester, app.querier, app.catalog, app.registry, app.membership, logger).Register(router)
	app.server = &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}

	return app, nil
}

func (app *App) checkCatalogVersion() error {
	ctx := context.Background()
	entry, err := app.store.Get(ctx, catalogVersionKey)
	if errors.Is(err, metastore.ErrNotFound) {
		// Fresh catalog: stamp it.
		_, err := app.store.Put(ctx, catalogVersionKey, metastore.VersionMustCreate, []byte(strconv.Itoa(catalogVersion)))
		if errors.Is(err, metastore.ErrVersionMismatch) {
			return app.checkCatalogVersion()
		}
		return err
	}
	if err != nil {
		return err
	}
	if string(entry.Value) != strconv.Itoa(catalogVersion) {
		return ErrMigrationRequired
	}
	return nil
}

// Migrate upgrades the catalog schema marker.
func Migrate(cfg Config, logger log.Logger) error {
	store, err := metastore.New(cfg.Metastore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	entry, err := store.Get(ctx, catalogVersionKey)
	expected := int64(metastore.VersionMustCreate)
	if err == nil {
		expected = entry.Version
	} else if !errors.Is(err, metastore.ErrNotFound) {
		return err
	}
	_, err = store.Put(ctx, catalogVersionKey, expected, []byte(strconv.Itoa(catalogVersion)))
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "catalog migrated", "version", catalogVersion)
	return nil
}

// Run starts every service in order and blocks until a signal or a fatal
// service failure, then shuts down in reverse order.
func (app *App) Run() error {
	ctx := context.Background()

	for _, svc := range app.order {
		if err := services.StartAndAwaitRunning(ctx, svc); err != nil {
			return errors.Wrap(err, "start service")
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		level.Info(app.logger).Log("msg", "http server listening", "addr", app.cfg.HTTPListenAddr)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		level.Info(app.logger).Log("msg", "received signal, shutting down", "signal", sig)
	case runErr = <-serverErr:
		level.Error(app.logger).Log("msg", "http server failed", "err", runErr)
	case <-app.anyServiceFailed():
		runErr = errors.New("a service entered the failed state")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, app.cfg.Ingester.FlushOpTimeout)
	defer cancel()
	_ = app.server.Shutdown(shutdownCtx)

	for i := len(app.order) - 1; i >= 0; i-- {
		if err := services.StopAndAwaitTerminated(shutdownCtx, app.order[i]); err != nil {
			level.Warn(app.logger).Log("msg", "service shutdown error", "err", err)
		}
	}
	if err := app.store.Close(); err != nil {
		level.Warn(app.logger).Log("msg", "metadata store close error", "err", err)
	}
	app.objStore.Stop()
	return runErr
}

// anyServiceFailed yields when a service fails while running.
func (app *App) anyServiceFailed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	for _, svc := range app.order {
		svc := svc
		go func() {
			_ = svc.AwaitTerminated(context.Background())
			if svc.FailureCase() != nil {
				level.Error(app.logger).Log("msg", "service failed", "err", svc.FailureCase())
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}()
	}
	return ch
}
