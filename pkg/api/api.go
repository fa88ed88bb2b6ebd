// Package api binds the ingestion, query and admin HTTP surfaces.
package api

import (
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/cluster"
	"github.com/jplandry908/openobserve/pkg/ingester"
	"github.com/jplandry908/openobserve/pkg/metastore"
	"github.com/jplandry908/openobserve/pkg/querier"
	"github.com/jplandry908/openobserve/pkg/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// API wires the HTTP handlers to the node's components. Ingester and querier
// are nil when the node does not hold those roles.
type API struct {
	logger   log.Logger
	auth     AuthProvider
	ingester *ingester.Ingester
	querier  *querier.Querier
	catalog  *metastore.Catalog
	registry *schema.Registry
	cluster  *cluster.Membership
	forward  *http.Client
}

func New(auth AuthProvider, ing *ingester.Ingester, q *querier.Querier, catalog *metastore.Catalog, registry *schema.Registry, membership *cluster.Membership, logger log.Logger) *API {
	return &API{
		logger:   logger,
		auth:     auth,
		ingester: ing,
		querier:  q,
		catalog:  catalog,
		registry: registry,
		cluster:  membership,
		forward:  &http.Client{},
	}
}

// Register installs all routes.
func (a *API) Register(router *mux.Router) {
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", a.readyHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", a.readyHandler).Methods(http.MethodGet)

	if a.querier != nil {
		router.HandleFunc(querier.ScanPath, a.scanHandler).Methods(http.MethodPost)
	}

	authed := router.NewRoute().Subrouter()
	authed.Use(a.authMiddleware)

	if a.ingester != nil {
		authed.HandleFunc("/api/{org}/{stream}/_json", a.jsonIngestHandler).Methods(http.MethodPost)
		authed.HandleFunc("/api/{org}/{stream}/_bulk", a.bulkIngestHandler).Methods(http.MethodPost)
		authed.HandleFunc("/api/{org}/v1/logs", a.otlpHandler("logs")).Methods(http.MethodPost)
		authed.HandleFunc("/api/{org}/v1/metrics", a.otlpHandler("metrics")).Methods(http.MethodPost)
		authed.HandleFunc("/api/{org}/v1/traces", a.otlpHandler("traces")).Methods(http.MethodPost)
		authed.HandleFunc("/loki/api/v1/push", a.lokiPushHandler).Methods(http.MethodPost)
	}

	if a.querier != nil {
		authed.HandleFunc("/api/{org}/{stream}/_search", a.searchHandler).Methods(http.MethodGet)
		authed.HandleFunc("/api/{org}/_search_stream", a.searchStreamHandler).Methods(http.MethodPost)
	}

	authed.HandleFunc("/api/{org}/streams", a.listStreamsHandler).Methods(http.MethodGet)
	authed.HandleFunc("/api/{org}/streams/{stream}", a.deleteStreamHandler).Methods(http.MethodDelete)
	authed.HandleFunc("/api/{org}/{stream}/schema", a.schemaHandler).Methods(http.MethodGet)
}

func (a *API) readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// writeError renders the taxonomy to the client; unknown errors become 500s
// without leaking internals.
func (a *API) writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.AsError(err)
	msg := apiErr.Msg
	if apiErr.Kind == apierror.KindInternal {
		level.Error(a.logger).Log("msg", "request failed", "err", err)
		msg = "internal error"
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", formatSeconds(apiErr.RetryAfter))
	}
	writeJSON(w, apiErr.HTTPStatus(), map[string]interface{}{
		"code":    apiErr.HTTPStatus(),
		"error":   apiErr.Code,
		"message": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
