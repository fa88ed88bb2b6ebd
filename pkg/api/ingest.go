package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/normalizer"
)

const forwardedHeader = "X-Openobserve-Forwarded"

// ingestResponse is the common ingestion reply: 200 with a per-record
// failure list on partial success.
type ingestResponse struct {
	Code       int      `json:"code"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

func (a *API) jsonIngestHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a.ingest(w, r, normalizer.FormatJSON, vars["org"], vars["stream"])
}

func (a *API) bulkIngestHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a.ingest(w, r, normalizer.FormatESBulk, vars["org"], vars["stream"])
}

func (a *API) otlpHandler(signal string) http.HandlerFunc {
	format := map[string]normalizer.SourceFormat{
		"logs":    normalizer.FormatOTLPLogs,
		"metrics": normalizer.FormatOTLPMetrics,
		"traces":  normalizer.FormatOTLPTraces,
	}[signal]
	return func(w http.ResponseWriter, r *http.Request) {
		org := mux.Vars(r)["org"]
		a.ingest(w, r, format, org, r.URL.Query().Get("stream"))
	}
}

func (a *API) lokiPushHandler(w http.ResponseWriter, r *http.Request) {
	org := principalFrom(r.Context()).Org
	if org == "" {
		org = "default"
	}
	a.ingest(w, r, normalizer.FormatLokiPush, org, r.URL.Query().Get("stream"))
}

// ingest is the shared ingestion path: route to the shard owner, read the
// body, normalize per source format, push each batch.
func (a *API) ingest(w http.ResponseWriter, r *http.Request, format normalizer.SourceFormat, org, defaultStream string) {
	// Ownership is checked on the request's stream before the body is
	// consumed, so forwarding proxies the request intact. Batches that
	// normalize to other streams are rejected per batch below.
	if defaultStream != "" && a.maybeForward(w, r, org, defaultStream) {
		return
	}

	body, err := readBody(r)
	if err != nil {
		a.writeError(w, apierror.BadRequest("invalid_body", "read request body: %s", err))
		return
	}

	opts := normalizer.Options{
		DefaultStream: defaultStream,
		FlattenArrays: a.flattenArraysFor(r, org, defaultStream),
		ContentType:   r.Header.Get("Content-Type"),
	}
	result, err := normalizer.Normalize(format, org, body, opts)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := ingestResponse{Code: http.StatusOK, Failed: result.Dropped}
	for _, nerr := range result.Errors {
		resp.Errors = append(resp.Errors, nerr.Error())
	}
	for _, batch := range result.Batches {
		if err := a.ingester.Push(r.Context(), batch); err != nil {
			apiErr := apierror.AsError(err)
			switch apiErr.Kind {
			case apierror.KindOverloaded, apierror.KindStorageUnavailable:
				// No partial-ack for backpressure: the client retries the
				// whole request.
				a.writeError(w, err)
				return
			default:
				resp.Failed += len(batch.Records)
				resp.Errors = append(resp.Errors, apiErr.Error())
				continue
			}
		}
		resp.Successful += len(batch.Records)
	}
	writeJSON(w, http.StatusOK, resp)
}

// maybeForward proxies the request to the stream's ingestion owner when this
// node does not hold the shard. Returns true when the response was already
// written.
func (a *API) maybeForward(w http.ResponseWriter, r *http.Request, org, stream string) bool {
	if a.cluster == nil || r.Header.Get(forwardedHeader) != "" {
		return false
	}
	owner, ok := a.cluster.IngesterFor(org, stream)
	if !ok || a.cluster.IsSelf(owner) || owner.Addr == "" {
		return false
	}
	target := &url.URL{Scheme: "http", Host: owner.Addr}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set(forwardedHeader, "1")
	}
	proxy.ServeHTTP(w, r)
	return true
}

// flattenArraysFor reads the stream's flatten policy; unknown streams take
// the default (true).
func (a *API) flattenArraysFor(r *http.Request, org, stream string) bool {
	if stream == "" {
		return true
	}
	spec, _, err := a.catalog.GetStream(r.Context(), org, stream)
	if err != nil {
		return true
	}
	return spec.FlattenArrays
}

func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, 256<<20))
}
