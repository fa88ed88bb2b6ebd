package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/querier"
)

func (a *API) searchHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	params := r.URL.Query()

	req := &querier.QueryRequest{
		Org:    vars["org"],
		Stream: vars["stream"],
		SQL:    params.Get("sql"),
	}
	if req.SQL == "" {
		a.writeError(w, apierror.BadRequest("missing_sql", "the sql query parameter is required"))
		return
	}
	var err error
	if req.StartTime, err = parseInt64Param(params.Get("start_time")); err != nil {
		a.writeError(w, apierror.BadRequest("invalid_start_time", "parse start_time: %s", err))
		return
	}
	if req.EndTime, err = parseInt64Param(params.Get("end_time")); err != nil {
		a.writeError(w, apierror.BadRequest("invalid_end_time", "parse end_time: %s", err))
		return
	}
	if size := params.Get("size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n < 0 {
			a.writeError(w, apierror.BadRequest("invalid_size", "parse size: %q", size))
			return
		}
		req.Size = n
	}

	resp, err := a.querier.Query(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchStreamHandler runs a query and streams hits back as chunked
// newline-delimited JSON, with a final summary line.
func (a *API) searchStreamHandler(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	var body struct {
		SQL       string `json:"sql"`
		Stream    string `json:"stream"`
		StartTime int64  `json:"start_time"`
		EndTime   int64  `json:"end_time"`
		Size      int    `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, apierror.BadRequest("invalid_body", "decode request: %s", err))
		return
	}

	resp, err := a.querier.Query(r.Context(), &querier.QueryRequest{
		Org:       org,
		Stream:    body.Stream,
		SQL:       body.SQL,
		StartTime: body.StartTime,
		EndTime:   body.EndTime,
		Size:      body.Size,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i, hit := range resp.Hits {
		if err := enc.Encode(hit); err != nil {
			return
		}
		if flusher != nil && i%1000 == 999 {
			flusher.Flush()
		}
	}
	summary := *resp
	summary.Hits = nil
	_ = enc.Encode(map[string]interface{}{"summary": summary})
	if flusher != nil {
		flusher.Flush()
	}
}

// scanHandler executes a fragment dispatched by a peer coordinator.
func (a *API) scanHandler(w http.ResponseWriter, r *http.Request) {
	var req querier.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, apierror.BadRequest("invalid_body", "decode scan request: %s", err))
		return
	}
	partial, err := a.querier.ExecuteFragment(r.Context(), &req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partial)
}

func parseInt64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
