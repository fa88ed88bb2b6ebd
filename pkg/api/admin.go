package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/metastore"
)

func (a *API) listStreamsHandler(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	streams, err := a.catalog.ListStreams(r.Context(), org)
	if err != nil {
		a.writeError(w, apierror.StorageUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"list": streams})
}

func (a *API) deleteStreamHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.catalog.DeleteStream(r.Context(), vars["org"], vars["stream"]); err != nil {
		a.writeError(w, apierror.StorageUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": http.StatusOK, "message": "stream deleted"})
}

func (a *API) schemaHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	org, stream := vars["org"], vars["stream"]

	spec, _, err := a.catalog.GetStream(r.Context(), org, stream)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			a.writeError(w, apierror.New(apierror.KindNotFound, "stream_not_found", "stream %s/%s does not exist", org, stream))
			return
		}
		a.writeError(w, apierror.StorageUnavailable(err))
		return
	}

	handle, err := a.registry.GetOrInit(r.Context(), org, stream, spec.Kind)
	if err != nil {
		a.writeError(w, apierror.StorageUnavailable(err))
		return
	}
	if err := a.registry.Refresh(r.Context(), handle); err != nil {
		a.writeError(w, apierror.StorageUnavailable(err))
		return
	}
	sch := handle.Current()

	type fieldJSON struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	fields := make([]fieldJSON, 0, len(sch.Fields))
	for _, f := range sch.Fields {
		fields = append(fields, fieldJSON{Name: f.Name, Type: f.Type.Kind.String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":         stream,
		"kind":           spec.Kind,
		"schema_version": sch.Version,
		"fields":         fields,
		"stats":          spec.Stats,
	})
}
