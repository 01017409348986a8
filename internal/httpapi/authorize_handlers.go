package httpapi

import (
	"net/http"

	"factoryauth.org/internal/access"
)

type batchResponse struct {
	access.BatchResult
	Presentation map[string]access.Presentation `json:"presentation"`
}

// handleAuthorize answers one question. The body is access.Request; the
// response carries the decision whether or not it allows.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req access.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Engine.Authorize(r.Context(), principal(r).User, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAuthorizeBatch(w http.ResponseWriter, r *http.Request) {
	var req access.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Engine.AuthorizeBatch(r.Context(), principal(r).User, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{BatchResult: res, Presentation: res.Presentations()})
}
