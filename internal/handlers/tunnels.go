package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (a *API) ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Tunnels.List())
}

func (a *API) StartTunnel(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	if d, ok := a.Tunnels.Get(resource); ok {
		writeJSON(w, http.StatusOK, d)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.OpTimeout)
	defer cancel()
	d, err := a.Tunnels.Start(ctx, resource)
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) StopTunnel(w http.ResponseWriter, r *http.Request) {
	if !a.Tunnels.Stop(chi.URLParam(r, "resource")) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) TunnelHistory(w http.ResponseWriter, r *http.Request) {
	if a.Journal == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := a.Journal.TunnelHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read tunnel history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
