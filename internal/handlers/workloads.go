package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/appmirror/internal/operation"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/go-chi/chi/v5"
)

func (a *API) ListWorkloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Cache.List())
}

func (a *API) GetWorkload(w http.ResponseWriter, r *http.Request) {
	p, ok := a.Cache.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "Workload not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) DeployWorkload(w http.ResponseWriter, r *http.Request) {
	var desc remote.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := remote.ValidateDescriptor(desc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.runOp(w, r, operation.Deploy{Desc: desc}, http.StatusCreated)
}

func (a *API) StartWorkload(w http.ResponseWriter, r *http.Request) {
	a.runOp(w, r, operation.Start{Workload: chi.URLParam(r, "name")}, http.StatusOK)
}

func (a *API) StopWorkload(w http.ResponseWriter, r *http.Request) {
	a.runOp(w, r, operation.Stop{Workload: chi.URLParam(r, "name")}, http.StatusOK)
}

func (a *API) UndeployWorkload(w http.ResponseWriter, r *http.Request) {
	a.runOp(w, r, operation.Undeploy{Workload: chi.URLParam(r, "name")}, http.StatusNoContent)
}

type updateRequest struct {
	Instances *int              `json:"instances"`
	MemoryMB  *int              `json:"memory_mb"`
	Env       map[string]string `json:"env"`
	Routes    []string          `json:"routes"`
	Debug     *bool             `json:"debug"`
}

func (a *API) UpdateWorkload(w http.ResponseWriter, r *http.Request) {
	var body updateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	op := operation.Update{
		Workload: chi.URLParam(r, "name"),
		Fields: remote.Fields{
			Instances: body.Instances,
			MemoryMB:  body.MemoryMB,
			Env:       body.Env,
			Routes:    body.Routes,
			Debug:     body.Debug,
		},
	}
	a.runOp(w, r, op, http.StatusOK)
}

// runOp runs op with a follow-up refresh of its workload. With ?async=true it
// only submits and answers 202 with the operation id. On success it answers
// status with the refreshed proxy, or no body for 204.
func (a *API) runOp(w http.ResponseWriter, r *http.Request, op operation.Operation, status int) {
	scope := refresh.Workload(op.Target())
	if r.URL.Query().Get("async") == "true" {
		f := a.Exec.Submit(op, scope)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":        f.ID(),
			"operation": op.Name(),
			"workload":  op.Target(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.OpTimeout)
	defer cancel()
	if err := a.Exec.Run(ctx, op, scope); err != nil {
		writeRemoteError(w, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	p, ok := a.Cache.Get(op.Target())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, status, p)
}

func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	scope := refresh.AllWorkloads()
	if name := r.URL.Query().Get("workload"); name != "" {
		scope = refresh.Workload(name)
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.OpTimeout)
	defer cancel()
	if err := a.Coord.Refresh(ctx, scope); err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":     scope.String(),
		"workloads": a.Cache.Len(),
	})
}

func (a *API) ListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Cache.Resources())
}
