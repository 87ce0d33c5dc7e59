package handlers

import "net/http"

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "none"
	if a.DB != nil {
		dbStatus = "disconnected"
		if err := a.DB.Ping(); err == nil {
			dbStatus = "connected"
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":    status,
		"backend":   a.Backend,
		"database":  dbStatus,
		"workloads": a.Cache.Len(),
	}
	if a.Tunnels != nil {
		resp["tunnels"] = len(a.Tunnels.List())
	}
	if a.Coord != nil {
		resp["refreshing"] = a.Coord.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}
