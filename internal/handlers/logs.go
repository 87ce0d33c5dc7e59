package handlers

import (
	"net/http"
	"strconv"
)

func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content := ""
	if a.Logs != nil {
		var err error
		if content, err = a.Logs.ReadTail(lines); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (a *API) ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if a.Logs != nil {
		if err := a.Logs.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
