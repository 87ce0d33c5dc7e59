// Package handlers serves the local HTTP API of the appmirror daemon.
package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/appmirror/internal/auth"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/logging"
	"github.com/gluk-w/appmirror/internal/middleware"
	"github.com/gluk-w/appmirror/internal/operation"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/tunnel"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger reports database health. database.Store implements it.
type Pinger interface {
	Ping() error
}

// TunnelJournal lists past tunnels. database.Store implements it.
type TunnelJournal interface {
	TunnelHistory(limit int) ([]database.TunnelRecord, error)
}

// API holds everything the handlers read or drive. Logs, DB, Journal and
// Gatherer are optional.
type API struct {
	Cache    *proxycache.Cache
	Coord    *refresh.Coordinator
	Exec     *operation.Executor
	Tunnels  *tunnel.Manager
	Bus      *events.Bus
	Backend  string
	Logs     *logging.Logger
	DB       Pinger
	Journal  TunnelJournal
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger

	// OpTimeout bounds a synchronous operation request.
	OpTimeout time.Duration
}

// Routes builds the router. Everything under /api/v1 requires the API token
// once one is configured.
func (a *API) Routes(verifier *auth.TokenVerifier) http.Handler {
	if a.OpTimeout <= 0 {
		a.OpTimeout = 5 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(a.Log))
	r.Use(chimw.Recoverer)

	r.Get("/health", a.Health)
	if a.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(verifier))

		r.Get("/workloads", a.ListWorkloads)
		r.Post("/workloads", a.DeployWorkload)
		r.Get("/workloads/{name}", a.GetWorkload)
		r.Delete("/workloads/{name}", a.UndeployWorkload)
		r.Post("/workloads/{name}/start", a.StartWorkload)
		r.Post("/workloads/{name}/stop", a.StopWorkload)
		r.Patch("/workloads/{name}", a.UpdateWorkload)

		r.Post("/refresh", a.Refresh)
		r.Get("/resources", a.ListResources)

		r.Get("/tunnels", a.ListTunnels)
		r.Get("/tunnels/history", a.TunnelHistory)
		r.Post("/tunnels/{resource}", a.StartTunnel)
		r.Delete("/tunnels/{resource}", a.StopTunnel)

		r.Get("/events", a.StreamEvents)

		r.Get("/logs", a.GetServerLogs)
		r.Delete("/logs", a.ClearServerLogs)
	})
	return r
}
