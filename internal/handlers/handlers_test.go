package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/appmirror/internal/auth"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/metrics"
	"github.com/gluk-w/appmirror/internal/operation"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/remote/memory"
	"github.com/gluk-w/appmirror/internal/retry"
	"github.com/gluk-w/appmirror/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type testServer struct {
	ctrl  *memory.Controller
	cache *proxycache.Cache
	coord *refresh.Coordinator
	bus   *events.Bus
	srv   *httptest.Server
}

func newTestServer(t *testing.T, tokenHash string) *testServer {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ts := &testServer{ctrl: memory.New(), cache: proxycache.New(), bus: events.NewBus(zerolog.Nop())}
	wait := retry.Policy{Attempts: 50, Interval: time.Millisecond}
	ts.coord = refresh.New(ts.ctrl, ts.cache, ts.bus, zerolog.Nop(), refresh.Options{Wait: wait, Metrics: m})
	exec := operation.NewExecutor(ts.ctrl, ts.cache, ts.coord, ts.bus, zerolog.Nop(), operation.Options{Wait: wait, Metrics: m})
	mgr := tunnel.New(ts.cache, exec, zerolog.Nop(), tunnel.Options{
		Hosting: remote.Descriptor{Name: "tunnel-host", Image: "agent"},
		Journal: db,
		Metrics: m,
	})
	mgr.Watch(ts.bus)

	api := &API{
		Cache:     ts.cache,
		Coord:     ts.coord,
		Exec:      exec,
		Tunnels:   mgr,
		Bus:       ts.bus,
		Backend:   ts.ctrl.BackendName(),
		DB:        db,
		Journal:   db,
		Gatherer:  reg,
		Log:       zerolog.Nop(),
		OpTimeout: 5 * time.Second,
	}
	verifier := auth.NewTokenVerifier(func() (string, error) { return tokenHash, nil })
	ts.srv = httptest.NewServer(api.Routes(verifier))
	t.Cleanup(func() {
		ts.srv.Close()
		mgr.Close()
		exec.Close()
		ts.coord.Close()
		db.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]interface{}](t, data)
	if body["status"] != "healthy" || body["backend"] != "memory" || body["database"] != "connected" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestWorkloadLifecycle(t *testing.T) {
	ts := newTestServer(t, "")

	desc := remote.Descriptor{Name: "web", Image: "nginx", Instances: 2, MemoryMB: 128, Started: true}
	resp, data := ts.do(t, http.MethodPost, "/api/v1/workloads", desc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deploy: expected 201, got %d: %s", resp.StatusCode, data)
	}
	p := decode[proxycache.Proxy](t, data)
	if p.State != remote.StateStarted || p.Observed == nil || p.Observed.RunningInstances != 2 {
		t.Errorf("deployed proxy = %+v", p)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/workloads", nil)
	if resp.StatusCode != http.StatusOK || len(decode[[]proxycache.Proxy](t, data)) != 1 {
		t.Fatalf("list: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, http.MethodPost, "/api/v1/workloads/web/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", resp.StatusCode, data)
	}
	if p := decode[proxycache.Proxy](t, data); p.State != remote.StateStopped {
		t.Errorf("state after stop = %s", p.State)
	}

	four := 4
	resp, data = ts.do(t, http.MethodPatch, "/api/v1/workloads/web", updateRequest{Instances: &four})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", resp.StatusCode, data)
	}
	if p := decode[proxycache.Proxy](t, data); p.Observed == nil || p.Observed.Instances != 4 {
		t.Errorf("instances after update = %+v", p.Observed)
	}

	resp, data = ts.do(t, http.MethodPost, "/api/v1/workloads/web/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", resp.StatusCode, data)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/workloads/web", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("undeploy: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/workloads/web", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after undeploy: expected 404, got %d", resp.StatusCode)
	}
}

func TestWorkloadErrors(t *testing.T) {
	ts := newTestServer(t, "")
	if err := ts.ctrl.CreateWorkload(context.Background(), remote.Descriptor{Name: "busy", Instances: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.cache.Tag("busy", proxycache.GuardReplacing); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"invalid name", http.MethodPost, "/api/v1/workloads", remote.Descriptor{Name: "-bad-"}, http.StatusBadRequest},
		{"negative memory", http.MethodPost, "/api/v1/workloads", remote.Descriptor{Name: "ok", MemoryMB: -1}, http.StatusBadRequest},
		{"start unknown", http.MethodPost, "/api/v1/workloads/ghost/start", nil, http.StatusNotFound},
		{"undeploy unknown", http.MethodDelete, "/api/v1/workloads/ghost", nil, http.StatusNotFound},
		{"start guarded", http.MethodPost, "/api/v1/workloads/busy/start", nil, http.StatusConflict},
		{"get unknown", http.MethodGet, "/api/v1/workloads/ghost", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := ts.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, resp.StatusCode, data)
			}
		})
	}
}

func TestDeployInvalidBody(t *testing.T) {
	ts := newTestServer(t, "")
	resp, err := http.Post(ts.srv.URL+"/api/v1/workloads", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAsyncOperation(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, http.MethodPost, "/api/v1/workloads?async=true",
		remote.Descriptor{Name: "bg", Image: "img", Instances: 1})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, data)
	}
	body := decode[map[string]string](t, data)
	if body["id"] == "" || body["operation"] != "deploy" || body["workload"] != "bg" {
		t.Errorf("unexpected body: %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := retry.Poll(ctx, retry.Policy{Attempts: 100, Interval: 10 * time.Millisecond}, "deployed", func(context.Context) (bool, error) {
		p, ok := ts.cache.Get("bg")
		return ok && p.Observed != nil, nil
	})
	if err != nil {
		t.Fatalf("async deploy never mirrored: %v", err)
	}
}

func TestRefreshAndResources(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	if err := ts.ctrl.CreateWorkload(ctx, remote.Descriptor{Name: "api", Instances: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.ctrl.CreateResource(ctx, remote.ResourceDescriptor{Name: "db", Kind: "mysql"}); err != nil {
		t.Fatal(err)
	}

	resp, data := ts.do(t, http.MethodPost, "/api/v1/refresh", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", resp.StatusCode, data)
	}
	if body := decode[map[string]interface{}](t, data); body["scope"] != "all" {
		t.Errorf("scope = %v", body["scope"])
	}
	if _, ok := ts.cache.Get("api"); !ok {
		t.Error("refresh did not mirror workload")
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/resources", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resources: %d", resp.StatusCode)
	}
	rs := decode[[]map[string]interface{}](t, data)
	if len(rs) != 1 || rs[0]["name"] != "db" {
		t.Errorf("resources = %v", rs)
	}
	if _, leaked := rs[0]["credentials"]; leaked {
		t.Error("resource credentials must not be served")
	}

	resp, data = ts.do(t, http.MethodPost, "/api/v1/refresh?workload=api", nil)
	if resp.StatusCode != http.StatusOK || decode[map[string]interface{}](t, data)["scope"] != "workload:api" {
		t.Errorf("scoped refresh: %d %s", resp.StatusCode, data)
	}
}

func TestTunnelEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	if err := ts.ctrl.CreateResource(context.Background(), remote.ResourceDescriptor{
		Name: "db", Kind: "mysql",
		Credentials: map[string]string{remote.CredUsername: "u", remote.CredPassword: "p"},
	}); err != nil {
		t.Fatal(err)
	}

	resp, data := ts.do(t, http.MethodPost, "/api/v1/tunnels/db", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start tunnel: expected 201, got %d: %s", resp.StatusCode, data)
	}
	d := decode[tunnel.Descriptor](t, data)
	if d.Resource != "db" || d.LocalPort == 0 || d.HostingWorkload != "tunnel-host" {
		t.Errorf("descriptor = %+v", d)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/tunnels/db", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second start: expected 200, got %d", resp.StatusCode)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/tunnels", nil)
	if list := decode[[]tunnel.Descriptor](t, data); resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Errorf("list tunnels: %d %s", resp.StatusCode, data)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/tunnels/db", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop: expected 204, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/tunnels/db", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second stop: expected 404, got %d", resp.StatusCode)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/tunnels/history", nil)
	records := decode[[]database.TunnelRecord](t, data)
	if resp.StatusCode != http.StatusOK || len(records) != 1 || records[0].ClosedAt == nil {
		t.Errorf("history: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, http.MethodPost, "/api/v1/tunnels/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown resource: expected 404, got %d: %s", resp.StatusCode, data)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/v1/events?recent=20"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := ts.ctrl.CreateWorkload(ctx, remote.Descriptor{Name: "streamed", Instances: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.coord.Refresh(ctx, refresh.AllWorkloads()); err != nil {
		t.Fatal(err)
	}

	for {
		var ev events.ChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == events.AppListChanged {
			if len(ev.Added) != 1 || ev.Added[0] != "streamed" {
				t.Errorf("added = %v", ev.Added)
			}
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestServerLogsWithoutFile(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, http.MethodGet, "/api/v1/logs?lines=10", nil)
	if resp.StatusCode != http.StatusOK || decode[map[string]string](t, data)["logs"] != "" {
		t.Errorf("logs: %d %s", resp.StatusCode, data)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/logs", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear: expected 204, got %d", resp.StatusCode)
	}
}

func TestTokenRequired(t *testing.T) {
	hash, err := auth.HashToken("admin-token")
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, hash)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/workloads", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay open, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/v1/workloads", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Errorf("with token: expected 200, got %d", r2.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "appmirror_open_tunnels") {
		t.Error("metrics output lacks appmirror_open_tunnels")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{remote.NewError(remote.KindNotFound, "get", "x", nil), http.StatusNotFound},
		{remote.NewError(remote.KindValidation, "create", "x", nil), http.StatusBadRequest},
		{remote.NewError(remote.KindConflict, "tag", "x", nil), http.StatusConflict},
		{remote.NewError(remote.KindAuthentication, "list", "", nil), http.StatusBadGateway},
		{remote.NewError(remote.KindNetwork, "list", "", nil), http.StatusBadGateway},
		{remote.NewError(remote.KindTimeout, "list", "", nil), http.StatusGatewayTimeout},
		{fmt.Errorf("start hosting workload: %w", remote.NewError(remote.KindNotFound, "bind", "db", nil)), http.StatusNotFound},
		{fmt.Errorf("operation canceled: %w", context.Canceled), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
