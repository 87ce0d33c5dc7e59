package docker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/gluk-w/appmirror/internal/remote"
)

func inspectFor(t *testing.T, s workloadSpec, bound map[string]remote.Resource, running bool) container.InspectResponse {
	t.Helper()
	cfg, host, _ := s.containerConfig(bound, "appmirror")
	// The engine merges image defaults into Config.Env.
	cfg.Env = append(cfg.Env, "PATH=/usr/bin")
	state := &container.State{Status: "exited"}
	if running {
		state.Status = "running"
		state.Running = true
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         "abc",
			Name:       "/" + s.Name,
			State:      state,
			HostConfig: host,
		},
		Config: cfg,
	}
}

func TestSpecRoundTrip(t *testing.T) {
	desc := remote.Descriptor{
		Name:      "web",
		Image:     "nginx:1",
		Instances: 1,
		MemoryMB:  256,
		Env:       map[string]string{"MODE": "prod", "B": "x=y"},
		Resources: []string{"db"},
		Routes:    []string{"web.example.com", "www.example.com"},
		Ports:     []int{8080},
	}
	db := remote.Resource{Name: "db", Credentials: map[string]string{"hostname": "appmirror-res-db", "password": "pw"}}
	info := inspectFor(t, specFromDescriptor(desc), map[string]remote.Resource{"db": db}, true)

	w := decodeWorkload(info)
	if w.Name != "web" || w.State != remote.StateStarted || w.RunningInstances != 1 {
		t.Errorf("workload = %+v", w)
	}
	if w.MemoryMB != 256 {
		t.Errorf("memory = %d, want 256", w.MemoryMB)
	}
	if len(w.Env) != 2 || w.Env["MODE"] != "prod" || w.Env["B"] != "x=y" {
		t.Errorf("env = %v, want only the declared variables", w.Env)
	}
	if !slices.Equal(w.Resources, []string{"db"}) || len(w.Routes) != 2 {
		t.Errorf("resources/routes = %v %v", w.Resources, w.Routes)
	}

	s := specFromInspect(info)
	if !slices.Equal(s.Ports, []int{8080}) || s.Image != "nginx:1" {
		t.Errorf("spec = %+v", s)
	}
}

func TestContainerConfig(t *testing.T) {
	s := workloadSpec{Name: "web", Image: "img", MemoryMB: 64, Env: map[string]string{"A": "1"}, Ports: []int{8443}}
	db := remote.Resource{Name: "mysqlTestService", Credentials: map[string]string{"hostname": "h", "port": "3306"}}
	cfg, host, net := s.containerConfig(map[string]remote.Resource{db.Name: db}, "appmirror")

	want := []string{"A=1", "MYSQL_TEST_SERVICE_HOSTNAME=h", "MYSQL_TEST_SERVICE_PORT=3306"}
	if !slices.Equal(cfg.Env, want) {
		t.Errorf("env = %v, want %v", cfg.Env, want)
	}
	port := nat.Port("8443/tcp")
	if _, ok := cfg.ExposedPorts[port]; !ok {
		t.Errorf("port not exposed: %v", cfg.ExposedPorts)
	}
	if b := host.PortBindings[port]; len(b) != 1 || b[0].HostIP != "127.0.0.1" || b[0].HostPort != "" {
		t.Errorf("port binding = %v", b)
	}
	if host.Memory != 64*units.MiB {
		t.Errorf("memory = %d", host.Memory)
	}
	if _, ok := net.EndpointsConfig["appmirror"]; !ok {
		t.Error("container not attached to network")
	}
	if cfg.Labels[labelRole] != roleWorkload || cfg.Labels[labelManagedBy] != managedBy {
		t.Errorf("labels = %v", cfg.Labels)
	}
}

func TestStateOf(t *testing.T) {
	tests := map[string]remote.State{
		"running":    remote.StateStarted,
		"created":    remote.StateStopped,
		"restarting": remote.StateStarting,
		"removing":   remote.StateStopping,
		"exited":     remote.StateStopped,
		"dead":       remote.StateStopped,
		"paused":     remote.StateStopped,
		"bogus":      remote.StateUnknown,
	}
	for status, want := range tests {
		if got := stateOf(status); got != want {
			t.Errorf("stateOf(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestStoppedWorkloadHasNoRunningInstances(t *testing.T) {
	info := inspectFor(t, workloadSpec{Name: "w", Instances: 3}, nil, false)
	w := decodeWorkload(info)
	if w.State != remote.StateStopped || w.RunningInstances != 0 || w.Instances != 3 {
		t.Errorf("workload = %+v", w)
	}
}

func TestResourceCredentials(t *testing.T) {
	e, ok := engineFor("RabbitMQ-3")
	if !ok {
		t.Fatal("rabbitmq engine missing")
	}
	creds := resourceCredentials(remote.ResourceDescriptor{Name: "queue", Kind: "RabbitMQ-3", Credentials: map[string]string{"username": "me"}}, e)
	if creds["username"] != "me" {
		t.Errorf("caller credential overwritten: %v", creds)
	}
	if creds["hostname"] != "appmirror-res-queue" || creds["port"] != "5672" || creds["vhost"] != "queue" {
		t.Errorf("credentials = %v", creds)
	}
	if len(creds["password"]) != 32 {
		t.Errorf("generated password %q", creds["password"])
	}

	cfg, _, net := resourceConfig(remote.ResourceDescriptor{Name: "queue", Kind: "rabbitmq"}, e, creds, "appmirror")
	r := decodeResource(cfg.Labels)
	if r.Name != "queue" || r.Credentials["password"] != creds["password"] {
		t.Errorf("decoded resource = %+v", r)
	}
	if !slices.Contains(cfg.Env, "RABBITMQ_DEFAULT_VHOST=queue") {
		t.Errorf("env = %v", cfg.Env)
	}
	if aliases := net.EndpointsConfig["appmirror"].Aliases; !slices.Equal(aliases, []string{"appmirror-res-queue"}) {
		t.Errorf("aliases = %v", aliases)
	}
}

func TestEngineFor(t *testing.T) {
	tests := []struct {
		kind  string
		image string
		ok    bool
	}{
		{"mysql", "mysql:8.0", true},
		{"MySQL-5.7", "mysql:8.0", true},
		{"postgres", "postgres:16", true},
		{"postgresql", "postgres:16", true},
		{"redis:7", "redis:7", true},
		{"cleardb", "", false},
	}
	for _, tt := range tests {
		e, ok := engineFor(tt.kind)
		if ok != tt.ok || e.image != tt.image {
			t.Errorf("engineFor(%q) = %q, %v; want %q, %v", tt.kind, e.image, ok, tt.image, tt.ok)
		}
	}
	redis, _ := engineFor("redis")
	if cmd := redis.cmd(map[string]string{"password": "pw"}); !slices.Equal(cmd, []string{"redis-server", "--requirepass", "pw"}) {
		t.Errorf("redis cmd = %v", cmd)
	}
}

func TestPublishedPort(t *testing.T) {
	info := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{"8443/tcp": {{HostIP: "127.0.0.1", HostPort: "49153"}}},
			},
		},
	}
	if got, err := publishedPort(info, 8443); err != nil || got != "49153" {
		t.Errorf("publishedPort = %q, %v", got, err)
	}
	if _, err := publishedPort(info, 22); err == nil {
		t.Error("unpublished port should fail")
	}
	if _, err := publishedPort(container.InspectResponse{}, 8443); err == nil {
		t.Error("missing network settings should fail")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want remote.Kind
	}{
		{fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound), remote.KindNotFound},
		{cerrdefs.ErrConflict, remote.KindConflict},
		{cerrdefs.ErrAlreadyExists, remote.KindConflict},
		{cerrdefs.ErrUnauthenticated, remote.KindAuthentication},
		{cerrdefs.ErrPermissionDenied, remote.KindAuthentication},
		{cerrdefs.ErrInvalidArgument, remote.KindValidation},
		{context.DeadlineExceeded, remote.KindTimeout},
		{errors.New("dial unix /var/run/docker.sock: connect: no such file"), remote.KindNetwork},
	}
	for _, tt := range tests {
		if got := remote.KindOf(classify("op", "x", tt.err)); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if err := classify("op", "x", context.Canceled); remote.KindOf(err) != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("canceled = %v", err)
	}
}
