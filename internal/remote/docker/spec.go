package docker

import (
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/gluk-w/appmirror/internal/remote"
)

const (
	labelManagedBy = "managed-by"
	managedBy      = "appmirror"

	labelRole      = "appmirror.role"
	roleWorkload   = "workload"
	roleResource   = "resource"
	labelName      = "appmirror.name"
	labelInstances = "appmirror.instances"
	labelResources = "appmirror.resources"
	labelRoutes    = "appmirror.routes"
	labelPorts     = "appmirror.ports"
	labelEnvKeys   = "appmirror.env-keys"
	labelDebug     = "appmirror.debug"
	labelKind      = "appmirror.kind"
	labelPlan      = "appmirror.plan"
	labelCredPref  = "appmirror.cred."
)

// workloadSpec is everything needed to (re)create a workload container.
type workloadSpec struct {
	Name      string
	Image     string
	Instances int
	MemoryMB  int
	Env       map[string]string
	Resources []string
	Routes    []string
	Ports     []int
	Debug     bool
}

func specFromDescriptor(desc remote.Descriptor) workloadSpec {
	return workloadSpec{
		Name:      desc.Name,
		Image:     desc.Image,
		Instances: desc.Instances,
		MemoryMB:  desc.MemoryMB,
		Env:       maps.Clone(desc.Env),
		Resources: slices.Clone(desc.Resources),
		Routes:    slices.Clone(desc.Routes),
		Ports:     slices.Clone(desc.Ports),
	}
}

// specFromInspect recovers the workload descriptor from a container's labels and config.
// Image defaults merged into Config.Env are skipped via the env-keys label.
func specFromInspect(info container.InspectResponse) workloadSpec {
	labels := map[string]string{}
	var env []string
	s := workloadSpec{}
	if info.Config != nil {
		labels = info.Config.Labels
		env = info.Config.Env
		s.Image = info.Config.Image
	}
	s.Name = labels[labelName]
	if s.Name == "" && info.ContainerJSONBase != nil {
		s.Name = strings.TrimPrefix(info.Name, "/")
	}
	s.Instances, _ = strconv.Atoi(labels[labelInstances])
	s.Resources = splitList(labels[labelResources])
	s.Routes = splitList(labels[labelRoutes])
	s.Debug = labels[labelDebug] == "true"
	for _, p := range splitList(labels[labelPorts]) {
		if n, err := strconv.Atoi(p); err == nil {
			s.Ports = append(s.Ports, n)
		}
	}
	if info.ContainerJSONBase != nil && info.HostConfig != nil {
		s.MemoryMB = int(info.HostConfig.Memory / units.MiB)
	}

	keys := splitList(labels[labelEnvKeys])
	if len(keys) > 0 {
		all := parseEnv(env)
		s.Env = make(map[string]string, len(keys))
		for _, k := range keys {
			s.Env[k] = all[k]
		}
	}
	return s
}

func (s workloadSpec) labels() map[string]string {
	ports := make([]string, 0, len(s.Ports))
	for _, p := range s.Ports {
		ports = append(ports, strconv.Itoa(p))
	}
	keys := slices.Sorted(maps.Keys(s.Env))
	return map[string]string{
		labelManagedBy: managedBy,
		labelRole:      roleWorkload,
		labelName:      s.Name,
		labelInstances: strconv.Itoa(s.Instances),
		labelResources: joinList(s.Resources),
		labelRoutes:    strings.Join(s.Routes, ","),
		labelPorts:     strings.Join(ports, ","),
		labelEnvKeys:   strings.Join(keys, ","),
		labelDebug:     strconv.FormatBool(s.Debug),
	}
}

// containerConfig renders the descriptor. Credentials of every bound resource are
// injected under the resource's env prefix. Declared ports are published on
// loopback with a daemon-chosen host port.
func (s workloadSpec) containerConfig(bound map[string]remote.Resource, networkName string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	env := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	for _, r := range slices.Sorted(maps.Keys(bound)) {
		env = append(env, bindingEnv(bound[r])...)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range s.Ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}

	cfg := &container.Config{
		Image:        s.Image,
		Env:          env,
		Labels:       s.labels(),
		ExposedPorts: exposed,
	}
	host := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     container.Resources{Memory: int64(s.MemoryMB) * units.MiB},
	}
	net := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
	}
	return cfg, host, net
}

// bindingEnv exposes a resource's credentials as <PREFIX><KEY>=value.
func bindingEnv(r remote.Resource) []string {
	prefix := remote.EnvPrefix(r.Name)
	out := make([]string, 0, len(r.Credentials))
	for _, k := range slices.Sorted(maps.Keys(r.Credentials)) {
		out = append(out, prefix+strings.ToUpper(k)+"="+r.Credentials[k])
	}
	return out
}

// stateOf maps the engine's container status onto the workload lifecycle.
func stateOf(status string) remote.State {
	switch status {
	case "running":
		return remote.StateStarted
	case "restarting":
		return remote.StateStarting
	case "removing":
		return remote.StateStopping
	case "created", "exited", "dead", "paused":
		return remote.StateStopped
	default:
		return remote.StateUnknown
	}
}

func decodeWorkload(info container.InspectResponse) remote.Workload {
	s := specFromInspect(info)
	w := remote.Workload{
		Name:      s.Name,
		Instances: s.Instances,
		MemoryMB:  s.MemoryMB,
		Env:       s.Env,
		Resources: s.Resources,
		Routes:    s.Routes,
		Debug:     s.Debug,
	}
	if info.ContainerJSONBase != nil && info.State != nil {
		w.State = stateOf(string(info.State.Status))
	}
	if w.State == remote.StateStarted {
		w.RunningInstances = min(s.Instances, 1)
	}
	return w
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func joinList(xs []string) string {
	s := slices.Clone(xs)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
