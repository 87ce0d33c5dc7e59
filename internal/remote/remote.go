// Package remote defines the contract this system requires from the remote
// platform controller, together with the workload/resource data model that
// flows across it.
//
// The controller's own wire protocol is not modelled here. Backends under
// internal/remote/{memory,kubernetes,docker} translate it into this contract
// and map every native failure into the error taxonomy in errors.go.
package remote

import (
	"context"
	"net"
	"slices"
	"sort"
)

// State is the lifecycle state of a workload as reported by the controller.
type State int

const (
	StateUnknown State = iota
	StateStopped
	StateStarting
	StateStarted
	StateStopping
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name; anything unrecognised is StateUnknown.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "started":
		*s = StateStarted
	case "stopping":
		*s = StateStopping
	default:
		*s = StateUnknown
	}
	return nil
}

// Descriptor is the deployment a caller wants enforced for one workload.
type Descriptor struct {
	Name      string            `json:"name" yaml:"name"`
	Image     string            `json:"image,omitempty" yaml:"image,omitempty"`
	Instances int               `json:"instances" yaml:"instances"`
	MemoryMB  int               `json:"memory_mb" yaml:"memory_mb"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resources []string          `json:"resources,omitempty" yaml:"resources,omitempty"`
	Routes    []string          `json:"routes,omitempty" yaml:"routes,omitempty"`
	Ports     []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	// Started deploys the workload running; false leaves it stopped.
	Started bool `json:"started" yaml:"started"`
}

// Workload is an authoritative snapshot of one remote application.
type Workload struct {
	Name             string            `json:"name" yaml:"name"`
	State            State             `json:"state" yaml:"state"`
	Instances        int               `json:"instances" yaml:"instances"`
	RunningInstances int               `json:"running_instances" yaml:"running_instances"`
	MemoryMB         int               `json:"memory_mb" yaml:"memory_mb"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Resources        []string          `json:"resources,omitempty" yaml:"resources,omitempty"`
	Routes           []string          `json:"routes,omitempty" yaml:"routes,omitempty"`
	Debug            bool              `json:"debug" yaml:"debug"`
}

// Clone returns a deep copy so cached snapshots never alias caller memory.
func (w Workload) Clone() Workload {
	out := w
	if w.Env != nil {
		out.Env = make(map[string]string, len(w.Env))
		for k, v := range w.Env {
			out.Env[k] = v
		}
	}
	out.Resources = slices.Clone(w.Resources)
	out.Routes = slices.Clone(w.Routes)
	return out
}

// HasResource reports whether the named resource is bound to the workload.
func (w Workload) HasResource(name string) bool {
	return slices.Contains(w.Resources, name)
}

// Fields is a partial update for UpdateWorkload. Nil members are left unchanged.
type Fields struct {
	State     *State
	Instances *int
	MemoryMB  *int
	Env       map[string]string
	Routes    []string
	Debug     *bool
}

// Resource is a bindable remote dependency such as a database service instance.
type Resource struct {
	Name        string            `json:"name" yaml:"name"`
	Kind        string            `json:"kind" yaml:"kind"`
	Plan        string            `json:"plan,omitempty" yaml:"plan,omitempty"`
	Credentials map[string]string `json:"-" yaml:"-"`
}

// ResourceDescriptor requests creation of a resource.
type ResourceDescriptor struct {
	Name        string
	Kind        string
	Plan        string
	Credentials map[string]string
}

// Credential keys understood by the tunnel URL builder and the tunnel agent.
const (
	CredHostname = "hostname"
	CredPort     = "port"
	CredName     = "name"
	CredUsername = "username"
	CredPassword = "password"
	CredVHost    = "vhost"
)

// Credentials authenticate this client against the controller.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
}

// Channel is a multiplexed byte-stream handle to one remote resource. Each call
// to Open yields an independent stream; Close tears down the whole channel.
type Channel interface {
	Open(ctx context.Context) (net.Conn, error)
	Close() error
}

// Client is the RPC facade of the remote controller.
type Client interface {
	ListWorkloads(ctx context.Context) ([]Workload, error)
	GetWorkload(ctx context.Context, name string) (Workload, error)
	CreateWorkload(ctx context.Context, desc Descriptor) error
	DeleteWorkload(ctx context.Context, name string) error
	UpdateWorkload(ctx context.Context, name string, fields Fields) error

	BindResource(ctx context.Context, workload, resource string) error
	UnbindResource(ctx context.Context, workload, resource string) error

	ListResources(ctx context.Context) ([]Resource, error)
	CreateResource(ctx context.Context, desc ResourceDescriptor) error
	// DeleteResource removes the resource and unbinds it from every workload.
	DeleteResource(ctx context.Context, name string) error

	// Authenticate establishes a fresh session and returns the credentials to
	// persist (a backend may refresh the token).
	Authenticate(ctx context.Context, creds Credentials) (Credentials, error)
	OpenTunnelChannel(ctx context.Context, resource string) (Channel, error)

	BackendName() string
}

// SortedNames returns the workload names in ascending order.
func SortedNames(ws []Workload) []string {
	names := make([]string, 0, len(ws))
	for _, w := range ws {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	return names
}
