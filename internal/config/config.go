package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/appmirror/internal/retry"
	"github.com/kelseyhightower/envconfig"
)

// Settings configures the appmirror daemon. Every field is read from an
// APPMIRROR_-prefixed environment variable.
type Settings struct {
	Backend      string `envconfig:"BACKEND" default:"auto"`
	K8sNamespace string `envconfig:"K8S_NAMESPACE" default:"appmirror"`
	Kubeconfig   string `envconfig:"KUBECONFIG" default:""`
	DockerHost   string `envconfig:"DOCKER_HOST" default:""`
	DockerNet    string `envconfig:"DOCKER_NETWORK" default:"appmirror"`

	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8070"`

	// Reconciliation
	RefreshSchedule string        `envconfig:"REFRESH_SCHEDULE" default:"@every 30s"`
	Workers         int64         `envconfig:"WORKERS" default:"4"`
	WaitAttempts    int           `envconfig:"WAIT_ATTEMPTS" default:"60"`
	WaitInterval    time.Duration `envconfig:"WAIT_INTERVAL" default:"1s"`
	GuardStaleAfter time.Duration `envconfig:"GUARD_STALE_AFTER" default:"10m"`

	// Tunnels
	HostingWorkload string `envconfig:"HOSTING_WORKLOAD" default:"appmirror-tunnel"`
	HostingImage    string `envconfig:"HOSTING_IMAGE" default:"ghcr.io/gluk-w/appmirror-tunnel-agent:latest"`
	HostingMemory   string `envconfig:"HOSTING_MEMORY" default:"64m"`
	TunnelEndpoint  string `envconfig:"TUNNEL_ENDPOINT" default:""`
	TunnelCACert    string `envconfig:"TUNNEL_CA_CERT" default:""`
}

// AgentSettings configures cmd/tunnel-agent (TUNNEL_AGENT_ prefix).
type AgentSettings struct {
	ListenAddr  string        `envconfig:"LISTEN_ADDR" default:":8443"`
	TLSCert     string        `envconfig:"TLS_CERT" default:""`
	TLSKey      string        `envconfig:"TLS_KEY" default:""`
	SelfSigned  bool          `envconfig:"SELF_SIGNED" default:"false"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

var backends = map[string]bool{"auto": true, "kubernetes": true, "docker": true, "memory": true}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("APPMIRROR", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadAgent reads AgentSettings from the environment.
func LoadAgent() (AgentSettings, error) {
	var s AgentSettings
	if err := envconfig.Process("TUNNEL_AGENT", &s); err != nil {
		return AgentSettings{}, fmt.Errorf("load agent config: %w", err)
	}
	return s, nil
}

// Validate checks values envconfig cannot.
func (s Settings) Validate() error {
	if !backends[s.Backend] {
		return fmt.Errorf("invalid APPMIRROR_BACKEND %q (want auto, kubernetes, docker or memory)", s.Backend)
	}
	if s.WaitAttempts <= 0 {
		return fmt.Errorf("APPMIRROR_WAIT_ATTEMPTS must be positive, got %d", s.WaitAttempts)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("APPMIRROR_WORKERS must be positive, got %d", s.Workers)
	}
	if _, err := s.HostingMemoryMB(); err != nil {
		return err
	}
	return nil
}

// WaitPolicy is the bound for every polling loop.
func (s Settings) WaitPolicy() retry.Policy {
	return retry.Policy{Attempts: s.WaitAttempts, Interval: s.WaitInterval}
}

// HostingMemoryMB parses HOSTING_MEMORY ("64m", "1g") into mebibytes.
func (s Settings) HostingMemoryMB() (int, error) {
	if s.HostingMemory == "" {
		return 0, nil
	}
	b, err := units.RAMInBytes(s.HostingMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid APPMIRROR_HOSTING_MEMORY %q: %w", s.HostingMemory, err)
	}
	return int(b / units.MiB), nil
}

// DBPath is DATABASE_PATH, defaulting to appmirror.db under DATA_PATH.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "appmirror.db")
}
