// Package backends selects and connects the remote controller implementation.
package backends

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/gluk-w/appmirror/internal/config"
	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/remote/docker"
	"github.com/gluk-w/appmirror/internal/remote/kubernetes"
	"github.com/gluk-w/appmirror/internal/remote/memory"
	"github.com/rs/zerolog"
)

// SettingBackend is the settings key under which an auto-detected backend is
// remembered.
const SettingBackend = "backend"

// SettingStore persists the detected backend. database.Store implements it.
type SettingStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

var (
	openKubernetes = func(ctx context.Context, cfg config.Settings, tlsCfg *tls.Config, log zerolog.Logger) (remote.Client, error) {
		return kubernetes.New(ctx, kubernetes.Options{
			Namespace:       cfg.K8sNamespace,
			Kubeconfig:      cfg.Kubeconfig,
			HostingWorkload: cfg.HostingWorkload,
			TunnelEndpoint:  cfg.TunnelEndpoint,
			TunnelTLS:       tlsCfg,
		}, log)
	}
	openDocker = func(ctx context.Context, cfg config.Settings, _ *tls.Config, log zerolog.Logger) (remote.Client, error) {
		return docker.New(ctx, docker.Options{
			Host:            cfg.DockerHost,
			Network:         cfg.DockerNet,
			HostingWorkload: cfg.HostingWorkload,
			TunnelEndpoint:  cfg.TunnelEndpoint,
		}, log)
	}
)

// Open returns the configured backend. With "auto" it uses the backend
// remembered in settings, or tries Kubernetes and then Docker and remembers
// whichever connects.
func Open(ctx context.Context, cfg config.Settings, settings SettingStore, log zerolog.Logger) (remote.Client, error) {
	tlsCfg, err := TunnelTLS(cfg)
	if err != nil {
		return nil, err
	}

	backend := cfg.Backend
	if backend == "auto" && settings != nil {
		if saved, err := settings.GetSetting(SettingBackend); err == nil && saved != "" {
			backend = saved
		}
	}

	if backend == "memory" {
		log.Warn().Msg("using in-process memory backend; nothing is persisted remotely")
		return memory.New(), nil
	}

	if backend == "auto" || backend == "kubernetes" {
		c, err := openKubernetes(ctx, cfg, tlsCfg, log)
		if err == nil {
			log.Info().Str("namespace", cfg.K8sNamespace).Msg("using Kubernetes backend")
			remember(settings, cfg.Backend, "kubernetes", log)
			return c, nil
		}
		log.Warn().Err(err).Msg("Kubernetes backend unavailable")
	}

	if backend == "auto" || backend == "docker" {
		c, err := openDocker(ctx, cfg, tlsCfg, log)
		if err == nil {
			log.Info().Str("network", cfg.DockerNet).Msg("using Docker backend")
			remember(settings, cfg.Backend, "docker", log)
			return c, nil
		}
		log.Warn().Err(err).Msg("Docker backend unavailable")
	}

	return nil, fmt.Errorf("no remote backend available (tried: %s)", backend)
}

func remember(settings SettingStore, requested, chosen string, log zerolog.Logger) {
	if requested != "auto" || settings == nil {
		return
	}
	if err := settings.SetSetting(SettingBackend, chosen); err != nil {
		log.Warn().Err(err).Msg("remember backend")
	}
}

// TunnelTLS builds the client TLS config for agent connections from
// TUNNEL_CA_CERT, which pins the agent's certificate. Nil means plain ws://.
func TunnelTLS(cfg config.Settings) (*tls.Config, error) {
	if cfg.TunnelCACert == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.TunnelCACert)
	if err != nil {
		return nil, fmt.Errorf("read tunnel CA certificate: %w", err)
	}
	return crypto.PinnedClientConfig(string(pem))
}
