package backends

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gluk-w/appmirror/internal/config"
	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/remote/memory"
	"github.com/rs/zerolog"
)

type namedClient struct {
	*memory.Controller
	name string
}

func (n namedClient) BackendName() string { return n.name }

// stubOpeners replaces both openers for the duration of the test. A nil
// error means the backend connects.
func stubOpeners(t *testing.T, k8sErr, dockerErr error) *[]string {
	t.Helper()
	var tried []string
	origK, origD := openKubernetes, openDocker
	openKubernetes = func(context.Context, config.Settings, *tls.Config, zerolog.Logger) (remote.Client, error) {
		tried = append(tried, "kubernetes")
		if k8sErr != nil {
			return nil, k8sErr
		}
		return namedClient{memory.New(), "kubernetes"}, nil
	}
	openDocker = func(context.Context, config.Settings, *tls.Config, zerolog.Logger) (remote.Client, error) {
		tried = append(tried, "docker")
		if dockerErr != nil {
			return nil, dockerErr
		}
		return namedClient{memory.New(), "docker"}, nil
	}
	t.Cleanup(func() { openKubernetes, openDocker = origK, origD })
	return &tried
}

func testStore(t *testing.T) *database.Store {
	t.Helper()
	s, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSelection(t *testing.T) {
	down := errors.New("unavailable")
	tests := []struct {
		name      string
		backend   string
		k8sErr    error
		dockerErr error
		want      string
		tried     []string
	}{
		{"auto prefers kubernetes", "auto", nil, nil, "kubernetes", []string{"kubernetes"}},
		{"auto falls back to docker", "auto", down, nil, "docker", []string{"kubernetes", "docker"}},
		{"explicit docker", "docker", nil, nil, "docker", []string{"docker"}},
		{"explicit kubernetes down", "kubernetes", down, nil, "", []string{"kubernetes"}},
		{"nothing available", "auto", down, down, "", []string{"kubernetes", "docker"}},
		{"memory", "memory", down, down, "memory", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tried := stubOpeners(t, tt.k8sErr, tt.dockerErr)
			c, err := Open(context.Background(), config.Settings{Backend: tt.backend}, nil, zerolog.Nop())
			if tt.want == "" {
				if err == nil {
					t.Fatalf("expected error, got backend %s", c.BackendName())
				}
			} else if err != nil {
				t.Fatalf("Open: %v", err)
			} else if c.BackendName() != tt.want {
				t.Errorf("backend = %s, want %s", c.BackendName(), tt.want)
			}
			if len(*tried) != len(tt.tried) {
				t.Errorf("tried %v, want %v", *tried, tt.tried)
			}
		})
	}
}

func TestAutoRemembersBackend(t *testing.T) {
	store := testStore(t)
	stubOpeners(t, errors.New("no cluster"), nil)

	if _, err := Open(context.Background(), config.Settings{Backend: "auto"}, store, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSetting(SettingBackend)
	if err != nil || got != "docker" {
		t.Fatalf("remembered backend = %q, %v", got, err)
	}

	// The remembered choice skips the Kubernetes probe.
	tried := stubOpeners(t, nil, nil)
	c, err := Open(context.Background(), config.Settings{Backend: "auto"}, store, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if c.BackendName() != "docker" || len(*tried) != 1 {
		t.Errorf("backend = %s, tried %v", c.BackendName(), *tried)
	}
}

func TestExplicitBackendIsNotRemembered(t *testing.T) {
	store := testStore(t)
	stubOpeners(t, nil, nil)
	if _, err := Open(context.Background(), config.Settings{Backend: "kubernetes"}, store, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSetting(SettingBackend); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("explicit backend stored: %v", err)
	}
}

func TestTunnelTLS(t *testing.T) {
	if cfg, err := TunnelTLS(config.Settings{}); cfg != nil || err != nil {
		t.Errorf("no CA = %v, %v; want nil, nil", cfg, err)
	}

	certPEM, _, err := crypto.GenerateAgentCertPair("agent", "localhost")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte(certPEM), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := TunnelTLS(config.Settings{TunnelCACert: path})
	if err != nil || cfg == nil || cfg.RootCAs == nil {
		t.Fatalf("TunnelTLS = %v, %v", cfg, err)
	}

	if _, err := TunnelTLS(config.Settings{TunnelCACert: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing CA file should fail")
	}
}
