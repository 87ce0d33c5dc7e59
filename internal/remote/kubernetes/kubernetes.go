// Package kubernetes implements remote.Client on top of one Kubernetes
// namespace. Workloads are Deployments, resources are labelled Secrets, and a
// binding is an annotation on the Deployment plus an envFrom reference that
// exposes the Secret's keys to the workload under the resource's env prefix.
package kubernetes

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// DefaultAgentPort is the port the tunnel agent listens on inside the hosting
// workload.
const DefaultAgentPort = 8443

// Options configure a Client.
type Options struct {
	Namespace  string
	Kubeconfig string
	// HostingWorkload is the workload whose agent relays tunnel channels.
	HostingWorkload string
	AgentPort       int
	// TunnelEndpoint overrides the derived agent URL.
	TunnelEndpoint string
	// TunnelTLS enables wss:// to the agent when set.
	TunnelTLS *tls.Config
}

// Client is a remote.Client backed by a Kubernetes namespace.
type Client struct {
	opts      Options
	inCluster bool
	log       zerolog.Logger

	mu         sync.RWMutex
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

var _ remote.Client = (*Client)(nil)

// New connects using the in-cluster config, falling back to a kubeconfig, and
// checks that the namespace exists.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	inCluster := err == nil
	if !inCluster {
		kubeconfig := opts.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	c := NewForClientset(cs, opts, log)
	c.restConfig = cfg
	c.inCluster = inCluster

	if _, err := cs.CoreV1().Namespaces().Get(ctx, c.opts.Namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("k8s namespace check: %w", err)
	}
	return c, nil
}

// NewForClientset wraps an existing clientset. Tunnel channels then use
// in-cluster service DNS unless TunnelEndpoint is set.
func NewForClientset(cs kubernetes.Interface, opts Options, log zerolog.Logger) *Client {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = DefaultAgentPort
	}
	return &Client{
		opts:      opts,
		clientset: cs,
		log:       log.With().Str("component", "kubernetes").Logger(),
	}
}

func (c *Client) BackendName() string { return "kubernetes" }

func (c *Client) ns() string { return c.opts.Namespace }

func (c *Client) cs() kubernetes.Interface {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientset
}

// Authenticate verifies access to the namespace. A non-empty token replaces
// the bearer token of the loaded kubeconfig for all later calls.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Credentials, error) {
	const op = "Authenticate"
	cs := c.cs()

	c.mu.RLock()
	base := c.restConfig
	c.mu.RUnlock()
	if creds.Token != "" && base != nil {
		cfg := rest.CopyConfig(base)
		cfg.BearerToken = creds.Token
		cfg.BearerTokenFile = ""
		cfg.Username, cfg.Password = "", ""
		next, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return remote.Credentials{}, remote.NewError(remote.KindValidation, op, creds.Username, err)
		}
		cs = next
		base = cfg
	}

	if _, err := cs.CoreV1().Namespaces().Get(ctx, c.ns(), metav1.GetOptions{}); err != nil {
		return remote.Credentials{}, classify(op, c.ns(), err)
	}

	c.mu.Lock()
	c.clientset = cs
	c.restConfig = base
	c.mu.Unlock()
	return creds, nil
}
