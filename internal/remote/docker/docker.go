// Package docker implements remote.Client against a Docker daemon. Each
// workload is one labelled container; resources are database containers on
// the same network. Container configuration is immutable, so changes to
// bindings, environment or labels recreate the container.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/rs/zerolog"
)

// DefaultAgentPort is the container port of the tunnel agent.
const DefaultAgentPort = 8443

// Options configure a Client.
type Options struct {
	Host            string
	Network         string
	HostingWorkload string
	AgentPort       int
	TunnelEndpoint  string
}

// Client is a remote.Client backed by the Docker engine API.
type Client struct {
	api  *dockerclient.Client
	opts Options
	log  zerolog.Logger
}

var _ remote.Client = (*Client)(nil)

// New connects to the daemon, pings it and ensures the shared network exists.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Client, error) {
	if opts.Network == "" {
		opts.Network = "appmirror"
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = DefaultAgentPort
	}
	clientOpts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.Host))
	}
	api, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := api.Ping(ctx); err != nil {
		api.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	c := &Client{api: api, opts: opts, log: log.With().Str("component", "docker").Logger()}
	if err := c.ensureNetwork(ctx); err != nil {
		api.Close()
		return nil, fmt.Errorf("docker network: %w", err)
	}
	c.log.Info().Str("network", opts.Network).Msg("docker daemon connected")
	return c, nil
}

func (c *Client) BackendName() string { return "docker" }

func (c *Client) ensureNetwork(ctx context.Context) error {
	if _, err := c.api.NetworkInspect(ctx, c.opts.Network, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := c.api.NetworkCreate(ctx, c.opts.Network, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManagedBy: managedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", c.opts.Network, err)
	}
	c.log.Info().Str("network", c.opts.Network).Msg("created docker network")
	return nil
}

func (c *Client) ensureImage(ctx context.Context, img string) error {
	if _, err := c.api.ImageInspect(ctx, img); err == nil {
		return nil
	}
	c.log.Info().Str("image", img).Msg("pulling image")
	reader, err := c.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Authenticate checks that the daemon answers. The Docker socket carries no
// per-user session, so the credentials are returned unchanged.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Credentials, error) {
	if _, err := c.api.Ping(ctx); err != nil {
		return remote.Credentials{}, classify("Authenticate", creds.Username, err)
	}
	return creds, nil
}

// Close releases the daemon connection.
func (c *Client) Close() error { return c.api.Close() }

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
