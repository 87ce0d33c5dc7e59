package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/gluk-w/appmirror/internal/channel"
	"github.com/gluk-w/appmirror/internal/remote"
)

// OpenTunnelChannel dials the agent through the loopback port the daemon
// published for the hosting workload.
func (c *Client) OpenTunnelChannel(ctx context.Context, resource string) (remote.Channel, error) {
	const op = "OpenTunnelChannel"
	if _, err := c.api.ContainerInspect(ctx, resourceContainer(resource)); err != nil {
		return nil, classify(op, resource, err)
	}
	if c.opts.HostingWorkload == "" {
		return nil, remote.Errorf(remote.KindValidation, op, resource, "no hosting workload configured")
	}

	url := c.opts.TunnelEndpoint
	if url == "" {
		info, err := c.inspectWorkload(ctx, op, c.opts.HostingWorkload)
		if err != nil {
			return nil, err
		}
		hostPort, err := publishedPort(info, c.opts.AgentPort)
		if err != nil {
			return nil, remote.NewError(remote.KindNetwork, op, resource, err)
		}
		url = fmt.Sprintf("ws://127.0.0.1:%s/tunnel", hostPort)
	}

	client, err := channel.Dial(ctx, url, nil, nil, c.log)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", op, resource, ctx.Err())
		}
		return nil, remote.NewError(remote.KindNetwork, op, resource, err)
	}
	return channel.ForResource(client, resource), nil
}

// publishedPort returns the host port bound to the container's TCP port.
func publishedPort(info container.InspectResponse, port int) (string, error) {
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	key := nat.Port(strconv.Itoa(port) + "/tcp")
	for _, b := range info.NetworkSettings.Ports[key] {
		if b.HostPort != "" {
			return b.HostPort, nil
		}
	}
	return "", fmt.Errorf("port %s is not published", key)
}
