package kubernetes

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gluk-w/appmirror/internal/channel"
	"github.com/gluk-w/appmirror/internal/remote"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
)

// OpenTunnelChannel dials the agent in the hosting workload. Inside the
// cluster the agent's Service is reached directly; from outside the request
// goes through the API server's service proxy with the client's credentials.
func (c *Client) OpenTunnelChannel(ctx context.Context, resource string) (remote.Channel, error) {
	const op = "OpenTunnelChannel"
	if _, err := c.cs().CoreV1().Secrets(c.ns()).Get(ctx, secretName(resource), metav1.GetOptions{}); err != nil {
		return nil, classify(op, resource, err)
	}
	if c.opts.HostingWorkload == "" {
		return nil, remote.Errorf(remote.KindValidation, op, resource, "no hosting workload configured")
	}
	if _, err := c.getDeployment(ctx, op, c.opts.HostingWorkload); err != nil {
		return nil, err
	}

	url, dialOpts, err := c.agentEndpoint()
	if err != nil {
		return nil, remote.NewError(remote.KindNetwork, op, resource, err)
	}
	client, err := channel.DialWith(ctx, url, dialOpts, c.log)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", op, resource, ctx.Err())
		}
		return nil, remote.NewError(remote.KindNetwork, op, resource, err)
	}
	return channel.ForResource(client, resource), nil
}

func (c *Client) agentEndpoint() (string, *websocket.DialOptions, error) {
	opts := &websocket.DialOptions{}
	if c.opts.TunnelTLS != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.opts.TunnelTLS}}
	}
	if c.opts.TunnelEndpoint != "" {
		return c.opts.TunnelEndpoint, opts, nil
	}

	c.mu.RLock()
	cfg := c.restConfig
	c.mu.RUnlock()
	svc := objectName(c.opts.HostingWorkload)
	if c.inCluster || cfg == nil {
		scheme := "ws"
		if c.opts.TunnelTLS != nil {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://%s.%s.svc.cluster.local:%d/tunnel", scheme, svc, c.ns(), c.opts.AgentPort), opts, nil
	}

	transport, err := rest.TransportFor(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("k8s transport: %w", err)
	}
	opts.HTTPClient = &http.Client{Transport: transport}
	return proxyURL(cfg.Host, c.ns(), svc, c.opts.AgentPort, c.opts.TunnelTLS != nil), opts, nil
}

// proxyURL is the API-server service proxy path to the agent's /tunnel.
func proxyURL(host, ns, svc string, port int, tls bool) string {
	host = strings.TrimRight(host, "/")
	host = strings.Replace(host, "https://", "wss://", 1)
	host = strings.Replace(host, "http://", "ws://", 1)
	target := fmt.Sprintf("%s:%d", svc, port)
	if tls {
		target = "https:" + target
	}
	return fmt.Sprintf("%s/api/v1/namespaces/%s/services/%s/proxy/tunnel", host, ns, target)
}
