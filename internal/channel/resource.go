package channel

import (
	"context"
	"net"

	"github.com/gluk-w/appmirror/internal/remote"
)

// ResourceChannel is a remote.Channel whose streams are relayed by the agent
// to one bound resource.
type ResourceChannel struct {
	client   *Client
	resource string
}

var _ remote.Channel = (*ResourceChannel)(nil)

// ForResource adapts c to a remote.Channel for resource. Closing the
// ResourceChannel closes c.
func ForResource(c *Client, resource string) *ResourceChannel {
	return &ResourceChannel{client: c, resource: resource}
}

func (r *ResourceChannel) Open(ctx context.Context) (net.Conn, error) {
	conn, err := r.client.Open(ctx, ResourceHeader(r.resource))
	if err != nil {
		return nil, remote.NewError(remote.KindNetwork, "open stream", r.resource, err)
	}
	return conn, nil
}

func (r *ResourceChannel) Close() error { return r.client.Close() }
