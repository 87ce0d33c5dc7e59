package docker

import (
	"context"
	"sort"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/gluk-w/appmirror/internal/remote"
)

func (c *Client) ListResources(ctx context.Context) ([]remote.Resource, error) {
	list, err := c.api.ContainerList(ctx, roleFilter(roleResource))
	if err != nil {
		return nil, classify("ListResources", "", err)
	}
	out := make([]remote.Resource, 0, len(list))
	for _, s := range list {
		out = append(out, decodeResource(s.Labels))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateResource provisions a database container for the resource kind and
// records its credentials in the container's labels.
func (c *Client) CreateResource(ctx context.Context, desc remote.ResourceDescriptor) error {
	const op = "CreateResource"
	if err := remote.ValidateName(desc.Name); err != nil {
		return remote.NewError(remote.KindValidation, op, desc.Name, err)
	}
	e, ok := engineFor(desc.Kind)
	if !ok {
		return remote.Errorf(remote.KindValidation, op, desc.Name, "unsupported resource kind %q", desc.Kind)
	}
	name := resourceContainer(desc.Name)
	if _, err := c.api.ContainerInspect(ctx, name); err == nil {
		return remote.Errorf(remote.KindConflict, op, desc.Name, "resource already exists")
	}
	if err := c.ensureImage(ctx, e.image); err != nil {
		return classify(op, desc.Name, err)
	}

	creds := resourceCredentials(desc, e)
	cfg, host, net := resourceConfig(desc, e, creds, c.opts.Network)
	resp, err := c.api.ContainerCreate(ctx, cfg, host, net, nil, name)
	if err != nil {
		return classify(op, desc.Name, err)
	}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return classify(op, desc.Name, err)
	}
	c.log.Info().Str("resource", desc.Name).Str("kind", desc.Kind).Str("image", e.image).Msg("resource created")
	return nil
}

// DeleteResource unbinds the resource from every workload, then removes its
// container together with anonymous volumes.
func (c *Client) DeleteResource(ctx context.Context, name string) error {
	const op = "DeleteResource"
	info, err := c.api.ContainerInspect(ctx, resourceContainer(name))
	if err != nil {
		return classify(op, name, err)
	}

	ws, err := c.ListWorkloads(ctx)
	if err != nil {
		return err
	}
	for _, w := range ws {
		if !w.HasResource(name) {
			continue
		}
		if err := c.UnbindResource(ctx, w.Name, name); err != nil && !remote.IsNotFound(err) {
			return err
		}
	}

	err = c.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return classify(op, name, err)
	}
	c.log.Info().Str("resource", name).Msg("resource deleted")
	return nil
}
