package docker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/gluk-w/appmirror/internal/remote"
)

const stopTimeout = 30

func roleFilter(role string) container.ListOptions {
	return container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("label", labelRole+"="+role),
		),
	}
}

func (c *Client) ListWorkloads(ctx context.Context) ([]remote.Workload, error) {
	list, err := c.api.ContainerList(ctx, roleFilter(roleWorkload))
	if err != nil {
		return nil, classify("ListWorkloads", "", err)
	}
	out := make([]remote.Workload, 0, len(list))
	for _, s := range list {
		info, err := c.api.ContainerInspect(ctx, s.ID)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				continue
			}
			return nil, classify("ListWorkloads", containerName(s.Names), err)
		}
		out = append(out, decodeWorkload(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) GetWorkload(ctx context.Context, name string) (remote.Workload, error) {
	info, err := c.inspectWorkload(ctx, "GetWorkload", name)
	if err != nil {
		return remote.Workload{}, err
	}
	return decodeWorkload(info), nil
}

func (c *Client) inspectWorkload(ctx context.Context, op, name string) (container.InspectResponse, error) {
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return container.InspectResponse{}, classify(op, name, err)
	}
	if info.Config == nil || info.Config.Labels[labelRole] != roleWorkload {
		return container.InspectResponse{}, remote.Errorf(remote.KindNotFound, op, name, "container is not an appmirror workload")
	}
	return info, nil
}

// boundResources resolves the named resources, failing on the first one that
// does not exist.
func (c *Client) boundResources(ctx context.Context, op string, names []string) (map[string]remote.Resource, error) {
	if len(names) == 0 {
		return nil, nil
	}
	all, err := c.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]remote.Resource, len(names))
	for _, n := range names {
		i := slices.IndexFunc(all, func(r remote.Resource) bool { return r.Name == n })
		if i < 0 {
			return nil, remote.Errorf(remote.KindNotFound, op, n, "resource %s does not exist", n)
		}
		out[n] = all[i]
	}
	return out, nil
}

func (c *Client) CreateWorkload(ctx context.Context, desc remote.Descriptor) error {
	const op = "CreateWorkload"
	if err := remote.ValidateDescriptor(desc); err != nil {
		return err
	}
	if _, err := c.api.ContainerInspect(ctx, desc.Name); err == nil {
		return remote.Errorf(remote.KindConflict, op, desc.Name, "container already exists")
	}
	if err := c.ensureImage(ctx, desc.Image); err != nil {
		return classify(op, desc.Name, err)
	}
	if err := c.create(ctx, op, specFromDescriptor(desc), desc.Started); err != nil {
		return err
	}
	c.log.Info().Str("workload", desc.Name).Bool("started", desc.Started).Msg("workload created")
	return nil
}

func (c *Client) create(ctx context.Context, op string, s workloadSpec, start bool) error {
	bound, err := c.boundResources(ctx, op, s.Resources)
	if err != nil {
		return err
	}
	cfg, host, net := s.containerConfig(bound, c.opts.Network)
	resp, err := c.api.ContainerCreate(ctx, cfg, host, net, nil, s.Name)
	if err != nil {
		return classify(op, s.Name, err)
	}
	if start {
		if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return classify(op, s.Name, err)
		}
	}
	return nil
}

// recreate replaces the container with one rendered from the modified spec,
// keeping its running state.
func (c *Client) recreate(ctx context.Context, op, name string, mutate func(*workloadSpec) bool) error {
	info, err := c.inspectWorkload(ctx, op, name)
	if err != nil {
		return err
	}
	s := specFromInspect(info)
	if !mutate(&s) {
		return nil
	}
	if _, err := c.boundResources(ctx, op, s.Resources); err != nil {
		return err
	}
	running := info.State != nil && info.State.Running
	if err := c.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil {
		return classify(op, name, err)
	}
	if err := c.create(ctx, op, s, running); err != nil {
		return fmt.Errorf("recreate %s: %w", name, err)
	}
	c.log.Debug().Str("workload", name).Msg("container recreated")
	return nil
}

func (c *Client) DeleteWorkload(ctx context.Context, name string) error {
	const op = "DeleteWorkload"
	info, err := c.inspectWorkload(ctx, op, name)
	if err != nil {
		return err
	}
	if err := c.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil {
		return classify(op, name, err)
	}
	c.log.Info().Str("workload", name).Msg("workload deleted")
	return nil
}

// UpdateWorkload applies memory in place through ContainerUpdate; every other
// field needs a recreate. State changes start or stop the container.
func (c *Client) UpdateWorkload(ctx context.Context, name string, f remote.Fields) error {
	const op = "UpdateWorkload"
	if f.Instances != nil && *f.Instances < 0 {
		return remote.Errorf(remote.KindValidation, op, name, "instances must not be negative")
	}
	if f.MemoryMB != nil && *f.MemoryMB < 0 {
		return remote.Errorf(remote.KindValidation, op, name, "memory must not be negative")
	}
	if f.State != nil && *f.State != remote.StateStarted && *f.State != remote.StateStopped {
		return remote.Errorf(remote.KindValidation, op, name, "cannot request state %s", *f.State)
	}
	info, err := c.inspectWorkload(ctx, op, name)
	if err != nil {
		return err
	}

	if f.MemoryMB != nil {
		mem := int64(*f.MemoryMB) * units.MiB
		update := container.UpdateConfig{Resources: container.Resources{Memory: mem, MemorySwap: -1}}
		if _, err := c.api.ContainerUpdate(ctx, info.ID, update); err != nil {
			return classify(op, name, err)
		}
	}

	if f.Instances != nil || f.Env != nil || f.Routes != nil || f.Debug != nil {
		err := c.recreate(ctx, op, name, func(s *workloadSpec) bool {
			if f.Instances != nil {
				s.Instances = *f.Instances
			}
			if f.Env != nil {
				s.Env = maps.Clone(f.Env)
			}
			if f.Routes != nil {
				s.Routes = slices.Clone(f.Routes)
			}
			if f.Debug != nil {
				s.Debug = *f.Debug
			}
			if f.MemoryMB != nil {
				s.MemoryMB = *f.MemoryMB
			}
			return true
		})
		if err != nil {
			return err
		}
	}

	if f.State == nil {
		return nil
	}
	timeout := stopTimeout
	switch *f.State {
	case remote.StateStarted:
		err = c.api.ContainerStart(ctx, name, container.StartOptions{})
	case remote.StateStopped:
		err = c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	}
	return classify(op, name, err)
}

func (c *Client) BindResource(ctx context.Context, workload, resource string) error {
	return c.recreate(ctx, "BindResource", workload, func(s *workloadSpec) bool {
		if slices.Contains(s.Resources, resource) {
			return false
		}
		s.Resources = append(s.Resources, resource)
		return true
	})
}

func (c *Client) UnbindResource(ctx context.Context, workload, resource string) error {
	return c.recreate(ctx, "UnbindResource", workload, func(s *workloadSpec) bool {
		if !slices.Contains(s.Resources, resource) {
			return false
		}
		s.Resources = slices.DeleteFunc(s.Resources, func(r string) bool { return r == resource })
		return true
	})
}
