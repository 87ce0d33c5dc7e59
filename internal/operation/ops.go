package operation

import (
	"context"

	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/retry"
)

// Deploy creates a workload. The descriptor is validated before any remote
// call and recorded as the proxy's desired state.
type Deploy struct{ Desc remote.Descriptor }

func (o Deploy) Name() string   { return "deploy" }
func (o Deploy) Target() string { return o.Desc.Name }

func (o Deploy) Run(ctx context.Context, env *Env) error {
	if err := remote.ValidateDescriptor(o.Desc); err != nil {
		return err
	}
	env.Cache.SetDesired(o.Desc.Name, o.Desc)
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return env.Client.CreateWorkload(ctx, o.Desc)
}

// Start requests the Started state.
type Start struct{ Workload string }

func (o Start) Name() string   { return "start" }
func (o Start) Target() string { return o.Workload }

func (o Start) Run(ctx context.Context, env *Env) error {
	started := remote.StateStarted
	return env.Client.UpdateWorkload(ctx, o.Workload, remote.Fields{State: &started})
}

// Stop requests the Stopped state and waits until the controller reports it.
type Stop struct{ Workload string }

func (o Stop) Name() string   { return "stop" }
func (o Stop) Target() string { return o.Workload }

func (o Stop) Run(ctx context.Context, env *Env) error {
	stopped := remote.StateStopped
	if err := env.Client.UpdateWorkload(ctx, o.Workload, remote.Fields{State: &stopped}); err != nil {
		return err
	}
	return waitForState(ctx, env, o.Workload, remote.StateStopped)
}

// Update applies a partial change.
type Update struct {
	Workload string
	Fields   remote.Fields
}

func (o Update) Name() string   { return "update" }
func (o Update) Target() string { return o.Workload }

func (o Update) Run(ctx context.Context, env *Env) error {
	if o.Fields.Instances != nil && *o.Fields.Instances < 0 {
		return remote.Errorf(remote.KindValidation, "update", o.Workload, "instances must not be negative")
	}
	if o.Fields.MemoryMB != nil && *o.Fields.MemoryMB < 0 {
		return remote.Errorf(remote.KindValidation, "update", o.Workload, "memory must not be negative")
	}
	return env.Client.UpdateWorkload(ctx, o.Workload, o.Fields)
}

// Undeploy deletes a workload under the PendingUndeploy guard.
type Undeploy struct{ Workload string }

func (o Undeploy) Name() string   { return "undeploy" }
func (o Undeploy) Target() string { return o.Workload }

func (o Undeploy) Run(ctx context.Context, env *Env) error {
	if err := env.Cache.Tag(o.Workload, proxycache.GuardUndeploying); err != nil {
		return err
	}
	defer env.Cache.Untag(o.Workload, proxycache.GuardUndeploying)
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return env.Client.DeleteWorkload(ctx, o.Workload)
}

// Replace deletes and recreates a workload under the PendingReplace guard.
// A workload that does not exist yet is simply created.
type Replace struct{ Desc remote.Descriptor }

func (o Replace) Name() string   { return "replace" }
func (o Replace) Target() string { return o.Desc.Name }

func (o Replace) Run(ctx context.Context, env *Env) error {
	if err := remote.ValidateDescriptor(o.Desc); err != nil {
		return err
	}
	if err := env.Cache.Tag(o.Desc.Name, proxycache.GuardReplacing); err != nil {
		return err
	}
	defer env.Cache.Untag(o.Desc.Name, proxycache.GuardReplacing)

	env.Cache.SetDesired(o.Desc.Name, o.Desc)
	if err := env.Client.DeleteWorkload(ctx, o.Desc.Name); err != nil && !remote.IsNotFound(err) {
		return err
	}
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return env.Client.CreateWorkload(ctx, o.Desc)
}

// Bind attaches a resource to a workload.
type Bind struct{ Workload, Resource string }

func (o Bind) Name() string   { return "bind" }
func (o Bind) Target() string { return o.Workload }

func (o Bind) Run(ctx context.Context, env *Env) error {
	return env.Client.BindResource(ctx, o.Workload, o.Resource)
}

// Unbind detaches a resource from a workload.
type Unbind struct{ Workload, Resource string }

func (o Unbind) Name() string   { return "unbind" }
func (o Unbind) Target() string { return o.Workload }

func (o Unbind) Run(ctx context.Context, env *Env) error {
	return env.Client.UnbindResource(ctx, o.Workload, o.Resource)
}

// CreateResource provisions a resource.
type CreateResource struct{ Desc remote.ResourceDescriptor }

func (o CreateResource) Name() string   { return "create-resource" }
func (o CreateResource) Target() string { return "" }

func (o CreateResource) Run(ctx context.Context, env *Env) error {
	if err := remote.ValidateName(o.Desc.Name); err != nil {
		return remote.NewError(remote.KindValidation, "create-resource", o.Desc.Name, err)
	}
	return env.Client.CreateResource(ctx, o.Desc)
}

// DeleteResource removes a resource and every binding to it.
type DeleteResource struct{ Resource string }

func (o DeleteResource) Name() string   { return "delete-resource" }
func (o DeleteResource) Target() string { return "" }

func (o DeleteResource) Run(ctx context.Context, env *Env) error {
	return env.Client.DeleteResource(ctx, o.Resource)
}

// EnsureStarted deploys the workload if absent and starts it if stopped, then
// waits until it reports Started.
type EnsureStarted struct{ Desc remote.Descriptor }

func (o EnsureStarted) Name() string   { return "ensure-started" }
func (o EnsureStarted) Target() string { return o.Desc.Name }

func (o EnsureStarted) Run(ctx context.Context, env *Env) error {
	w, err := env.Client.GetWorkload(ctx, o.Desc.Name)
	switch {
	case remote.IsNotFound(err):
		desc := o.Desc
		desc.Started = true
		if err := remote.ValidateDescriptor(desc); err != nil {
			return err
		}
		env.Cache.SetDesired(desc.Name, desc)
		if err := env.Client.CreateWorkload(ctx, desc); err != nil {
			return err
		}
	case err != nil:
		return err
	case w.State == remote.StateStarted:
		return nil
	default:
		if err := Checkpoint(ctx); err != nil {
			return err
		}
		if err := (Start{Workload: o.Desc.Name}).Run(ctx, env); err != nil {
			return err
		}
	}
	return waitForState(ctx, env, o.Desc.Name, remote.StateStarted)
}

// EnsureBound binds the resource unless it already is.
type EnsureBound struct{ Workload, Resource string }

func (o EnsureBound) Name() string   { return "ensure-bound" }
func (o EnsureBound) Target() string { return o.Workload }

func (o EnsureBound) Run(ctx context.Context, env *Env) error {
	w, err := env.Client.GetWorkload(ctx, o.Workload)
	if err != nil {
		return err
	}
	if w.HasResource(o.Resource) {
		return nil
	}
	if err := Checkpoint(ctx); err != nil {
		return err
	}
	return env.Client.BindResource(ctx, o.Workload, o.Resource)
}

func waitForState(ctx context.Context, env *Env, name string, want remote.State) error {
	return retry.Poll(ctx, env.Wait, name+" "+want.String(), func(ctx context.Context) (bool, error) {
		w, err := env.Client.GetWorkload(ctx, name)
		if err != nil {
			return false, err
		}
		return w.State == want, nil
	})
}
