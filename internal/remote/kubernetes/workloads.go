package kubernetes

import (
	"context"
	"sort"

	"github.com/gluk-w/appmirror/internal/remote"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sretry "k8s.io/client-go/util/retry"
)

func (c *Client) ListWorkloads(ctx context.Context) ([]remote.Workload, error) {
	deps, err := c.cs().AppsV1().Deployments(c.ns()).List(ctx, metav1.ListOptions{LabelSelector: workloadSelector})
	if err != nil {
		return nil, classify("ListWorkloads", "", err)
	}
	out := make([]remote.Workload, 0, len(deps.Items))
	for i := range deps.Items {
		out = append(out, decodeWorkload(&deps.Items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) GetWorkload(ctx context.Context, name string) (remote.Workload, error) {
	dep, err := c.getDeployment(ctx, "GetWorkload", name)
	if err != nil {
		return remote.Workload{}, err
	}
	return decodeWorkload(dep), nil
}

func (c *Client) getDeployment(ctx context.Context, op, name string) (*appsv1.Deployment, error) {
	dep, err := c.cs().AppsV1().Deployments(c.ns()).Get(ctx, objectName(name), metav1.GetOptions{})
	if err != nil {
		return nil, classify(op, name, err)
	}
	if dep.Labels[labelManagedBy] != managedBy {
		return nil, remote.Errorf(remote.KindNotFound, op, name, "deployment %s is not managed by appmirror", dep.Name)
	}
	return dep, nil
}

func (c *Client) CreateWorkload(ctx context.Context, desc remote.Descriptor) error {
	const op = "CreateWorkload"
	if err := remote.ValidateDescriptor(desc); err != nil {
		return err
	}
	cs := c.cs()
	for _, r := range desc.Resources {
		if _, err := cs.CoreV1().Secrets(c.ns()).Get(ctx, secretName(r), metav1.GetOptions{}); err != nil {
			return classify(op, r, err)
		}
	}

	if _, err := cs.AppsV1().Deployments(c.ns()).Create(ctx, buildDeployment(desc, c.ns()), metav1.CreateOptions{}); err != nil {
		return classify(op, desc.Name, err)
	}
	if len(desc.Ports) > 0 {
		if _, err := cs.CoreV1().Services(c.ns()).Create(ctx, buildService(desc, c.ns()), metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			if derr := cs.AppsV1().Deployments(c.ns()).Delete(ctx, objectName(desc.Name), metav1.DeleteOptions{}); derr != nil {
				c.log.Warn().Err(derr).Str("workload", desc.Name).Msg("rollback of deployment failed")
			}
			return classify(op, desc.Name, err)
		}
	}
	c.log.Info().Str("workload", desc.Name).Bool("started", desc.Started).Msg("workload created")
	return nil
}

func (c *Client) DeleteWorkload(ctx context.Context, name string) error {
	const op = "DeleteWorkload"
	if _, err := c.getDeployment(ctx, op, name); err != nil {
		return err
	}
	cs := c.cs()
	policy := metav1.DeletePropagationBackground
	if err := cs.AppsV1().Deployments(c.ns()).Delete(ctx, objectName(name), metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil {
		return classify(op, name, err)
	}
	if err := cs.CoreV1().Services(c.ns()).Delete(ctx, objectName(name), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		c.log.Warn().Err(err).Str("workload", name).Msg("delete service")
	}
	c.log.Info().Str("workload", name).Msg("workload deleted")
	return nil
}

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
	return c.mutate(ctx, op, name, func(dep *appsv1.Deployment) bool {
		applyFields(dep, f)
		return true
	})
}

// mutate applies fn to the current deployment and writes it back, retrying
// on write conflicts. fn returning false skips the write.
func (c *Client) mutate(ctx context.Context, op, name string, fn func(*appsv1.Deployment) bool) error {
	err := k8sretry.RetryOnConflict(k8sretry.DefaultRetry, func() error {
		dep, err := c.getDeployment(ctx, op, name)
		if err != nil {
			return err
		}
		if !fn(dep) {
			return nil
		}
		_, err = c.cs().AppsV1().Deployments(c.ns()).Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if remote.KindOf(err) != 0 {
		return err
	}
	return classify(op, name, err)
}

func (c *Client) BindResource(ctx context.Context, workload, resource string) error {
	const op = "BindResource"
	if _, err := c.cs().CoreV1().Secrets(c.ns()).Get(ctx, secretName(resource), metav1.GetOptions{}); err != nil {
		return classify(op, resource, err)
	}
	return c.mutate(ctx, op, workload, func(dep *appsv1.Deployment) bool {
		return setBinding(dep, resource, true)
	})
}

func (c *Client) UnbindResource(ctx context.Context, workload, resource string) error {
	return c.mutate(ctx, "UnbindResource", workload, func(dep *appsv1.Deployment) bool {
		return setBinding(dep, resource, false)
	})
}
