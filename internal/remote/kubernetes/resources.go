package kubernetes

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/gluk-w/appmirror/internal/remote"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func (c *Client) ListResources(ctx context.Context) ([]remote.Resource, error) {
	secrets, err := c.cs().CoreV1().Secrets(c.ns()).List(ctx, metav1.ListOptions{LabelSelector: resourceSelector})
	if err != nil {
		return nil, classify("ListResources", "", err)
	}
	out := make([]remote.Resource, 0, len(secrets.Items))
	for i := range secrets.Items {
		out = append(out, decodeResource(&secrets.Items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) CreateResource(ctx context.Context, desc remote.ResourceDescriptor) error {
	const op = "CreateResource"
	if err := remote.ValidateName(desc.Name); err != nil {
		return remote.NewError(remote.KindValidation, op, desc.Name, err)
	}
	creds := maps.Clone(desc.Credentials)
	if creds == nil {
		creds = make(map[string]string)
	}
	if creds[remote.CredName] == "" {
		creds[remote.CredName] = fmt.Sprintf("d%s", desc.Name)
	}
	desc.Credentials = creds

	if _, err := c.cs().CoreV1().Secrets(c.ns()).Create(ctx, buildSecret(desc, c.ns()), metav1.CreateOptions{}); err != nil {
		return classify(op, desc.Name, err)
	}
	c.log.Info().Str("resource", desc.Name).Str("kind", desc.Kind).Msg("resource created")
	return nil
}

// DeleteResource unbinds the resource from every workload before deleting
// its Secret, so no Deployment is left referencing a missing Secret.
func (c *Client) DeleteResource(ctx context.Context, name string) error {
	const op = "DeleteResource"
	cs := c.cs()
	if _, err := cs.CoreV1().Secrets(c.ns()).Get(ctx, secretName(name), metav1.GetOptions{}); err != nil {
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
		err := c.mutate(ctx, op, w.Name, func(dep *appsv1.Deployment) bool {
			return setBinding(dep, name, false)
		})
		if err != nil && !remote.IsNotFound(err) {
			return err
		}
	}

	if err := cs.CoreV1().Secrets(c.ns()).Delete(ctx, secretName(name), metav1.DeleteOptions{}); err != nil {
		return classify(op, name, err)
	}
	c.log.Info().Str("resource", name).Msg("resource deleted")
	return nil
}
