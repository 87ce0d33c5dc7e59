package kubernetes

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gluk-w/appmirror/internal/remote"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Labels and annotations owned by this backend.
const (
	labelApp       = "app"
	labelManagedBy = "managed-by"
	managedBy      = "appmirror"
	labelResource  = "appmirror.io/resource"

	annName      = "appmirror.io/name"
	annState     = "appmirror.io/state"
	annInstances = "appmirror.io/instances"
	annResources = "appmirror.io/resources"
	annRoutes    = "appmirror.io/routes"
	annDebug     = "appmirror.io/debug"
	annKind      = "appmirror.io/kind"
	annPlan      = "appmirror.io/plan"

	containerName = "app"
)

var (
	workloadSelector = labelManagedBy + "=" + managedBy
	resourceSelector = labelResource + "=true"
)

// objectName maps a workload or resource name onto a DNS-1123 label. The
// original name is kept in the appmirror.io/name annotation.
func objectName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

func secretName(resource string) string { return "res-" + objectName(resource) }

func joinList(xs []string) string {
	s := slices.Clone(xs)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func mebibytes(mb int) resource.Quantity {
	return *resource.NewQuantity(int64(mb)<<20, resource.BinarySI)
}

func buildDeployment(desc remote.Descriptor, ns string) *appsv1.Deployment {
	name := objectName(desc.Name)
	labels := map[string]string{labelApp: name, labelManagedBy: managedBy}

	state := remote.StateStopped
	replicas := int32(0)
	if desc.Started {
		state = remote.StateStarted
		replicas = int32(desc.Instances)
	}

	container := corev1.Container{
		Name:  containerName,
		Image: desc.Image,
		Env:   envVars(desc.Env),
	}
	for _, p := range desc.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: int32(p), Protocol: corev1.ProtocolTCP})
	}
	if desc.MemoryMB > 0 {
		q := mebibytes(desc.MemoryMB)
		container.Resources = corev1.ResourceRequirements{
			Requests: corev1.ResourceList{corev1.ResourceMemory: q},
			Limits:   corev1.ResourceList{corev1.ResourceMemory: q},
		}
	}
	for _, r := range desc.Resources {
		container.EnvFrom = append(container.EnvFrom, envFrom(r))
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    labels,
			Annotations: map[string]string{
				annName:      desc.Name,
				annState:     state.String(),
				annInstances: strconv.Itoa(desc.Instances),
				annResources: joinList(desc.Resources),
				annRoutes:    strings.Join(desc.Routes, ","),
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelApp: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}
}

// buildService exposes the workload's ports inside the cluster. Only
// workloads declaring ports get one.
func buildService(desc remote.Descriptor, ns string) *corev1.Service {
	name := objectName(desc.Name)
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{labelApp: name, labelManagedBy: managedBy},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{labelApp: name},
		},
	}
	for _, p := range desc.Ports {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{
			Name:       "p" + strconv.Itoa(p),
			Port:       int32(p),
			TargetPort: intstr.FromInt32(int32(p)),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	return svc
}

func envVars(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

func envFrom(resource string) corev1.EnvFromSource {
	return corev1.EnvFromSource{
		Prefix:    remote.EnvPrefix(resource),
		SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: secretName(resource)}},
	}
}

func workloadName(meta metav1.ObjectMeta) string {
	if n := meta.Annotations[annName]; n != "" {
		return n
	}
	return meta.Name
}

// decodeWorkload derives the snapshot from the requested state annotation and
// the observed replica counts.
func decodeWorkload(dep *appsv1.Deployment) remote.Workload {
	ann := dep.Annotations
	spec := int32(0)
	if dep.Spec.Replicas != nil {
		spec = *dep.Spec.Replicas
	}
	instances, err := strconv.Atoi(ann[annInstances])
	if err != nil {
		instances = int(spec)
	}

	w := remote.Workload{
		Name:             workloadName(dep.ObjectMeta),
		Instances:        instances,
		RunningInstances: int(dep.Status.ReadyReplicas),
		Resources:        splitList(ann[annResources]),
		Routes:           splitList(ann[annRoutes]),
		Debug:            ann[annDebug] == "true",
	}
	switch {
	case ann[annState] == remote.StateStarted.String() && dep.Status.ReadyReplicas >= spec:
		w.State = remote.StateStarted
	case ann[annState] == remote.StateStarted.String():
		w.State = remote.StateStarting
	case dep.Status.Replicas > 0:
		w.State = remote.StateStopping
	default:
		w.State = remote.StateStopped
	}

	if cs := dep.Spec.Template.Spec.Containers; len(cs) > 0 {
		if q, ok := cs[0].Resources.Limits[corev1.ResourceMemory]; ok {
			w.MemoryMB = int(q.Value() >> 20)
		}
		if len(cs[0].Env) > 0 {
			w.Env = make(map[string]string, len(cs[0].Env))
			for _, e := range cs[0].Env {
				w.Env[e.Name] = e.Value
			}
		}
	}
	return w
}

// Secret data keys are upper case so that envFrom yields <PREFIX>HOSTNAME and
// friends; credentials use the lower-case keys of the remote package.
func buildSecret(desc remote.ResourceDescriptor, ns string) *corev1.Secret {
	data := make(map[string][]byte, len(desc.Credentials))
	for k, v := range desc.Credentials {
		data[strings.ToUpper(k)] = []byte(v)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName(desc.Name),
			Namespace: ns,
			Labels:    map[string]string{labelResource: "true", labelManagedBy: managedBy},
			Annotations: map[string]string{
				annName: desc.Name,
				annKind: desc.Kind,
				annPlan: desc.Plan,
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
}

func decodeResource(s *corev1.Secret) remote.Resource {
	creds := make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		creds[strings.ToLower(k)] = string(v)
	}
	return remote.Resource{
		Name:        workloadName(s.ObjectMeta),
		Kind:        s.Annotations[annKind],
		Plan:        s.Annotations[annPlan],
		Credentials: creds,
	}
}

// setBinding adds or removes resource on the deployment. It reports whether
// anything changed.
func setBinding(dep *appsv1.Deployment, resource string, bound bool) bool {
	if dep.Annotations == nil {
		dep.Annotations = map[string]string{}
	}
	current := splitList(dep.Annotations[annResources])
	has := slices.Contains(current, resource)
	if has == bound {
		return false
	}
	if bound {
		current = append(current, resource)
	} else {
		current = slices.DeleteFunc(current, func(r string) bool { return r == resource })
	}
	dep.Annotations[annResources] = joinList(current)

	ref := secretName(resource)
	for i := range dep.Spec.Template.Spec.Containers {
		c := &dep.Spec.Template.Spec.Containers[i]
		c.EnvFrom = slices.DeleteFunc(c.EnvFrom, func(e corev1.EnvFromSource) bool {
			return e.SecretRef != nil && e.SecretRef.Name == ref
		})
		if bound && c.Name == containerName {
			c.EnvFrom = append(c.EnvFrom, envFrom(resource))
		}
	}
	return true
}

// applyFields mutates dep in place for an UpdateWorkload call.
func applyFields(dep *appsv1.Deployment, f remote.Fields) {
	if dep.Annotations == nil {
		dep.Annotations = map[string]string{}
	}
	ann := dep.Annotations
	if f.Instances != nil {
		ann[annInstances] = strconv.Itoa(*f.Instances)
	}
	if f.State != nil {
		ann[annState] = f.State.String()
	}
	if f.Routes != nil {
		ann[annRoutes] = strings.Join(f.Routes, ",")
	}
	if f.Debug != nil {
		ann[annDebug] = strconv.FormatBool(*f.Debug)
	}

	replicas := int32(0)
	if ann[annState] == remote.StateStarted.String() {
		n, _ := strconv.Atoi(ann[annInstances])
		replicas = int32(n)
	}
	dep.Spec.Replicas = &replicas

	for i := range dep.Spec.Template.Spec.Containers {
		c := &dep.Spec.Template.Spec.Containers[i]
		if c.Name != containerName {
			continue
		}
		if f.Env != nil {
			c.Env = envVars(f.Env)
		}
		if f.MemoryMB != nil {
			q := mebibytes(*f.MemoryMB)
			if c.Resources.Limits == nil {
				c.Resources.Limits = corev1.ResourceList{}
			}
			if c.Resources.Requests == nil {
				c.Resources.Requests = corev1.ResourceList{}
			}
			c.Resources.Limits[corev1.ResourceMemory] = q
			c.Resources.Requests[corev1.ResourceMemory] = q
		}
	}
}
