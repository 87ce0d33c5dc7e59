package docker

import (
	"maps"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/google/uuid"
)

// engine describes how a resource kind is provisioned as a container.
type engine struct {
	image string
	port  int
	env   func(c map[string]string) []string
	cmd   func(c map[string]string) []string
}

var engines = map[string]engine{
	"mysql": {image: "mysql:8.0", port: 3306, env: func(c map[string]string) []string {
		return []string{
			"MYSQL_DATABASE=" + c[remote.CredName],
			"MYSQL_USER=" + c[remote.CredUsername],
			"MYSQL_PASSWORD=" + c[remote.CredPassword],
			"MYSQL_ROOT_PASSWORD=" + c[remote.CredPassword],
		}
	}},
	"mariadb": {image: "mariadb:11", port: 3306, env: func(c map[string]string) []string {
		return []string{
			"MARIADB_DATABASE=" + c[remote.CredName],
			"MARIADB_USER=" + c[remote.CredUsername],
			"MARIADB_PASSWORD=" + c[remote.CredPassword],
			"MARIADB_ROOT_PASSWORD=" + c[remote.CredPassword],
		}
	}},
	"postgresql": {image: "postgres:16", port: 5432, env: func(c map[string]string) []string {
		return []string{
			"POSTGRES_DB=" + c[remote.CredName],
			"POSTGRES_USER=" + c[remote.CredUsername],
			"POSTGRES_PASSWORD=" + c[remote.CredPassword],
		}
	}},
	"mongodb": {image: "mongo:7", port: 27017, env: func(c map[string]string) []string {
		return []string{
			"MONGO_INITDB_DATABASE=" + c[remote.CredName],
			"MONGO_INITDB_ROOT_USERNAME=" + c[remote.CredUsername],
			"MONGO_INITDB_ROOT_PASSWORD=" + c[remote.CredPassword],
		}
	}},
	"redis": {image: "redis:7", port: 6379, cmd: func(c map[string]string) []string {
		return []string{"redis-server", "--requirepass", c[remote.CredPassword]}
	}},
	"rabbitmq": {image: "rabbitmq:3", port: 5672, env: func(c map[string]string) []string {
		return []string{
			"RABBITMQ_DEFAULT_USER=" + c[remote.CredUsername],
			"RABBITMQ_DEFAULT_PASS=" + c[remote.CredPassword],
			"RABBITMQ_DEFAULT_VHOST=" + c[remote.CredVHost],
		}
	}},
}

// normalizeKind maps "MySQL", "postgres-16" and similar to an engine key.
func normalizeKind(kind string) string {
	k := strings.ToLower(kind)
	if i := strings.IndexAny(k, "-:"); i > 0 {
		k = k[:i]
	}
	if k == "postgres" {
		k = "postgresql"
	}
	return k
}

func engineFor(kind string) (engine, bool) {
	e, ok := engines[normalizeKind(kind)]
	return e, ok
}

func resourceContainer(name string) string { return "appmirror-res-" + name }

// resourceCredentials fills in what the caller left out. The hostname is the
// container's name on the shared network.
func resourceCredentials(desc remote.ResourceDescriptor, e engine) map[string]string {
	c := maps.Clone(desc.Credentials)
	if c == nil {
		c = make(map[string]string)
	}
	def := func(k, v string) {
		if c[k] == "" {
			c[k] = v
		}
	}
	def(remote.CredName, "d"+desc.Name)
	def(remote.CredUsername, "appmirror")
	def(remote.CredPassword, strings.ReplaceAll(uuid.NewString(), "-", ""))
	def(remote.CredHostname, resourceContainer(desc.Name))
	def(remote.CredPort, strconv.Itoa(e.port))
	if normalizeKind(desc.Kind) == "rabbitmq" {
		def(remote.CredVHost, desc.Name)
	}
	return c
}

func resourceConfig(desc remote.ResourceDescriptor, e engine, creds map[string]string, networkName string) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	labels := map[string]string{
		labelManagedBy: managedBy,
		labelRole:      roleResource,
		labelName:      desc.Name,
		labelKind:      desc.Kind,
		labelPlan:      desc.Plan,
	}
	for k, v := range creds {
		labels[labelCredPref+k] = v
	}
	cfg := &container.Config{Image: e.image, Labels: labels}
	if e.env != nil {
		cfg.Env = e.env(creds)
	}
	if e.cmd != nil {
		cfg.Cmd = e.cmd(creds)
	}
	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	net := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {Aliases: []string{resourceContainer(desc.Name)}},
		},
	}
	return cfg, host, net
}

func decodeResource(labels map[string]string) remote.Resource {
	creds := make(map[string]string)
	for k, v := range labels {
		if key, ok := strings.CutPrefix(k, labelCredPref); ok {
			creds[key] = v
		}
	}
	return remote.Resource{
		Name:        labels[labelName],
		Kind:        labels[labelKind],
		Plan:        labels[labelPlan],
		Credentials: creds,
	}
}
