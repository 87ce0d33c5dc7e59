// Package events carries ChangeEvents from the refresh coordinator to every
// interested party: the tunnel manager, the HTTP event stream, and tests.
package events

import "time"

// Type identifies what kind of transition a ChangeEvent reports.
type Type string

const (
	ServerRefreshed    Type = "server_refreshed"
	AppListChanged     Type = "app_list_changed"
	AppChanged         Type = "app_changed"
	InstancesUpdated   Type = "instances_updated"
	ServicesUpdated    Type = "services_updated"
	DeploymentChanged  Type = "deployment_changed"
	DebugStateChanged  Type = "debug_state_changed"
	CredentialsUpdated Type = "credentials_updated"
)

// AllTypes lists every event type in declaration order.
var AllTypes = []Type{
	ServerRefreshed, AppListChanged, AppChanged, InstancesUpdated,
	ServicesUpdated, DeploymentChanged, DebugStateChanged, CredentialsUpdated,
}

// Status tells whether the transition completed normally.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ChangeEvent reports exactly one detected transition.
type ChangeEvent struct {
	Type Type `json:"type"`
	// Workload is empty for server-wide events.
	Workload string `json:"workload,omitempty"`
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`

	// Unbound lists resources that the transition removed from Workload.
	Unbound []string `json:"unbound,omitempty"`
	// Deleted lists workloads removed by a pass (ServerRefreshed, scoped
	// AppChanged) or resources removed remotely (workload-less ServicesUpdated).
	Deleted []string `json:"deleted,omitempty"`
	// Added lists workloads or resources that appeared.
	Added []string `json:"added,omitempty"`

	Time time.Time `json:"time"`
}
