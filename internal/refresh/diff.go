package refresh

import (
	"maps"
	"slices"

	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/remote"
)

// change is the single event derived for one workload in one pass.
type change struct {
	typ     events.Type
	unbound []string
}

// classify compares two snapshots of the same workload and picks exactly one
// event type by fixed precedence:
//
//  1. state changed                    -> DeploymentChanged
//  2. only instance fields changed     -> InstancesUpdated
//  3. only bound resources changed     -> ServicesUpdated
//  4. only the debug flag changed      -> DebugStateChanged
//  5. any other combination            -> AppChanged
//
// ok is false when no field the system tracks differs.
func classify(prev, next remote.Workload) (c change, ok bool) {
	stateChanged := prev.State != next.State
	instancesChanged := prev.Instances != next.Instances || prev.RunningInstances != next.RunningInstances
	resourcesChanged := !sameSet(prev.Resources, next.Resources)
	debugChanged := prev.Debug != next.Debug
	otherChanged := prev.MemoryMB != next.MemoryMB ||
		!maps.Equal(prev.Env, next.Env) ||
		!sameSet(prev.Routes, next.Routes)

	c.unbound = missing(prev.Resources, next.Resources)

	switch {
	case stateChanged:
		c.typ = events.DeploymentChanged
	case instancesChanged && !resourcesChanged && !debugChanged && !otherChanged:
		c.typ = events.InstancesUpdated
	case resourcesChanged && !instancesChanged && !debugChanged && !otherChanged:
		c.typ = events.ServicesUpdated
	case debugChanged && !instancesChanged && !resourcesChanged && !otherChanged:
		c.typ = events.DebugStateChanged
	case instancesChanged || resourcesChanged || debugChanged || otherChanged:
		c.typ = events.AppChanged
	default:
		return change{}, false
	}
	return c, true
}

// sameSet compares two name lists ignoring order. nil and empty are equal.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// missing returns the names of prev absent from next, sorted.
func missing(prev, next []string) []string {
	var out []string
	for _, p := range prev {
		if !slices.Contains(next, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
