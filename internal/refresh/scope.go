package refresh

// Scope selects what a reconciliation pass fetches.
type Scope struct {
	all  bool
	name string
}

// AllWorkloads scopes a pass to the whole server.
func AllWorkloads() Scope { return Scope{all: true} }

// Workload scopes a pass to a single workload.
func Workload(name string) Scope { return Scope{name: name} }

// NoRefresh is the zero Scope: no pass is requested.
var NoRefresh = Scope{}

func (s Scope) IsAll() bool { return s.all }

// IsZero reports whether s requests no pass at all.
func (s Scope) IsZero() bool { return !s.all && s.name == "" }

// Name returns the workload of a single-workload scope.
func (s Scope) Name() string { return s.name }

func (s Scope) String() string {
	if s.all {
		return "all"
	}
	return "workload:" + s.name
}

// label is the low-cardinality metrics label.
func (s Scope) label() string {
	if s.all {
		return "all"
	}
	return "workload"
}

// merge folds b into a pending pass of scope a. Full scope absorbs anything;
// two different single workloads widen to full scope.
func merge(a, b Scope) Scope {
	if a.all || b.all || a.name != b.name {
		return AllWorkloads()
	}
	return a
}
