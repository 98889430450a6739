package engine

import (
	"fmt"

	"flow-policy-resolver/internal/model"
)

// Verdict is what one table, query or manager knows about a flow. Values are
// ordered by precedence so that merging is a max.
type Verdict int

const (
	VerdictAbsent Verdict = iota
	VerdictBlocked
	VerdictBoundary
	VerdictAllowed
)

func (v Verdict) String() string {
	switch v {
	case VerdictBlocked:
		return "blocked"
	case VerdictBoundary:
		return "blocked_by_boundary"
	case VerdictAllowed:
		return "allowed"
	default:
		return "absent"
	}
}

func (v Verdict) Decision() model.Decision {
	switch v {
	case VerdictBlocked:
		return model.DecisionBlocked
	case VerdictBoundary:
		return model.DecisionBlockedByBoundary
	case VerdictAllowed:
		return model.DecisionAllowed
	default:
		return model.DecisionUnresolved
	}
}

func mergeVerdict(a, b Verdict) Verdict {
	if b > a {
		return b
	}
	return a
}

// serviceSignature is the dedup key of a service. User name is not part of it:
// the authority cannot be queried on users.
type serviceSignature struct {
	proto          model.Protocol
	port           int
	hasPort        bool
	process        string
	windowsService string
}

func signatureOf(svc model.ServiceSpec) serviceSignature {
	sig := serviceSignature{
		proto:          svc.Proto,
		process:        svc.ProcessName,
		windowsService: svc.WindowsServiceName,
	}
	if svc.Port != nil {
		sig.port = *svc.Port
		sig.hasPort = true
	}
	return sig
}

// ServiceTable deduplicates the services asked for one endpoint pair and
// remembers which flows asked for each of them. Indexes are assigned in
// insertion order and never change; they are the positions of the services in
// the request payload.
type ServiceTable struct {
	services   []model.ServiceSpec
	index      map[serviceSignature]int
	requesters []map[int]struct{}
	byFlow     map[int][]int

	rules         map[int][]string
	boundaryRules map[int][]string
}

func NewServiceTable() *ServiceTable {
	return &ServiceTable{
		index:         make(map[serviceSignature]int),
		byFlow:        make(map[int][]int),
		rules:         make(map[int][]string),
		boundaryRules: make(map[int][]string),
	}
}

func (t *ServiceTable) Add(svc model.ServiceSpec, flowID int) {
	sig := signatureOf(svc)
	idx, ok := t.index[sig]
	if !ok {
		idx = len(t.services)
		t.services = append(t.services, svc)
		t.requesters = append(t.requesters, make(map[int]struct{}))
		t.index[sig] = idx
	}
	if _, seen := t.requesters[idx][flowID]; seen {
		return
	}
	t.requesters[idx][flowID] = struct{}{}
	t.byFlow[flowID] = append(t.byFlow[flowID], idx)
}

// DecisionForFlow returns VerdictAbsent when the flow never asked this table
// for anything. Any allowed service wins.
func (t *ServiceTable) DecisionForFlow(flowID int) Verdict {
	idxs, ok := t.byFlow[flowID]
	if !ok {
		return VerdictAbsent
	}
	verdict := VerdictBlocked
	for _, idx := range idxs {
		t.mustIndex(idx)
		if len(t.rules[idx]) > 0 {
			return VerdictAllowed
		}
		if len(t.boundaryRules[idx]) > 0 {
			verdict = VerdictBoundary
		}
	}
	return verdict
}

func (t *ServiceTable) Len() int { return len(t.services) }

// FlowCount is the number of distinct flows that registered at least one service.
func (t *ServiceTable) FlowCount() int { return len(t.byFlow) }

func (t *ServiceTable) Services() []model.ServiceSpec { return t.services }

func (t *ServiceTable) Requesters(idx int) []int {
	t.mustIndex(idx)
	ids := make([]int, 0, len(t.requesters[idx]))
	for id := range t.requesters[idx] {
		ids = append(ids, id)
	}
	return ids
}

func (t *ServiceTable) Rules(idx int) []string {
	t.mustIndex(idx)
	return t.rules[idx]
}

func (t *ServiceTable) BoundaryRules(idx int) []string {
	t.mustIndex(idx)
	return t.boundaryRules[idx]
}

func (t *ServiceTable) setCoverage(idx int, rules []string, boundary bool) {
	t.mustIndex(idx)
	if boundary {
		t.boundaryRules[idx] = rules
		return
	}
	t.rules[idx] = rules
}

func (t *ServiceTable) mustIndex(idx int) {
	if idx < 0 || idx >= len(t.services) {
		panic(fmt.Sprintf("service table: index %d out of range [0,%d)", idx, len(t.services)))
	}
}
