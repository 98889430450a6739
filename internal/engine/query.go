package engine

import (
	"encoding/json"
	"fmt"

	"flow-policy-resolver/internal/model"
)

type PairKind int

const (
	ListToHost PairKind = iota
	HostToList
	HostToHost
)

func (k PairKind) String() string {
	switch k {
	case ListToHost:
		return "list_to_host"
	case HostToList:
		return "host_to_list"
	case HostToHost:
		return "host_to_host"
	default:
		return fmt.Sprintf("pair_kind(%d)", int(k))
	}
}

type pairKey struct {
	src model.Endpoint
	dst model.Endpoint
}

// PairQuery is one coverage query: a source endpoint, a destination endpoint
// and the deduplicated services asked between them.
type PairQuery struct {
	kind  PairKind
	src   model.Endpoint
	dst   model.Endpoint
	table *ServiceTable
}

func NewPairQuery(kind PairKind, src, dst model.Endpoint) *PairQuery {
	return &PairQuery{
		kind:  kind,
		src:   src,
		dst:   dst,
		table: NewServiceTable(),
	}
}

func (q *PairQuery) Kind() PairKind { return q.kind }
func (q *PairQuery) Source() model.Endpoint { return q.src }
func (q *PairQuery) Destination() model.Endpoint { return q.dst }
func (q *PairQuery) Table() *ServiceTable { return q.table }

func (q *PairQuery) AddService(svc model.ServiceSpec, flowID int) {
	q.table.Add(svc, flowID)
}

func (q *PairQuery) DecisionForFlow(flowID int) Verdict {
	return q.table.DecisionForFlow(flowID)
}

func (q *PairQuery) Payload() model.CoverageQuery {
	services := make([]model.WireService, 0, q.table.Len())
	for _, svc := range q.table.Services() {
		services = append(services, serviceToWire(svc))
	}
	return model.CoverageQuery{
		ResolveLabelsAs: model.ResolveLabelsAs{
			Source:      []string{"workloads"},
			Destination: []string{"workloads"},
		},
		Source:      endpointToWire(q.src),
		Destination: endpointToWire(q.dst),
		Services:    services,
	}
}

func (q *PairQuery) ApplyResponse(rules map[string]json.RawMessage, rows [][]string) error {
	if err := q.checkRows(rules, rows); err != nil {
		return err
	}
	q.apply(rows, false)
	return nil
}

func (q *PairQuery) ApplyBoundaryResponse(rules map[string]json.RawMessage, rows [][]string) error {
	if err := q.checkRows(rules, rows); err != nil {
		return err
	}
	q.apply(rows, true)
	return nil
}

func (q *PairQuery) checkRows(rules map[string]json.RawMessage, rows [][]string) error {
	if len(rows) != q.table.Len() {
		return fmt.Errorf("query %s -> %s has %d services but response has %d rows", q.src, q.dst, q.table.Len(), len(rows))
	}
	for i, row := range rows {
		for _, href := range row {
			if _, ok := rules[href]; !ok {
				return fmt.Errorf("query %s -> %s service %d references unknown rule %q", q.src, q.dst, i, href)
			}
		}
	}
	return nil
}

func (q *PairQuery) apply(rows [][]string, boundary bool) {
	for i, row := range rows {
		matched := make([]string, len(row))
		copy(matched, row)
		q.table.setCoverage(i, matched, boundary)
	}
}

func endpointToWire(e model.Endpoint) model.WireEndpoint {
	ref := &model.HrefRef{Href: e.Href}
	if e.Kind == model.EndpointIPList {
		return model.WireEndpoint{IPList: ref}
	}
	return model.WireEndpoint{Workload: ref}
}

// serviceToWire renames proto to protocol, keeps the port only for TCP and UDP
// and never sends the user name.
func serviceToWire(svc model.ServiceSpec) model.WireService {
	out := model.WireService{
		Protocol:           int(svc.Proto),
		ProcessName:        svc.ProcessName,
		WindowsServiceName: svc.WindowsServiceName,
	}
	if svc.Port != nil && svc.Proto.HasPorts() {
		port := *svc.Port
		out.Port = &port
	}
	return out
}
