package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"flow-policy-resolver/internal/model"
)

const anyList = "/orgs/1/sec_policy/draft/ip_lists/1"

func workloadFlow(src, dst string, svc model.ServiceSpec) *model.FlowRecord {
	return &model.FlowRecord{
		SrcWorkload: src,
		DstWorkload: dst,
		Service:     svc,
		Raw:         []byte(fmt.Sprintf(`{"src":%q,"dst":%q}`, src, dst)),
	}
}

func TestResolverEndToEnd(t *testing.T) {
	a := workloadFlow("/orgs/1/workloads/w1", "/orgs/1/workloads/w2", tcp(443))
	b := &model.FlowRecord{
		SrcIP:       "203.0.113.7",
		SrcIPLists:  []string{"/orgs/1/sec_policy/draft/ip_lists/9"},
		DstWorkload: "/orgs/1/workloads/w2",
		Service:     tcp(443),
	}

	auth := coverageAuthority(t,
		func(q model.CoverageQuery, i int) []string {
			if q.Source.Workload != nil {
				return []string{"ruleA"}
			}
			return nil
		},
		func(q model.CoverageQuery, i int) []string {
			if q.Source.IPList != nil {
				return []string{"boundaryRule"}
			}
			return nil
		},
	)

	r := NewResolver(auth, WithCatchAllIPList(anyList))
	if err := r.Resolve(context.Background(), []*model.FlowRecord{a, b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Decision != model.DecisionAllowed {
		t.Errorf("flow A: expected allowed, got %q", a.Decision)
	}
	if b.Decision != model.DecisionBlockedByBoundary {
		t.Errorf("flow B: expected blocked_by_boundary, got %q", b.Decision)
	}

	stats := r.Stats()
	if stats.Flows != 2 {
		t.Errorf("expected 2 flows in stats, got %d", stats.Flows)
	}
	if stats.Queries["list_to_host"] != 2 {
		t.Errorf("expected flow B to produce 2 list_to_host queries (explicit list + catch-all), got %d", stats.Queries["list_to_host"])
	}
	if stats.Queries["host_to_host"] != 1 {
		t.Errorf("expected 1 host_to_host query, got %d", stats.Queries["host_to_host"])
	}
	if sent, planned := r.Progress(); sent != 2 || planned != 2 {
		t.Errorf("expected 2/2 batches, got %d/%d", sent, planned)
	}
}

func TestResolverAllowedTakesPrecedence(t *testing.T) {
	// Only the explicit list allows; the catch-all list query reports a boundary rule.
	flow := &model.FlowRecord{
		SrcWorkload: "/orgs/1/workloads/w1",
		DstIPLists:  []string{"/orgs/1/sec_policy/draft/ip_lists/5"},
		Service:     udp(53),
	}
	auth := coverageAuthority(t,
		func(q model.CoverageQuery, i int) []string {
			if q.Destination.IPList != nil && q.Destination.IPList.Href != anyList {
				return []string{"allow-dns"}
			}
			return nil
		},
		func(q model.CoverageQuery, i int) []string {
			return []string{"deny-all"}
		},
	)

	r := NewResolver(auth, WithCatchAllIPList(anyList))
	if err := r.Resolve(context.Background(), []*model.FlowRecord{flow}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flow.Decision != model.DecisionAllowed {
		t.Fatalf("expected allowed to win, got %q", flow.Decision)
	}
}

func TestResolverMergesVerdictsAcrossManagers(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []Verdict
		want     Verdict
	}{
		{name: "allowed beats blocked", verdicts: []Verdict{VerdictBlocked, VerdictAllowed, VerdictAbsent}, want: VerdictAllowed},
		{name: "allowed beats boundary", verdicts: []Verdict{VerdictBoundary, VerdictAbsent, VerdictAllowed}, want: VerdictAllowed},
		{name: "boundary beats blocked", verdicts: []Verdict{VerdictBlocked, VerdictBoundary, VerdictAbsent}, want: VerdictBoundary},
		{name: "blocked beats absent", verdicts: []Verdict{VerdictAbsent, VerdictAbsent, VerdictBlocked}, want: VerdictBlocked},
		{name: "all absent", verdicts: []Verdict{VerdictAbsent, VerdictAbsent, VerdictAbsent}, want: VerdictAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerdictAbsent
			for _, v := range tt.verdicts {
				got = mergeVerdict(got, v)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolverIsDeterministic(t *testing.T) {
	build := func() []*model.FlowRecord {
		var flows []*model.FlowRecord
		for i := 0; i < 40; i++ {
			src := fmt.Sprintf("/orgs/1/workloads/w%d", i%7)
			dst := fmt.Sprintf("/orgs/1/workloads/w%d", i%5)
			flows = append(flows, workloadFlow(src, dst, tcp(8000+i%4)))
			flows = append(flows, &model.FlowRecord{
				SrcWorkload: src,
				DstIPLists:  []string{fmt.Sprintf("/orgs/1/sec_policy/draft/ip_lists/%d", i%3+2)},
				Service:     udp(500 + i%2),
			})
		}
		return flows
	}
	allow := func(q model.CoverageQuery, i int) []string {
		if *q.Services[i].Port%2 == 0 {
			return []string{"even"}
		}
		return nil
	}
	deny := func(q model.CoverageQuery, i int) []string {
		if q.Destination.IPList != nil && q.Destination.IPList.Href == "/orgs/1/sec_policy/draft/ip_lists/3" {
			return []string{"wall"}
		}
		return nil
	}

	var first []model.Decision
	for run := 0; run < 3; run++ {
		flows := build()
		r := NewResolver(coverageAuthority(t, allow, deny), WithBatchSize(4), WithParallel(run == 2))
		if err := r.Resolve(context.Background(), flows); err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		var decisions []model.Decision
		for _, f := range flows {
			decisions = append(decisions, f.Decision)
		}
		if first == nil {
			first = decisions
			continue
		}
		for i := range decisions {
			if decisions[i] != first[i] {
				t.Fatalf("run %d flow %d: expected %q, got %q", run, i, first[i], decisions[i])
			}
		}
	}
}

func TestResolverRejectsAddressOnlyFlow(t *testing.T) {
	flows := []*model.FlowRecord{
		workloadFlow("w1", "w2", tcp(22)),
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Service: tcp(22), Raw: []byte(`{"bad":true}`)},
	}
	auth := coverageAuthority(t, nil, nil)

	err := NewResolver(auth).Resolve(context.Background(), flows)
	var ierr *InvalidFlowError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *InvalidFlowError, got %v", err)
	}
	if ierr.FlowID != 1 || string(ierr.Raw) != `{"bad":true}` {
		t.Fatalf("unexpected error detail: %+v", ierr)
	}
	if auth.callCount() != 0 {
		t.Fatalf("no request should be sent for invalid input")
	}
	if flows[0].Decision != model.DecisionUnresolved {
		t.Fatalf("no flow may be decided on error")
	}
}

func TestResolverReportsUndecidedFlow(t *testing.T) {
	// Without a catch-all list and without memberships the flow never reaches a query.
	flows := []*model.FlowRecord{
		workloadFlow("w1", "w2", tcp(22)),
		{DstWorkload: "w2", Service: tcp(22), Raw: []byte(`{"orphan":true}`)},
	}
	err := NewResolver(coverageAuthority(t, nil, nil), WithCatchAllIPList("")).Resolve(context.Background(), flows)

	var ierr *IncompleteError
	if !errors.As(err, &ierr) || !errors.Is(err, ErrResolve) {
		t.Fatalf("expected *IncompleteError, got %v", err)
	}
	if ierr.FlowID != 1 {
		t.Fatalf("expected flow 1 to be reported, got %d", ierr.FlowID)
	}
	if flows[0].Decision != model.DecisionUnresolved {
		t.Fatalf("no flow may be decided on error")
	}
}

func TestResolverLeavesFlowsUntouchedOnProtocolError(t *testing.T) {
	flows := []*model.FlowRecord{
		workloadFlow("w1", "w2", tcp(22)),
		workloadFlow("w3", "w4", tcp(22)),
	}
	auth := &stubAuthority{respond: func(int, []model.CoverageQuery, bool) ([]byte, error) {
		return []byte(`{"edges":[[[]]],"rules":{},"deny_edges":[[[]]],"deny_rules":{}}`), nil
	}}

	err := NewResolver(auth).Resolve(context.Background(), flows)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	for i, f := range flows {
		if f.Decision != model.DecisionUnresolved {
			t.Fatalf("flow %d: expected unresolved, got %q", i, f.Decision)
		}
	}
}

func TestResolverCanBeReused(t *testing.T) {
	auth := coverageAuthority(t, func(model.CoverageQuery, int) []string { return []string{"r"} }, nil)
	r := NewResolver(auth)

	for run := 0; run < 2; run++ {
		flows := []*model.FlowRecord{workloadFlow("w1", "w2", tcp(80))}
		if err := r.Resolve(context.Background(), flows); err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if flows[0].Decision != model.DecisionAllowed {
			t.Fatalf("run %d: expected allowed, got %q", run, flows[0].Decision)
		}
		if r.Stats().Flows != 1 {
			t.Fatalf("run %d: expected stats to reset, got %d flows", run, r.Stats().Flows)
		}
	}
}

func TestCandidateListsAddsCatchAllOnce(t *testing.T) {
	r := NewResolver(nil, WithCatchAllIPList(anyList))
	got := r.candidateLists([]string{"l2", anyList, "l2", "l3"})
	want := []string{"l2", anyList, "l3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
