package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"flow-policy-resolver/internal/metrics"
	"flow-policy-resolver/internal/model"
)

const (
	DefaultBatchSize = 100
	// DefaultCatchAllIPList is the "any" IP list every address belongs to.
	DefaultCatchAllIPList = "/orgs/1/sec_policy/draft/ip_lists/1"
)

type Option func(*Resolver)

func WithBatchSize(n int) Option {
	return func(r *Resolver) { r.batchSize = n }
}

// WithBoundary toggles boundary (deny) rule analysis.
func WithBoundary(enabled bool) Option {
	return func(r *Resolver) { r.boundary = enabled }
}

func WithCatchAllIPList(href string) Option {
	return func(r *Resolver) { r.catchAll = href }
}

// WithParallel runs the three managers concurrently instead of one after the other.
func WithParallel(enabled bool) Option {
	return func(r *Resolver) { r.parallel = enabled }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

type Stats struct {
	Flows     int
	Queries   map[string]int
	Batches   map[string]int
	Decisions map[model.Decision]int
}

// Resolver decides a set of flow records by asking the authority one
// deduplicated query per endpoint pair instead of one per flow.
type Resolver struct {
	authority Authority
	batchSize int
	boundary  bool
	catchAll  string
	parallel  bool
	metrics   *metrics.Metrics

	flows    []*model.FlowRecord // indexed by flow id
	managers []*QueryManager
	stats    Stats

	planned atomic.Int64
	sent    atomic.Int64
}

func NewResolver(authority Authority, opts ...Option) *Resolver {
	r := &Resolver{
		authority: authority,
		batchSize: DefaultBatchSize,
		boundary:  true,
		catchAll:  DefaultCatchAllIPList,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve sets the Decision of every flow. On error no flow is modified.
func (r *Resolver) Resolve(ctx context.Context, flows []*model.FlowRecord) error {
	r.reset()
	defer func() { r.flows = nil }()

	listToHost, hostToList, hostToHost := r.managers[0], r.managers[1], r.managers[2]
	for _, flow := range flows {
		id := len(r.flows)
		r.flows = append(r.flows, flow)
		if err := r.classify(id, flow, listToHost, hostToList, hostToHost); err != nil {
			return err
		}
	}

	for _, m := range r.managers {
		r.planned.Add(int64(m.PlannedBatches(r.batchSize)))
	}
	slog.Info("Flows classified",
		"flows", len(r.flows),
		"list_to_host_queries", listToHost.Len(),
		"host_to_list_queries", hostToList.Len(),
		"host_to_host_queries", hostToHost.Len(),
		"batches", r.planned.Load())

	startTime := time.Now()
	if err := r.execute(ctx); err != nil {
		return err
	}
	slog.Info("Coverage queries executed", "batches", r.sent.Load(), "duration", time.Since(startTime))

	decisions := make([]model.Decision, len(r.flows))
	for id, flow := range r.flows {
		verdict := VerdictAbsent
		for _, m := range r.managers {
			verdict = mergeVerdict(verdict, m.DecisionForFlow(id))
			if verdict == VerdictAllowed {
				break
			}
		}
		if verdict == VerdictAbsent {
			return &IncompleteError{FlowID: id, Raw: flow.Raw}
		}
		decisions[id] = verdict.Decision()
	}

	for id, flow := range r.flows {
		flow.Decision = decisions[id]
		r.stats.Decisions[flow.Decision]++
		r.metrics.Decided(string(flow.Decision))
	}
	r.stats.Flows = len(r.flows)
	for _, m := range r.managers {
		r.stats.Queries[m.Kind().String()] = m.Len()
		r.stats.Batches[m.Kind().String()] = m.BatchesSent()
	}
	return nil
}

// Progress reports batches sent and batches planned for the running Resolve.
func (r *Resolver) Progress() (sent, planned int64) {
	return r.sent.Load(), r.planned.Load()
}

func (r *Resolver) Stats() Stats {
	return r.stats
}

func (r *Resolver) reset() {
	r.flows = nil
	r.managers = []*QueryManager{
		NewQueryManager(ListToHost, r.boundary, r.metrics),
		NewQueryManager(HostToList, r.boundary, r.metrics),
		NewQueryManager(HostToHost, r.boundary, r.metrics),
	}
	for _, m := range r.managers {
		m.onBatch = func() { r.sent.Add(1) }
	}
	r.stats = Stats{
		Queries:   make(map[string]int),
		Batches:   make(map[string]int),
		Decisions: make(map[model.Decision]int),
	}
	r.planned.Store(0)
	r.sent.Store(0)
}

func (r *Resolver) classify(id int, flow *model.FlowRecord, listToHost, hostToList, hostToHost *QueryManager) error {
	switch {
	case flow.SrcWorkload == "" && flow.DstWorkload == "":
		return &InvalidFlowError{FlowID: id, Reason: "both sides are address-only, which should never happen", Raw: flow.Raw}
	case flow.SrcWorkload == "":
		dst := model.WorkloadEndpoint(flow.DstWorkload)
		for _, list := range r.candidateLists(flow.SrcIPLists) {
			listToHost.Register(id, model.IPListEndpoint(list), dst, flow.Service)
		}
	case flow.DstWorkload == "":
		src := model.WorkloadEndpoint(flow.SrcWorkload)
		for _, list := range r.candidateLists(flow.DstIPLists) {
			hostToList.Register(id, src, model.IPListEndpoint(list), flow.Service)
		}
	default:
		hostToHost.Register(id, model.WorkloadEndpoint(flow.SrcWorkload), model.WorkloadEndpoint(flow.DstWorkload), flow.Service)
	}
	return nil
}

// candidateLists is the flow's IP lists plus the catch-all list, without duplicates.
func (r *Resolver) candidateLists(lists []string) []string {
	out := make([]string, 0, len(lists)+1)
	seen := make(map[string]struct{}, len(lists)+1)
	add := func(href string) {
		if href == "" {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		out = append(out, href)
	}
	for _, href := range lists {
		add(href)
	}
	add(r.catchAll)
	return out
}

func (r *Resolver) execute(ctx context.Context) error {
	if !r.parallel {
		for _, m := range r.managers {
			if err := m.Execute(ctx, r.authority, r.batchSize); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range r.managers {
		m := m
		g.Go(func() error {
			return m.Execute(gctx, r.authority, r.batchSize)
		})
	}
	return g.Wait()
}
