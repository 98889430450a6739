package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"flow-policy-resolver/internal/metrics"
	"flow-policy-resolver/internal/model"
)

// Authority answers coverage queries. SendBatch returns the undecoded
// response body; validation happens in the manager that sent the batch.
type Authority interface {
	SendBatch(ctx context.Context, queries []model.CoverageQuery, includeBoundary bool) ([]byte, error)
}

type envelope struct {
	Edges     [][][]string
	Rules     map[string]json.RawMessage
	DenyEdges [][][]string
	DenyRules map[string]json.RawMessage
}

func decodeEnvelope(raw []byte, n int, boundary bool) (*envelope, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}

	env := &envelope{}
	if err := decodeSection(sections, "edges", &env.Edges); err != nil {
		return nil, err
	}
	if err := decodeSection(sections, "rules", &env.Rules); err != nil {
		return nil, err
	}
	if len(env.Edges) != n {
		return nil, fmt.Errorf("edges has %d entries for %d queries", len(env.Edges), n)
	}
	if !boundary {
		return env, nil
	}

	if err := decodeSection(sections, "deny_edges", &env.DenyEdges); err != nil {
		return nil, err
	}
	if err := decodeSection(sections, "deny_rules", &env.DenyRules); err != nil {
		return nil, err
	}
	if len(env.DenyEdges) != n {
		return nil, fmt.Errorf("deny_edges has %d entries for %d queries", len(env.DenyEdges), n)
	}
	return env, nil
}

func decodeSection(sections map[string]json.RawMessage, name string, dst any) error {
	raw, ok := sections[name]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("missing %q section", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed %q section: %w", name, err)
	}
	return nil
}

// QueryManager owns every PairQuery of one kind and runs them in batches.
type QueryManager struct {
	kind     PairKind
	boundary bool
	metrics  *metrics.Metrics

	queries []*PairQuery
	index   map[pairKey]*PairQuery
	byFlow  map[int][]*PairQuery
	batches atomic.Int64
	onBatch func()
}

func NewQueryManager(kind PairKind, boundary bool, m *metrics.Metrics) *QueryManager {
	return &QueryManager{
		kind:     kind,
		boundary: boundary,
		metrics:  m,
		index:    make(map[pairKey]*PairQuery),
		byFlow:   make(map[int][]*PairQuery),
	}
}

func (m *QueryManager) Kind() PairKind { return m.kind }
func (m *QueryManager) Len() int { return len(m.queries) }
func (m *QueryManager) Queries() []*PairQuery { return m.queries }
func (m *QueryManager) BatchesSent() int { return int(m.batches.Load()) }

// PlannedBatches is the number of requests Execute will send for batchSize.
func (m *QueryManager) PlannedBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(m.queries) + batchSize - 1) / batchSize
}

func (m *QueryManager) Register(flowID int, a, b model.Endpoint, svc model.ServiceSpec) {
	key := pairKey{src: a, dst: b}
	q, ok := m.index[key]
	if !ok {
		q = NewPairQuery(m.kind, a, b)
		m.index[key] = q
		m.queries = append(m.queries, q)
	}
	q.AddService(svc, flowID)
	for _, seen := range m.byFlow[flowID] {
		if seen == q {
			return
		}
	}
	m.byFlow[flowID] = append(m.byFlow[flowID], q)
}

// DecisionForFlow merges what every query registered for the flow reports,
// VerdictAbsent if the flow never reached this manager.
func (m *QueryManager) DecisionForFlow(flowID int) Verdict {
	verdict := VerdictAbsent
	for _, q := range m.byFlow[flowID] {
		verdict = mergeVerdict(verdict, q.DecisionForFlow(flowID))
		if verdict == VerdictAllowed {
			return verdict
		}
	}
	return verdict
}

// Execute sends the queries in batches of batchSize, one batch at a time. The
// first failure aborts the run; nothing from a rejected batch is applied.
func (m *QueryManager) Execute(ctx context.Context, auth Authority, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	total := m.PlannedBatches(batchSize)
	for start, batchNo := 0, 1; start < len(m.queries); start, batchNo = start+batchSize, batchNo+1 {
		end := min(start+batchSize, len(m.queries))
		batch := m.queries[start:end]

		payload := make([]model.CoverageQuery, len(batch))
		services := 0
		for i, q := range batch {
			payload[i] = q.Payload()
			services += q.table.Len()
		}

		slog.Debug("Sending coverage batch", "manager", m.kind.String(), "batch", batchNo, "batches", total, "queries", len(batch), "services", services)
		began := time.Now()
		raw, err := auth.SendBatch(ctx, payload, m.boundary)
		if err != nil {
			m.metrics.BatchFailed(m.kind.String())
			return &transportError{Manager: m.kind.String(), Batch: batchNo, Err: err}
		}

		if err := m.applyBatch(batch, raw); err != nil {
			m.metrics.BatchFailed(m.kind.String())
			return &ProtocolError{Manager: m.kind.String(), Batch: batchNo, Reason: err.Error(), Raw: raw}
		}
		m.batches.Add(1)
		if m.onBatch != nil {
			m.onBatch()
		}
		m.metrics.BatchDone(m.kind.String(), len(batch), services, time.Since(began))
	}
	return nil
}

func (m *QueryManager) applyBatch(batch []*PairQuery, raw []byte) error {
	env, err := decodeEnvelope(raw, len(batch), m.boundary)
	if err != nil {
		return err
	}

	for i, q := range batch {
		if err := q.checkRows(env.Rules, env.Edges[i]); err != nil {
			return fmt.Errorf("edges[%d]: %w", i, err)
		}
		if m.boundary {
			if err := q.checkRows(env.DenyRules, env.DenyEdges[i]); err != nil {
				return fmt.Errorf("deny_edges[%d]: %w", i, err)
			}
		}
	}

	for i, q := range batch {
		q.apply(env.Edges[i], false)
		if m.boundary {
			q.apply(env.DenyEdges[i], true)
		}
	}
	return nil
}
