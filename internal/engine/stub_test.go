package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"flow-policy-resolver/internal/model"
)

type stubAuthority struct {
	mu      sync.Mutex
	calls   [][]model.CoverageQuery
	respond func(call int, queries []model.CoverageQuery, boundary bool) ([]byte, error)
}

func (s *stubAuthority) SendBatch(ctx context.Context, queries []model.CoverageQuery, boundary bool) ([]byte, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, queries)
	s.mu.Unlock()
	return s.respond(call, queries, boundary)
}

func (s *stubAuthority) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ruleFunc returns the rule hrefs matched by service i of query q.
type ruleFunc func(q model.CoverageQuery, i int) []string

// coverageAuthority answers every batch consistently with the given rule
// functions. A nil deny func reports no boundary rules.
func coverageAuthority(t *testing.T, allow, deny ruleFunc) *stubAuthority {
	t.Helper()
	return &stubAuthority{
		respond: func(call int, queries []model.CoverageQuery, boundary bool) ([]byte, error) {
			return coverageBody(t, queries, boundary, allow, deny), nil
		},
	}
}

func coverageBody(t *testing.T, queries []model.CoverageQuery, boundary bool, allow, deny ruleFunc) []byte {
	t.Helper()
	build := func(fn ruleFunc) ([][][]string, map[string]any) {
		edges := make([][][]string, len(queries))
		rules := make(map[string]any)
		for qi, q := range queries {
			edges[qi] = make([][]string, len(q.Services))
			for si := range q.Services {
				row := []string{}
				if fn != nil {
					row = append(row, fn(q, si)...)
				}
				for _, href := range row {
					rules[href] = map[string]any{"href": href, "enabled": true}
				}
				edges[qi][si] = row
			}
		}
		return edges, rules
	}

	body := map[string]any{}
	body["edges"], body["rules"] = build(allow)
	if boundary {
		body["deny_edges"], body["deny_rules"] = build(deny)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal stub response: %v", err)
	}
	return raw
}

func tcp(port int) model.ServiceSpec {
	return model.ServiceSpec{Proto: model.TCP, Port: &port}
}

func udp(port int) model.ServiceSpec {
	return model.ServiceSpec{Proto: model.UDP, Port: &port}
}
