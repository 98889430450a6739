package engine

import (
	"sort"

	"flow-policy-resolver/internal/model"
)

type mergeKey struct {
	srcIP          string
	dstIP          string
	srcWorkload    string
	dstWorkload    string
	service        string
	policyDecision string
	decision       model.Decision
}

// MergeFlows collapses records that differ only by process, user, connection
// count and time range. Groups keep the position of their first record; the
// input records are not modified.
func MergeFlows(flows []*model.FlowRecord) []*model.FlowRecord {
	groups := make(map[mergeKey][]*model.FlowRecord, len(flows))
	var order []mergeKey
	for _, flow := range flows {
		key := mergeKey{
			srcIP:          flow.SrcIP,
			dstIP:          flow.DstIP,
			srcWorkload:    flow.SrcWorkload,
			dstWorkload:    flow.DstWorkload,
			service:        flow.Service.String(),
			policyDecision: flow.PolicyDecision,
			decision:       flow.Decision,
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], flow)
	}

	out := make([]*model.FlowRecord, 0, len(order))
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		out = append(out, mergeGroup(group))
	}
	return out
}

func mergeGroup(group []*model.FlowRecord) *model.FlowRecord {
	merged := *group[0]
	processes := make(map[string]struct{})
	users := make(map[string]struct{})
	merged.NumConnections = 0

	for _, flow := range group {
		for _, p := range flow.Processes {
			if p != "" {
				processes[p] = struct{}{}
			}
		}
		for _, u := range flow.Users {
			if u != "" {
				users[u] = struct{}{}
			}
		}
		merged.NumConnections += flow.NumConnections
		if !flow.FirstSeen.IsZero() && (merged.FirstSeen.IsZero() || flow.FirstSeen.Before(merged.FirstSeen)) {
			merged.FirstSeen = flow.FirstSeen
		}
		if flow.LastSeen.After(merged.LastSeen) {
			merged.LastSeen = flow.LastSeen
		}
	}

	merged.Processes = sortedKeys(processes)
	merged.Users = sortedKeys(users)
	return &merged
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
