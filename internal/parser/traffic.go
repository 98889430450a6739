package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"flow-policy-resolver/internal/model"
)

type trafficHref struct {
	Href string `json:"href"`
}

type trafficSide struct {
	IP       string        `json:"ip"`
	Workload *trafficHref  `json:"workload"`
	IPLists  []trafficHref `json:"ip_lists"`
}

type trafficService struct {
	Proto              int    `json:"proto"`
	Port               *int   `json:"port"`
	ProcessName        string `json:"process_name"`
	WindowsServiceName string `json:"windows_service_name"`
	UserName           string `json:"user_name"`
}

type trafficEntry struct {
	Src            trafficSide    `json:"src"`
	Dst            trafficSide    `json:"dst"`
	Service        trafficService `json:"service"`
	NumConnections int            `json:"num_connections"`
	TimestampRange struct {
		FirstDetected time.Time `json:"first_detected"`
		LastDetected  time.Time `json:"last_detected"`
	} `json:"timestamp_range"`
	PolicyDecision string `json:"policy_decision"`
}

// ParseTrafficLog reads a JSON array of explorer traffic entries. Each record
// keeps its raw JSON so failures can be traced back to the log.
func ParseTrafficLog(r io.Reader) ([]*model.FlowRecord, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("could not read traffic log: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("traffic log must be a JSON array")
	}

	var flows []*model.FlowRecord
	for i := 0; dec.More(); i++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("traffic entry %d: %w", i, err)
		}
		flow, err := decodeTrafficEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("traffic entry %d: %w", i, err)
		}
		flows = append(flows, flow)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("could not read end of traffic log: %w", err)
	}
	return flows, nil
}

func decodeTrafficEntry(raw json.RawMessage) (*model.FlowRecord, error) {
	var e trafficEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Src.IP == "" || e.Dst.IP == "" {
		return nil, fmt.Errorf("missing source or destination ip")
	}
	if e.Service.Proto <= 0 || e.Service.Proto > 255 {
		return nil, fmt.Errorf("invalid protocol %d", e.Service.Proto)
	}

	svc := model.ServiceSpec{
		Proto:              model.Protocol(e.Service.Proto),
		ProcessName:        e.Service.ProcessName,
		WindowsServiceName: e.Service.WindowsServiceName,
		UserName:           e.Service.UserName,
	}
	if svc.Proto.HasPorts() && e.Service.Port != nil {
		port := *e.Service.Port
		svc.Port = &port
	}

	flow := &model.FlowRecord{
		SrcIP:          e.Src.IP,
		DstIP:          e.Dst.IP,
		SrcIPLists:     hrefs(e.Src.IPLists),
		DstIPLists:     hrefs(e.Dst.IPLists),
		Service:        svc,
		NumConnections: e.NumConnections,
		FirstSeen:      e.TimestampRange.FirstDetected,
		LastSeen:       e.TimestampRange.LastDetected,
		PolicyDecision: e.PolicyDecision,
		Raw:            append([]byte(nil), raw...),
	}
	if e.Src.Workload != nil {
		flow.SrcWorkload = e.Src.Workload.Href
	}
	if e.Dst.Workload != nil {
		flow.DstWorkload = e.Dst.Workload.Href
	}
	if svc.ProcessName != "" {
		flow.Processes = []string{svc.ProcessName}
	}
	if svc.UserName != "" {
		flow.Users = []string{svc.UserName}
	}
	return flow, nil
}

func hrefs(refs []trafficHref) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Href != "" {
			out = append(out, r.Href)
		}
	}
	return out
}
