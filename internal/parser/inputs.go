package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"flow-policy-resolver/internal/model"
	"flow-policy-resolver/internal/utils"
	"flow-policy-resolver/pkg/wellknown"
)

const (
	colSrcIP       = "source ip"
	colDstIP       = "destination ip"
	colService     = "service"
	colProcess     = "process"
	colUser        = "user"
	colConnections = "connections"
	colFirstSeen   = "first seen"
	colLastSeen    = "last seen"
	colDecision    = "policy decision"
)

// ParseFlowCSV reads address-only flow records from a CSV export. Rows whose
// addresses or service cannot be parsed are skipped. A well-known service name
// that covers several protocols (dns) yields one record per protocol.
func ParseFlowCSV(r io.Reader) ([]*model.FlowRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}

	colMap := make(map[string]int)
	for i, colName := range header {
		colMap[strings.ToLower(strings.TrimSpace(colName))] = i
	}
	for _, required := range []string{colSrcIP, colDstIP, colService} {
		if _, ok := colMap[required]; !ok {
			return nil, fmt.Errorf("could not find '%s' column in flow file", required)
		}
	}

	get := func(record []string, col string) string {
		i, ok := colMap[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var flows []*model.FlowRecord
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		src, dst := get(record, colSrcIP), get(record, colDstIP)
		if !validHost(src) || !validHost(dst) {
			slog.Warn("Skipping flow row with invalid address", "line", line, "src", src, "dst", dst)
			continue
		}
		services, err := parseServiceField(get(record, colService))
		if err != nil {
			slog.Warn("Skipping flow row with invalid service", "line", line, "error", err)
			continue
		}

		base := model.FlowRecord{
			SrcIP:          src,
			DstIP:          dst,
			NumConnections: 1,
			PolicyDecision: get(record, colDecision),
		}
		if p := get(record, colProcess); p != "" {
			base.Processes = []string{p}
		}
		if u := get(record, colUser); u != "" {
			base.Users = []string{u}
		}
		if c := get(record, colConnections); c != "" {
			n, err := strconv.Atoi(c)
			if err != nil || n < 0 {
				slog.Warn("Ignoring invalid connection count", "line", line, "value", c)
			} else {
				base.NumConnections = n
			}
		}
		base.FirstSeen = parseTime(get(record, colFirstSeen))
		base.LastSeen = parseTime(get(record, colLastSeen))

		for _, svc := range services {
			flow := base
			flow.Service = svc
			flow.Service.ProcessName = get(record, colProcess)
			flow.Service.UserName = get(record, colUser)
			flow.Raw = []byte(strings.Join(record, ","))
			flows = append(flows, &flow)
		}
	}
	return flows, nil
}

func validHost(addr string) bool {
	ipnet, err := utils.ParseHostOrCIDR(addr)
	if err != nil {
		return false
	}
	ones, bits := ipnet.Mask.Size()
	return ones == bits
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseServiceField accepts "443/tcp", "tcp/443", "icmp" or a well-known name.
func parseServiceField(s string) ([]model.ServiceSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty service")
	}

	parts := strings.Split(s, "/")
	if len(parts) == 2 {
		portStr, protoStr := parts[0], parts[1]
		if _, err := strconv.Atoi(portStr); err != nil {
			portStr, protoStr = protoStr, portStr
		}
		proto, ok := parseProtocol(protoStr)
		if !ok {
			return nil, fmt.Errorf("unknown protocol in %q", s)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in %q", s)
		}
		spec := model.ServiceSpec{Proto: proto}
		if proto.HasPorts() {
			spec.Port = &port
		}
		return []model.ServiceSpec{spec}, nil
	}

	if entries, ok := wellknown.GetService(s); ok {
		specs := make([]model.ServiceSpec, 0, len(entries))
		for _, e := range entries {
			specs = append(specs, e.Spec())
		}
		return specs, nil
	}
	return nil, fmt.Errorf("unknown service %q", s)
}

func parseProtocol(s string) (model.Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return model.TCP, true
	case "udp":
		return model.UDP, true
	case "icmp":
		return model.ICMP, true
	case "icmpv6":
		return model.ICMPv6, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 255 {
		return 0, false
	}
	return model.Protocol(n), true
}
