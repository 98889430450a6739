package model

import (
	"fmt"
	"strconv"
	"time"
)

type Protocol int // IANA protocol number

const (
	ICMP   Protocol = 1
	TCP    Protocol = 6
	UDP    Protocol = 17
	ICMPv6 Protocol = 58
)

func (p Protocol) String() string {
	switch p {
	case ICMP:
		return "icmp"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case ICMPv6:
		return "icmpv6"
	default:
		return strconv.Itoa(int(p))
	}
}

// HasPorts reports whether the protocol carries a port the authority understands.
func (p Protocol) HasPorts() bool {
	return p == TCP || p == UDP
}

type Decision string

const (
	DecisionUnresolved        Decision = ""
	DecisionAllowed           Decision = "allowed"
	DecisionBlocked           Decision = "blocked"
	DecisionBlockedByBoundary Decision = "blocked_by_boundary"
)

type EndpointKind string

const (
	EndpointWorkload EndpointKind = "workload"
	EndpointIPList   EndpointKind = "ip_list"
)

// Endpoint is one side of a coverage query.
type Endpoint struct {
	Kind EndpointKind
	Href string
}

func WorkloadEndpoint(href string) Endpoint { return Endpoint{Kind: EndpointWorkload, Href: href} }
func IPListEndpoint(href string) Endpoint { return Endpoint{Kind: EndpointIPList, Href: href} }

func (e Endpoint) String() string {
	return string(e.Kind) + ":" + e.Href
}

type ServiceSpec struct {
	Proto              Protocol
	Port               *int
	ProcessName        string
	WindowsServiceName string
	UserName           string
}

func (s ServiceSpec) String() string {
	out := s.Proto.String()
	if s.Port != nil {
		out = fmt.Sprintf("%s/%d", out, *s.Port)
	}
	if s.WindowsServiceName != "" {
		out += " (" + s.WindowsServiceName + ")"
	}
	return out
}

type FlowRecord struct {
	SrcIP          string
	DstIP          string
	SrcWorkload    string // href, empty when the side is not a managed workload
	DstWorkload    string
	SrcIPLists     []string
	DstIPLists     []string
	Service        ServiceSpec
	Processes      []string
	Users          []string
	NumConnections int
	FirstSeen      time.Time
	LastSeen       time.Time
	PolicyDecision string // label reported by the authority in the traffic log
	Decision       Decision
	Raw            []byte
}

// Wire shapes for the rule coverage API.

type HrefRef struct {
	Href string `json:"href"`
}

type WireEndpoint struct {
	Workload *HrefRef `json:"workload,omitempty"`
	IPList   *HrefRef `json:"ip_list,omitempty"`
}

type ResolveLabelsAs struct {
	Source      []string `json:"source"`
	Destination []string `json:"destination"`
}

type WireService struct {
	Protocol           int    `json:"protocol"`
	Port               *int   `json:"port,omitempty"`
	ProcessName        string `json:"process_name,omitempty"`
	WindowsServiceName string `json:"windows_service_name,omitempty"`
}

type CoverageQuery struct {
	ResolveLabelsAs ResolveLabelsAs `json:"resolve_labels_as"`
	Source          WireEndpoint    `json:"source"`
	Destination     WireEndpoint    `json:"destination"`
	Services        []WireService   `json:"services"`
}

// Catalog objects.

type Workload struct {
	Href string   `yaml:"href"`
	Name string   `yaml:"name"`
	IPs  []string `yaml:"ips"`
}

type IPRange struct {
	Value     string `yaml:"value"` // CIDR, single address or "start-end"
	Exclusion bool   `yaml:"exclusion"`
}

type IPList struct {
	Href   string    `yaml:"href"`
	Name   string    `yaml:"name"`
	Ranges []IPRange `yaml:"ranges"`
}
