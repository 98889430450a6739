package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"flow-policy-resolver/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

const ICMP = "ICMP"

type ServiceEntry struct {
	Protocol model.Protocol
	Port     int // 0 for protocols without ports
}

// Spec converts the entry to a service specification.
func (e ServiceEntry) Spec() model.ServiceSpec {
	spec := model.ServiceSpec{Proto: e.Protocol}
	if e.Protocol.HasPorts() {
		port := e.Port
		spec.Port = &port
	}
	return spec
}

type portKey struct {
	protocol model.Protocol
	port     int
}

var (
	serviceRegistry map[string][]ServiceEntry
	nameRegistry    map[portKey]string
)

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	nameRegistry = make(map[portKey]string)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue // Skip if port is not a valid number
		}

		register(record[1], model.TCP, port)
		register(record[2], model.UDP, port)
	}

	register(ICMP, model.ICMP, 0)
	register("ICMPV6", model.ICMPv6, 0)
}

func register(name string, protocol model.Protocol, port int) {
	name = strings.TrimSpace(name)
	if name == "" || name == "N/A" {
		return
	}
	entry := ServiceEntry{Protocol: protocol, Port: port}
	key := strings.ToUpper(name)
	serviceRegistry[key] = append(serviceRegistry[key], entry)
	// Add common alias for DNS
	if name == "domain" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
	if _, ok := nameRegistry[portKey{protocol, port}]; !ok {
		nameRegistry[portKey{protocol, port}] = strings.ToLower(name)
	}
}

// GetService returns the port and protocol for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}

// Name returns the well-known name of a service, if it has one.
func Name(svc model.ServiceSpec) (string, bool) {
	port := 0
	if svc.Port != nil && svc.Proto.HasPorts() {
		port = *svc.Port
	}
	name, ok := nameRegistry[portKey{svc.Proto, port}]
	return name, ok
}
