package wellknown

import (
	"testing"

	"flow-policy-resolver/internal/model"
)

func TestGetServiceReturnsDNSAliases(t *testing.T) {
	// This test ensures DNS aliases map to the expected port/protocol entries.
	entries, ok := GetService("dns")
	if !ok {
		t.Fatalf("expected dns to be present in well-known service registry")
	}
	if !containsPort(entries, 53, model.TCP) || !containsPort(entries, 53, model.UDP) {
		t.Fatalf("expected DNS to include port 53 over tcp and udp, got %#v", entries)
	}
}

func TestGetServiceIncludesIcmp(t *testing.T) {
	// ICMP carries no port; its spec must not carry one either.
	entries, ok := GetService("icmp")
	if !ok || len(entries) != 1 {
		t.Fatalf("expected a single ICMP entry, got %#v", entries)
	}
	spec := entries[0].Spec()
	if spec.Proto != model.ICMP || spec.Port != nil {
		t.Fatalf("expected portless icmp spec, got %#v", spec)
	}
}

func TestGetServiceReturnsFalseForUnknown(t *testing.T) {
	// This test validates the registry returns false for unknown services.
	_, ok := GetService("definitely-not-a-service")
	if ok {
		t.Fatalf("expected unknown service to return ok=false")
	}
}

func TestNameLooksUpByProtocolAndPort(t *testing.T) {
	port := 443
	if name, ok := Name(model.ServiceSpec{Proto: model.TCP, Port: &port}); !ok || name != "https" {
		t.Fatalf("expected https for tcp/443, got %q", name)
	}
	if _, ok := Name(model.ServiceSpec{Proto: model.UDP, Port: &port}); ok {
		t.Fatalf("expected no name for udp/443")
	}
	if name, ok := Name(model.ServiceSpec{Proto: model.ICMP}); !ok || name != "icmp" {
		t.Fatalf("expected icmp name, got %q", name)
	}
}

func containsPort(entries []ServiceEntry, port int, protocol model.Protocol) bool {
	// Helper keeps entry inspection readable for multiple service assertions.
	for _, entry := range entries {
		if entry.Port == port && entry.Protocol == protocol {
			return true
		}
	}
	return false
}
