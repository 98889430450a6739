package parser

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"flow-policy-resolver/internal/model"
)

// CatalogSnapshot is the set of workloads and IP lists of one organization.
type CatalogSnapshot struct {
	Workloads []model.Workload `yaml:"workloads"`
	IPLists   []model.IPList   `yaml:"ip_lists"`
}

func LoadCatalogFile(path string) (*CatalogSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer f.Close()

	snap, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// ParseCatalog decodes a YAML catalog. Unknown keys are rejected.
func ParseCatalog(r io.Reader) (*CatalogSnapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var snap CatalogSnapshot
	if err := dec.Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return &snap, nil
		}
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]struct{})
	for _, w := range snap.Workloads {
		if err := checkHref(seen, w.Href, "workload", w.Name); err != nil {
			return nil, err
		}
	}
	for _, l := range snap.IPLists {
		if err := checkHref(seen, l.Href, "ip list", l.Name); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

func checkHref(seen map[string]struct{}, href, kind, name string) error {
	if href == "" {
		return fmt.Errorf("%s %q has no href", kind, name)
	}
	if _, dup := seen[href]; dup {
		return fmt.Errorf("duplicate href %s", href)
	}
	seen[href] = struct{}{}
	return nil
}
