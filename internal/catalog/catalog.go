// Package catalog resolves addresses to the workloads and IP lists of an
// organization snapshot.
package catalog

import (
	"fmt"
	"net"
	"sort"

	"github.com/patrickmn/go-cache"
	"github.com/yl2chen/cidranger"

	"flow-policy-resolver/internal/metrics"
	"flow-policy-resolver/internal/model"
	"flow-policy-resolver/internal/utils"
)

// Membership is what the catalog knows about one address.
type Membership struct {
	Workload string
	IPLists  []string
}

// networkEntry carries every IP list href that declares the same block.
type networkEntry struct {
	network net.IPNet
	hrefs   []string
}

func (e *networkEntry) Network() net.IPNet { return e.network }

type Catalog struct {
	workloads map[string]string // address -> workload href
	names     map[string]string // href -> display name
	include   cidranger.Ranger
	exclude   cidranger.Ranger
	counts    [2]int

	memo    *cache.Cache
	metrics *metrics.Metrics
}

// New indexes the given objects. memo may be nil; when set, lookups are
// memoized in it and it can be shared across catalogs of the same snapshot.
func New(workloads []model.Workload, lists []model.IPList, memo *cache.Cache, m *metrics.Metrics) (*Catalog, error) {
	c := &Catalog{
		workloads: make(map[string]string),
		names:     make(map[string]string),
		include:   cidranger.NewPCTrieRanger(),
		exclude:   cidranger.NewPCTrieRanger(),
		counts:    [2]int{len(workloads), len(lists)},
		memo:      memo,
		metrics:   m,
	}

	for _, w := range workloads {
		if w.Href == "" {
			return nil, fmt.Errorf("workload %q has no href", w.Name)
		}
		c.names[w.Href] = w.Name
		for _, addr := range w.IPs {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("workload %s: invalid address %q", w.Href, addr)
			}
			c.workloads[ip.String()] = w.Href
		}
	}

	includes := make(map[string]*networkEntry)
	excludes := make(map[string]*networkEntry)
	for _, list := range lists {
		if list.Href == "" {
			return nil, fmt.Errorf("ip list %q has no href", list.Name)
		}
		c.names[list.Href] = list.Name
		for _, r := range list.Ranges {
			blocks, err := utils.ParseIPRange(r.Value)
			if err != nil {
				return nil, fmt.Errorf("ip list %s: %w", list.Href, err)
			}
			target := includes
			if r.Exclusion {
				target = excludes
			}
			for _, block := range blocks {
				key := block.String()
				entry, ok := target[key]
				if !ok {
					entry = &networkEntry{network: *block}
					target[key] = entry
				}
				entry.hrefs = append(entry.hrefs, list.Href)
			}
		}
	}

	for _, entry := range includes {
		if err := c.include.Insert(entry); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", entry.network.String(), err)
		}
	}
	for _, entry := range excludes {
		if err := c.exclude.Insert(entry); err != nil {
			return nil, fmt.Errorf("indexing exclusion %s: %w", entry.network.String(), err)
		}
	}
	return c, nil
}

func (c *Catalog) Len() (workloads, lists int) {
	return c.counts[0], c.counts[1]
}

// Name returns the display name of a workload or IP list href, or the href itself.
func (c *Catalog) Name(href string) string {
	if name, ok := c.names[href]; ok && name != "" {
		return name
	}
	return href
}

func (c *Catalog) Lookup(addr string) (Membership, error) {
	if c.memo != nil {
		if v, ok := c.memo.Get(addr); ok {
			c.metrics.CatalogLookup(true)
			return v.(Membership), nil
		}
	}
	c.metrics.CatalogLookup(false)

	ip := net.ParseIP(addr)
	if ip == nil {
		return Membership{}, fmt.Errorf("invalid address %q", addr)
	}

	m := Membership{Workload: c.workloads[ip.String()]}
	excluded := make(map[string]struct{})
	entries, err := c.exclude.ContainingNetworks(ip)
	if err != nil {
		return Membership{}, fmt.Errorf("lookup %s: %w", addr, err)
	}
	for _, e := range entries {
		for _, href := range e.(*networkEntry).hrefs {
			excluded[href] = struct{}{}
		}
	}

	entries, err = c.include.ContainingNetworks(ip)
	if err != nil {
		return Membership{}, fmt.Errorf("lookup %s: %w", addr, err)
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		for _, href := range e.(*networkEntry).hrefs {
			if _, skip := excluded[href]; skip {
				continue
			}
			if _, dup := seen[href]; dup {
				continue
			}
			seen[href] = struct{}{}
			m.IPLists = append(m.IPLists, href)
		}
	}
	sort.Strings(m.IPLists)

	if c.memo != nil {
		c.memo.Set(addr, m, cache.DefaultExpiration)
	}
	return m, nil
}

// Enrich fills the workload and IP lists of each side the flow record left
// empty. Sides already resolved by the authority are kept as they are.
func (c *Catalog) Enrich(flow *model.FlowRecord) error {
	if err := c.enrichSide(flow.SrcIP, &flow.SrcWorkload, &flow.SrcIPLists); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.enrichSide(flow.DstIP, &flow.DstWorkload, &flow.DstIPLists); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

func (c *Catalog) enrichSide(addr string, workload *string, lists *[]string) error {
	if *workload != "" || len(*lists) > 0 || addr == "" {
		return nil
	}
	m, err := c.Lookup(addr)
	if err != nil {
		return err
	}
	*workload = m.Workload
	if m.Workload == "" {
		*lists = m.IPLists
	}
	return nil
}
