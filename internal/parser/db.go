package parser

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"flow-policy-resolver/internal/model"

	_ "github.com/go-sql-driver/mysql"
)

// MariaDBCatalog loads a catalog snapshot from the cfg_workload and
// cfg_ip_list tables. Addresses and ranges are stored as JSON arrays.
type MariaDBCatalog struct {
	db *sql.DB
}

func NewMariaDBCatalog(dsn string) (*MariaDBCatalog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &MariaDBCatalog{db: db}, nil
}

func (p *MariaDBCatalog) Close() {
	p.db.Close()
}

func (p *MariaDBCatalog) Load(ctx context.Context) (*CatalogSnapshot, error) {
	workloads, err := p.loadWorkloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workloads: %w", err)
	}
	lists, err := p.loadIPLists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip lists: %w", err)
	}
	slog.Info("Catalog loaded from MariaDB", "workloads", len(workloads), "ip_lists", len(lists))
	return &CatalogSnapshot{Workloads: workloads, IPLists: lists}, nil
}

func (p *MariaDBCatalog) loadWorkloads(ctx context.Context) ([]model.Workload, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT href, name, ip_addresses FROM cfg_workload ORDER BY href")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workloads []model.Workload
	for rows.Next() {
		var w model.Workload
		var name sql.NullString
		var ipsJSON string
		if err := rows.Scan(&w.Href, &name, &ipsJSON); err != nil {
			return nil, err
		}
		w.Name = name.String
		if err := json.Unmarshal([]byte(ipsJSON), &w.IPs); err != nil {
			return nil, fmt.Errorf("workload %s: invalid ip_addresses: %w", w.Href, err)
		}
		workloads = append(workloads, w)
	}
	return workloads, rows.Err()
}

type dbRange struct {
	Value     string `json:"value"`
	Exclusion bool   `json:"exclusion"`
}

func (p *MariaDBCatalog) loadIPLists(ctx context.Context) ([]model.IPList, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT href, name, ip_ranges FROM cfg_ip_list ORDER BY href")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []model.IPList
	for rows.Next() {
		var l model.IPList
		var name sql.NullString
		var rangesJSON string
		if err := rows.Scan(&l.Href, &name, &rangesJSON); err != nil {
			return nil, err
		}
		l.Name = name.String
		ranges, err := decodeRanges(rangesJSON)
		if err != nil {
			return nil, fmt.Errorf("ip list %s: %w", l.Href, err)
		}
		l.Ranges = ranges
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func decodeRanges(raw string) ([]model.IPRange, error) {
	var entries []dbRange
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("invalid ip_ranges: %w", err)
	}
	ranges := make([]model.IPRange, 0, len(entries))
	for _, e := range entries {
		if e.Value == "" {
			return nil, fmt.Errorf("ip range without value")
		}
		ranges = append(ranges, model.IPRange{Value: e.Value, Exclusion: e.Exclusion})
	}
	return ranges, nil
}
