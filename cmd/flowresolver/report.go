package main

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"flow-policy-resolver/internal/catalog"
	"flow-policy-resolver/internal/model"
	"flow-policy-resolver/pkg/wellknown"
)

var reportHeader = []string{
	"src_ip", "src_workload", "src_ip_lists",
	"dst_ip", "dst_workload", "dst_ip_lists",
	"service_label", "protocol", "port", "windows_service",
	"processes", "users", "connections", "first_seen", "last_seen",
	"policy_decision", "draft_decision",
}

// writeReports writes every flow to outPath and the allowed ones to routablePath.
func writeReports(flows []*model.FlowRecord, cat *catalog.Catalog, outPath, routablePath string) error {
	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	routable, err := os.Create(routablePath)
	if err != nil {
		return fmt.Errorf("failed to create routable file: %w", err)
	}
	defer routable.Close()

	outWriter := csv.NewWriter(outFile)
	routableWriter := csv.NewWriter(routable)
	outWriter.Write(reportHeader)
	routableWriter.Write(reportHeader)

	var allowed int
	for _, flow := range flows {
		record := reportRecord(flow, cat)
		if err := outWriter.Write(record); err != nil {
			return err
		}
		if flow.Decision == model.DecisionAllowed {
			if err := routableWriter.Write(record); err != nil {
				return err
			}
			allowed++
		}
	}

	outWriter.Flush()
	routableWriter.Flush()
	if err := outWriter.Error(); err != nil {
		return err
	}
	if err := routableWriter.Error(); err != nil {
		return err
	}
	slog.Info("Reports written", "output_file", outPath, "routable_file", routablePath, "flows", len(flows), "allowed", allowed)
	return nil
}

func reportRecord(flow *model.FlowRecord, cat *catalog.Catalog) []string {
	label, ok := wellknown.Name(flow.Service)
	if !ok {
		label = flow.Service.String()
	}
	port := ""
	if flow.Service.Port != nil {
		port = strconv.Itoa(*flow.Service.Port)
	}
	return []string{
		flow.SrcIP,
		displayName(cat, flow.SrcWorkload),
		displayNames(cat, flow.SrcIPLists),
		flow.DstIP,
		displayName(cat, flow.DstWorkload),
		displayNames(cat, flow.DstIPLists),
		label,
		flow.Service.Proto.String(),
		port,
		flow.Service.WindowsServiceName,
		strings.Join(flow.Processes, ";"),
		strings.Join(flow.Users, ";"),
		strconv.Itoa(flow.NumConnections),
		formatTime(flow.FirstSeen),
		formatTime(flow.LastSeen),
		flow.PolicyDecision,
		string(flow.Decision),
	}
}

func displayName(cat *catalog.Catalog, href string) string {
	if cat == nil || href == "" {
		return href
	}
	return cat.Name(href)
}

func displayNames(cat *catalog.Catalog, hrefs []string) string {
	names := make([]string, len(hrefs))
	for i, href := range hrefs {
		names[i] = displayName(cat, href)
	}
	return strings.Join(names, ";")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
