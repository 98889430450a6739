package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"flow-policy-resolver/internal/authority"
	"flow-policy-resolver/internal/catalog"
	"flow-policy-resolver/internal/config"
	"flow-policy-resolver/internal/engine"
	"flow-policy-resolver/internal/metrics"
	"flow-policy-resolver/internal/model"
	"flow-policy-resolver/internal/parser"
)

const version = "1.0-go"

var (
	cfgFile      string
	flowsFile    string
	flowsFormat  string
	outFile      string
	routableFile string
	mergeFlows   bool
)

// viper key -> flag name
var boundFlags = map[string]string{
	"authority.url":              "authority-url",
	"authority.org_id":           "org-id",
	"authority.api_key":          "api-key",
	"authority.api_secret":       "api-secret",
	"authority.timeout":          "timeout",
	"authority.rate_limit":       "rate-limit",
	"resolver.batch_size":        "batch-size",
	"resolver.boundary":          "boundary",
	"resolver.parallel":          "parallel",
	"resolver.catch_all_ip_list": "catch-all",
	"catalog.provider":           "provider",
	"catalog.path":               "catalog",
	"catalog.dsn":                "db",
	"log.level":                  "log-level",
	"log.file":                   "log-file",
	"metrics.file":               "metrics-file",
}

func newRootCmd() *cobra.Command {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:   "flowresolver",
		Short: "Resolves observed traffic flows against the draft security policy",
		Long: `flowresolver reads observed traffic flows and asks the policy authority
	whether each one would be allowed, blocked, or blocked by a boundary rule
	under the draft policy, using one deduplicated query per endpoint pair.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: flowresolver.yaml in ., $HOME/.flowresolver, /etc/flowresolver)")
	flags.StringVar(&flowsFile, "flows", "", "Flow file: explorer JSON export or CSV (required)")
	flags.StringVar(&flowsFormat, "format", "", "Flow file format: 'json' or 'csv' (default: from extension)")
	flags.StringVar(&outFile, "out", "results.csv", "Output CSV file for all flows")
	flags.StringVar(&routableFile, "routable", "routable.csv", "Output CSV file for allowed flows")
	flags.BoolVar(&mergeFlows, "merge", false, "Merge flows that differ only in process, user and time range")

	flags.String("authority-url", "", "Policy authority base URL, e.g. https://pce.example.com:8443")
	flags.Int("org-id", 1, "Organization id")
	flags.String("api-key", "", "API key user")
	flags.String("api-secret", "", "API key secret")
	flags.Duration("timeout", 60*time.Second, "Timeout of one authority request")
	flags.Float64("rate-limit", 2, "Maximum authority requests per second")
	flags.Int("batch-size", engine.DefaultBatchSize, "Endpoint pair queries per authority request")
	flags.Bool("boundary", true, "Request boundary (deny) rule coverage")
	flags.Bool("parallel", false, "Run the three query managers concurrently")
	flags.String("catch-all", engine.DefaultCatchAllIPList, "Href of the IP list every address belongs to")
	flags.String("provider", "none", "Catalog provider: 'file', 'mariadb' or 'none'")
	flags.String("catalog", "", "Catalog YAML file (for 'file' provider)")
	flags.String("db", "", "Database connection string (for 'mariadb' provider)")
	flags.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("log-file", "", "Log file path (default: stderr)")
	flags.String("metrics-file", "", "Write Prometheus metrics to this textfile after the run")

	rootCmd.MarkFlagRequired("flows")
	bindFlags(v, flags)

	return rootCmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for key, name := range boundFlags {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	// --- 1. Configuration and logging ---
	if err := config.ReadFile(v, cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := setupLogger(cfg.Log).With("run_id", runID)
	slog.SetDefault(logger)

	slog.Info("Starting flow policy resolver", "version", version, "config", v.ConfigFileUsed())
	startTime := time.Now()

	m := metrics.New()
	defer func() {
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			slog.Error("Failed to write metrics file", "path", cfg.MetricsFile, "error", err)
		}
	}()

	// --- 2. Load flows ---
	flows, err := loadFlows(flowsFile, flowsFormat)
	if err != nil {
		slog.Error("Failed to load flows", "path", flowsFile, "error", err)
		return err
	}
	slog.Info("Flows loaded", "count", len(flows))

	// --- 3. Enrich from the catalog ---
	cat, err := loadCatalog(ctx, cfg.Catalog, m)
	if err != nil {
		slog.Error("Failed to load catalog", "provider", cfg.Catalog.Provider, "error", err)
		return err
	}
	if cat != nil {
		for i, flow := range flows {
			if err := cat.Enrich(flow); err != nil {
				slog.Error("Failed to enrich flow", "index", i, "error", err)
				return fmt.Errorf("flow %d: %w", i, err)
			}
		}
	}

	// --- 4. Resolve ---
	client, err := authority.NewClient(cfg.Authority, m)
	if err != nil {
		return err
	}
	resolver := engine.NewResolver(client,
		engine.WithBatchSize(cfg.Resolver.BatchSize),
		engine.WithBoundary(cfg.Resolver.Boundary),
		engine.WithCatchAllIPList(cfg.Resolver.CatchAllIPList),
		engine.WithParallel(cfg.Resolver.Parallel),
		engine.WithMetrics(m),
	)

	progressDone := make(chan struct{})
	go reportProgress(resolver, 5*time.Second, progressDone)
	err = resolver.Resolve(ctx, flows)
	close(progressDone)
	if err != nil {
		slog.Error("Failed to resolve flows", "error", err)
		return err
	}

	stats := resolver.Stats()
	slog.Info("Flows resolved",
		"flows", stats.Flows,
		"queries", stats.Queries,
		"batches", stats.Batches,
		"allowed", stats.Decisions[model.DecisionAllowed],
		"blocked", stats.Decisions[model.DecisionBlocked],
		"blocked_by_boundary", stats.Decisions[model.DecisionBlockedByBoundary])

	// --- 5. Reports ---
	if mergeFlows {
		before := len(flows)
		flows = engine.MergeFlows(flows)
		slog.Info("Flows merged", "before", before, "after", len(flows))
	}
	if err := writeReports(flows, cat, outFile, routableFile); err != nil {
		slog.Error("Failed to write reports", "error", err)
		return err
	}

	slog.Info("Resolution complete", "duration", time.Since(startTime))
	return nil
}

func reportProgress(r *engine.Resolver, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var lastLogged int64
	for {
		select {
		case <-ticker.C:
			sent, planned := r.Progress()
			if sent == lastLogged || planned == 0 {
				continue
			}
			percent := float64(sent) / float64(planned) * 100
			slog.Info("Progress", "batches_sent", sent, "batches_planned", planned, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = sent
		case <-done:
			return
		}
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if cfg.File != "" {
		logWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	var lvl slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}

func loadFlows(path, format string) ([]*model.FlowRecord, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			format = "csv"
		default:
			format = "json"
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch strings.ToLower(format) {
	case "json":
		return parser.ParseTrafficLog(file)
	case "csv":
		return parser.ParseFlowCSV(file)
	default:
		return nil, fmt.Errorf("unknown flow format: %s", format)
	}
}

// loadCatalog returns nil when no catalog provider is configured.
func loadCatalog(ctx context.Context, cfg config.CatalogConfig, m *metrics.Metrics) (*catalog.Catalog, error) {
	var snap *parser.CatalogSnapshot
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("catalog file path must be provided for file provider")
		}
		s, err := parser.LoadCatalogFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		snap = s
	case "mariadb":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database connection string must be provided for mariadb provider")
		}
		p, err := parser.NewMariaDBCatalog(cfg.DSN)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		s, err := p.Load(ctx)
		if err != nil {
			return nil, err
		}
		snap = s
	default:
		return nil, fmt.Errorf("unknown catalog provider: %s", cfg.Provider)
	}

	memo := cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	cat, err := catalog.New(snap.Workloads, snap.IPLists, memo, m)
	if err != nil {
		return nil, err
	}
	workloads, lists := cat.Len()
	slog.Info("Catalog indexed", "provider", cfg.Provider, "workloads", workloads, "ip_lists", lists)
	return cat, nil
}
