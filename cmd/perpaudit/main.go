package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"PerpAudit/internal/audit"
	"PerpAudit/internal/chain"
	"PerpAudit/internal/funding"
	"PerpAudit/internal/observability"
	"PerpAudit/internal/protocol"
	"PerpAudit/internal/report"
)

// Config holds environment-sourced settings. Run-shaping knobs (which
// markets, which blocks) come from flags instead; see main.
type Config struct {
	APIURL string
	APIKey string

	CacheDir string
	OutDir   string

	// Optional sinks; empty disables them.
	NATSURL     string
	PostgresDSN string

	// Optional Prometheus endpoint; empty disables it.
	MetricsAddr string

	RequestsPerSecond int
	PageSize          int
	SampleCap         int
	TopK              int
	ZombieTolerance   int
	Concurrency       int
}

func DefaultConfig() Config {
	return Config{
		APIURL:            envOrDefault("AUDIT_API_URL", "https://api.snowtrace.io/api"),
		APIKey:            os.Getenv("AUDIT_API_KEY"),
		CacheDir:          envOrDefault("AUDIT_CACHE_DIR", ".audit-cache"),
		OutDir:            envOrDefault("AUDIT_OUT_DIR", "reports"),
		NATSURL:           os.Getenv("AUDIT_NATS_URL"),
		PostgresDSN:       os.Getenv("AUDIT_POSTGRES_DSN"),
		MetricsAddr:       os.Getenv("AUDIT_METRICS_ADDR"),
		RequestsPerSecond: envIntOrDefault("AUDIT_RPS", 2),
		PageSize:          envIntOrDefault("AUDIT_PAGE_SIZE", chain.DefaultPageSize),
		SampleCap:         envIntOrDefault("AUDIT_SAMPLE_CAP", 100),
		TopK:              envIntOrDefault("AUDIT_TOP_K", 20),
		ZombieTolerance:   envIntOrDefault("AUDIT_ZOMBIE_TOLERANCE_BLOCKS", 0),
		Concurrency:       envIntOrDefault("AUDIT_CONCURRENCY", audit.DefaultConcurrency),
	}
}

func main() {
	var (
		all       = flag.Bool("all", false, "audit every discovered market")
		sample    = flag.Int("sample", 0, "audit only the first N markets")
		markets   = flag.String("markets", "", "comma-separated market numbers to audit")
		fromBlock = flag.Uint64("from-block", protocol.DeployBlock, "first block to scan for events")
		toBlock   = flag.Uint64("to-block", 0, "boundary block (0 = chain head at start)")
		refPrice  = flag.String("ref-price", "", "reference price in oracle units (default: latest entry price per market)")
		outDir    = flag.String("out", "", "report output directory (overrides AUDIT_OUT_DIR)")
		timeout   = flag.Duration("timeout", 30*time.Minute, "overall run deadline")
	)
	flag.Parse()

	cfg := DefaultConfig()
	if *outDir != "" {
		cfg.OutDir = *outDir
	}

	log := observability.NewLogger("perpaudit")
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	opts := audit.Options{
		Registry:              protocol.MarketRegistry,
		Stablecoin:            protocol.Stablecoin,
		StartBlock:            *fromBlock,
		BoundaryBlock:         *toBlock,
		PageSize:              cfg.PageSize,
		SampleCap:             cfg.SampleCap,
		TopK:                  cfg.TopK,
		ZombieToleranceBlocks: uint64(cfg.ZombieTolerance),
		FundingParams:         funding.DefaultParams(),
		StaleFactor:           funding.DefaultStaleFactor,
		Concurrency:           cfg.Concurrency,
	}

	if !*all {
		if *markets != "" {
			nums, err := parseMarketNumbers(*markets)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid --markets")
			}
			opts.MarketNumbers = nums
		} else if *sample > 0 {
			opts.SampleSize = *sample
		} else {
			opts.SampleSize = 1
		}
	}

	if *refPrice != "" {
		p, ok := new(big.Int).SetString(*refPrice, 10)
		if !ok || p.Sign() <= 0 {
			log.Fatal().Str("ref_price", *refPrice).Msg("invalid --ref-price")
		}
		opts.ReferencePrice = p
	}

	// --- Gateway ---
	cache, err := chain.NewCache(cfg.CacheDir)
	if err != nil {
		log.Fatal().Err(err).Msg("cache init failed")
	}
	client := chain.NewClient(cfg.APIURL,
		chain.WithAPIKey(cfg.APIKey),
		chain.WithLimiter(rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)),
		chain.WithCache(cache),
		chain.WithLogger(observability.NewLogger("gateway")),
		chain.WithMetrics(metrics),
	)

	// --- Sinks ---
	emitters := report.Multi{report.NewJSONEmitter(cfg.OutDir)}

	if cfg.NATSURL != "" {
		nc, js, err := report.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect failed")
		}
		defer nc.Close()
		if err := report.EnsureReportStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("report stream setup failed")
		}
		emitters = append(emitters, report.NewPublisher(js, observability.NewLogger("publisher")))
		log.Info().Str("url", cfg.NATSURL).Msg("NATS sink attached")
	}

	var store *report.Store
	if cfg.PostgresDSN != "" {
		store, err = report.OpenStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connect failed")
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres schema setup failed")
		}
		emitters = append(emitters, store)
		log.Info().Msg("Postgres sink attached")
	}

	// --- Metrics endpoint ---
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	// --- Run ---
	runner := audit.NewRunner(client, emitters, store, opts, log, metrics)
	summary, err := runner.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("audit run failed")
		os.Exit(1)
	}

	// Findings are results, not failures: the exit code only reflects
	// whether the auditor itself ran to completion.
	if summary.MarketsFailed > 0 {
		log.Warn().Int("failed", summary.MarketsFailed).Msg("some market pipelines did not complete")
	}
}

func parseMarketNumbers(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("market number %q", p)
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
