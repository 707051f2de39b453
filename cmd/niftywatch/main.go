// niftywatch polls a Solana cluster for marketplace block and entry
// state, keeps an in-memory cache current, and persists each observed
// entry change so state survives restarts. Prometheus metrics are
// exposed over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/niftylabs/nifty-go/pkg/cluster"
	"github.com/niftylabs/nifty-go/pkg/entrystore"
	"github.com/niftylabs/nifty-go/pkg/rpcpool"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	endpoints     = flag.String("endpoints", "", "Comma-separated RPC endpoint URLs (empty = default mainnet set)")
	dbPath        = flag.String("db", "/var/lib/niftywatch/entries.db", "Entry store database path")
	metricsAddr   = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address (empty = disabled)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	clockInterval = flag.Duration("clock-interval", 0, "Cluster clock sampling interval (0 = default)")
	crawlInterval = flag.Duration("crawl-interval", 0, "Block crawl interval (0 = default)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("niftywatch %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log, err := buildLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("niftywatch failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	log.Info("starting niftywatch", zap.String("version", Version), zap.String("commit", GitCommit))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool := rpcpool.NewPool()
	pool.SetLogger(log.Named("rpcpool"))
	pool.SetMetrics(rpcpool.NewMetrics(registry))

	targets := parseTargets(*endpoints)
	log.Info("configuring endpoints", zap.Int("count", len(targets)))
	if err := pool.Configure(ctx, targets); err != nil {
		return fmt.Errorf("configure endpoints: %w", err)
	}
	genesis, _ := pool.Genesis()
	log.Info("cluster pinned", zap.Stringer("genesis", genesis))

	store, err := entrystore.Open(entrystore.Config{Path: *dbPath})
	if err != nil {
		return fmt.Errorf("open entry store: %w", err)
	}
	defer store.Close()

	if err := store.CheckGenesis(genesis); err != nil {
		if !errors.Is(err, entrystore.ErrGenesisMismatch) {
			return fmt.Errorf("check entry store genesis: %w", err)
		}
		log.Warn("entry store belongs to a different cluster, resetting")
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset entry store: %w", err)
		}
		if err := store.CheckGenesis(genesis); err != nil {
			return fmt.Errorf("check entry store genesis: %w", err)
		}
	}

	if count, err := store.Count(); err == nil && count > 0 {
		log.Info("entry store loaded", zap.Int("records", count))
	}

	var cl *cluster.Cluster
	persist := func(e *cluster.Entry) {
		clk := cl.Clock()
		if clk == nil {
			// No clock sample yet; the entry persists on its next change.
			return
		}
		rec := entrystore.RecordEntry(e, clk)
		if err := store.PutEntry(rec); err != nil {
			log.Warn("persist entry failed", zap.Stringer("entry", e.Pubkey), zap.Error(err))
		}
	}
	cl = cluster.New(pool, cluster.Config{
		Logger:        log.Named("cluster"),
		ClockInterval: *clockInterval,
		CrawlInterval: *crawlInterval,
		Callbacks: cluster.Callbacks{
			OnNewEntry: func(e *cluster.Entry) {
				log.Debug("new entry", zap.Stringer("entry", e.Pubkey))
				persist(e)
			},
			OnEntryChanged: func(e *cluster.Entry) {
				log.Debug("entry changed", zap.Stringer("entry", e.Pubkey))
				persist(e)
			},
			OnEntriesUpdateComplete: func() {
				log.Info("crawl complete", zap.Int("entries", cl.EntryCount()))
			},
		},
	})
	cl.Start(ctx)

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Info("metrics server listening", zap.String("addr", *metricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
		shutdownCancel()
	}
	cl.Shutdown()
	log.Info("shutdown complete")
	return nil
}

// parseTargets turns the comma-separated endpoint list into pool
// targets. Explicit endpoints carry no budgets; operators running
// against rate-limited public endpoints should use the default set.
func parseTargets(list string) []rpcpool.Target {
	if list == "" {
		return rpcpool.DefaultTargets()
	}
	var targets []rpcpool.Target
	for _, url := range strings.Split(list, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		targets = append(targets, rpcpool.Target{URL: url})
	}
	return targets
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
