package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
	"github.com/prefix-dev/repodata-gateway/internal/config"
	"github.com/prefix-dev/repodata-gateway/internal/gateway"
	"github.com/prefix-dev/repodata-gateway/internal/httpcache"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget
	// available). Usage: repodata-gateway -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := newCache(ctx, cfg)
	if err != nil {
		slog.Error("failed to create cache store", "backend", cfg.CacheBackend, "error", err)
		os.Exit(1)
	}
	fetcher := httpcache.NewFetcher(cache, http.DefaultTransport)

	var subdirsReady, recordsReady atomic.Int64
	gw := gateway.New(fetcher,
		gateway.WithConcurrency(cfg.Concurrency),
		gateway.WithOnProgress(func(evt gateway.ProgressEvent) {
			switch evt.Kind {
			case gateway.ProgressSubdirReady:
				subdirsReady.Add(1)
			case gateway.ProgressRecordsReady:
				recordsReady.Add(1)
			}
		}),
	)

	var metricsServer *http.Server
	if addr := os.Getenv("GATEWAY_METRICS_ADDR"); addr != "" {
		metricsServer = startMetricsServer(addr, &subdirsReady, &recordsReady)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	channels := make([]conda.Channel, 0, len(cfg.Channels))
	for _, base := range cfg.Channels {
		channels = append(channels, conda.NewChannel(base, ""))
	}

	roots := make([]conda.PackageName, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		roots = append(roots, conda.NewPackageName(arg))
	}
	if len(roots) == 0 {
		fmt.Fprintln(os.Stderr, "usage: repodata-gateway <package-name> [package-name...]")
		os.Exit(1)
	}

	slog.Info("starting traversal", "channels", cfg.Channels, "platforms", cfg.Platforms, "roots", len(roots), "concurrency", cfg.Concurrency)

	result, err := gw.FindRecursiveRecords(ctx, channels, cfg.Platforms, roots)
	if err != nil {
		slog.Error("traversal failed", "error", err)
		os.Exit(1)
	}

	total := 0
	for ch, records := range result {
		slog.Info("channel resolved", "channel", ch.Name, "records", len(records))
		total += len(records)
	}
	slog.Info("traversal complete", "total_records", total)
}

func newCache(ctx context.Context, cfg config.Config) (httpcache.Store, error) {
	switch cfg.CacheBackend {
	case "s3":
		return httpcache.NewS3Cache(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
	case "fs":
		return httpcache.NewDiskCache(cfg.CacheDir)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.CacheBackend)
	}
}

// startMetricsServer exposes a debug endpoint over cleartext HTTP/2
// (h2c). It reports traversal progress counters rather than proxying
// anything, since the gateway has no inbound request surface of its own.
func startMetricsServer(addr string, subdirsReady, recordsReady *atomic.Int64) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug/progress", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"subdirs_ready":%d,"records_ready":%d}`, subdirsReady.Load(), recordsReady.Load())
	})

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(mux, h2s),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return server
}
