// Package config loads the gateway's process-wide configuration from
// environment variables, following the teacher's envOr/parseLogLevel
// idiom in internal/config/config.go.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config is the gateway's runtime configuration (SPEC_FULL.md "Ambient
// stack").
type Config struct {
	// CacheDir is where the disk-backed HTTP cache persists entries.
	CacheDir string
	// Concurrency bounds the Gateway's in-flight fetch futures
	// (gateway.WithConcurrency).
	Concurrency int64

	// CacheBackend selects the cache-policy store: "fs" (default) or "s3".
	CacheBackend     string
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	// Channels and Platforms seed the cmd/repodata-gateway driver's
	// default traversal.
	Channels  []string
	Platforms []conda.Platform

	LogLevel slog.Level
}

// Load reads Config from the environment, applying the same defaults a
// production deployment would get if it set nothing.
func Load() Config {
	concurrency, err := strconv.ParseInt(envOr("GATEWAY_CONCURRENCY", "100"), 10, 64)
	if err != nil || concurrency <= 0 {
		concurrency = 100
	}

	return Config{
		CacheDir:         envOr("GATEWAY_CACHE_DIR", "/var/cache/repodata-gateway"),
		Concurrency:      concurrency,
		CacheBackend:     envOr("GATEWAY_CACHE_BACKEND", "fs"),
		S3Bucket:         envOr("GATEWAY_S3_BUCKET", "repodata-gateway-cache"),
		S3Prefix:         os.Getenv("GATEWAY_S3_PREFIX"),
		S3ForcePathStyle: envOr("GATEWAY_S3_FORCE_PATH_STYLE", "true") == "true",
		Channels:         splitCSV(envOr("GATEWAY_CHANNELS", "https://conda.anaconda.org/conda-forge")),
		Platforms:        parsePlatforms(envOr("GATEWAY_PLATFORMS", "linux-64")),
		LogLevel:         parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePlatforms(s string) []conda.Platform {
	raw := splitCSV(s)
	out := make([]conda.Platform, 0, len(raw))
	for _, p := range raw {
		out = append(out, conda.Platform(p))
	}
	return conda.DedupePlatforms(out)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
