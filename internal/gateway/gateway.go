// Package gateway implements the Gateway from spec.md §4.7: the
// recursive, cross-channel, cross-platform concurrent traversal that
// expands a seed set of package names into a closed set of records.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/prefix-dev/repodata-gateway/internal/cachemap"
	"github.com/prefix-dev/repodata-gateway/internal/conda"
	httpcachepkg "github.com/prefix-dev/repodata-gateway/internal/httpcache"
	"github.com/prefix-dev/repodata-gateway/internal/subdir"
)

// DefaultConcurrency is the default bound on in-flight fetch futures
// (spec.md §4.7: "K is an implementation parameter, e.g. 100").
const DefaultConcurrency = 100

type subdirKey struct {
	channel  string
	platform conda.Platform
}

// SourceConfig overrides how a specific (channel, platform) subdir is
// constructed, instead of the default scheme-sniffed behavior
// (SPEC_FULL.md "Supplemented features" #1, grounded on
// original_source/crates/rattler_repodata_gateway/src/gateway/mod.rs's
// per-subdir source configuration).
type SourceConfig struct {
	// ShardExt overrides the shard extension requested from a remote
	// subdir, e.g. "json.zst" for zstd-compressed channels. Empty means
	// "json".
	ShardExt string
}

// ProgressEvent reports a gateway milestone to an optional observer
// (SPEC_FULL.md "Supplemented features" #4).
type ProgressEvent struct {
	Channel  string
	Platform conda.Platform
	Name     string
	Kind     ProgressKind
}

// ProgressKind enumerates the milestones a Gateway reports.
type ProgressKind int

const (
	// ProgressSubdirReady fires once a (channel, platform) subdir is
	// constructed (or found absent).
	ProgressSubdirReady ProgressKind = iota
	// ProgressRecordsReady fires once a package's records are fetched.
	ProgressRecordsReady
)

// Gateway holds a caching HTTP Fetcher and a Coalescing Map keyed by
// (channel, platform) whose values are optional Subdirs (spec.md §4.7).
type Gateway struct {
	fetcher     *httpcachepkg.Fetcher
	concurrency int64
	subdirs     *cachemap.Map[subdirKey, *subdir.Subdir]
	overrides   map[subdirKey]SourceConfig
	onProgress  func(ProgressEvent)
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithConcurrency overrides DefaultConcurrency for the bound on in-flight
// fetch futures (spec.md §4.7, §5 "Backpressure").
func WithConcurrency(k int64) Option {
	return func(g *Gateway) { g.concurrency = k }
}

// WithOnProgress installs a progress observer
// (SPEC_FULL.md "Supplemented features" #4). Never required for
// correctness.
func WithOnProgress(fn func(ProgressEvent)) Option {
	return func(g *Gateway) { g.onProgress = fn }
}

// New builds a Gateway whose remote fetches go through fetcher.
func New(fetcher *httpcachepkg.Fetcher, opts ...Option) *Gateway {
	g := &Gateway{
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		subdirs:     cachemap.New[subdirKey, *subdir.Subdir](),
		overrides:   map[subdirKey]SourceConfig{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// WithSourceConfig forces channel/platform to use cfg when its subdir is
// first constructed. Must be called before the pair is first requested;
// later calls are ignored once construction has happened.
//
// (SPEC_FULL.md "Supplemented features" #1.)
func (g *Gateway) WithSourceConfig(channel conda.Channel, platform conda.Platform, cfg SourceConfig) *Gateway {
	g.overrides[subdirKey{channel.Key(), platform}] = cfg
	return g
}

func (g *Gateway) report(evt ProgressEvent) {
	if g.onProgress != nil {
		g.onProgress(evt)
	}
}

// getOrCacheSubdir returns the Subdir for (channel, platform), building it
// on first use. A nil Subdir with a nil error means "tried and not found
// on a non-NoArch platform" (spec.md §4.7).
func (g *Gateway) getOrCacheSubdir(ctx context.Context, channel conda.Channel, platform conda.Platform) (*subdir.Subdir, error) {
	key := subdirKey{channel.Key(), platform}
	val, err := g.subdirs.GetOrCache(ctx, key, func(ctx context.Context) (*subdir.Subdir, error) {
		sd, err := g.buildSubdir(ctx, channel, platform)
		if err == nil {
			g.report(ProgressEvent{Channel: channel.Name, Platform: platform, Kind: ProgressSubdirReady})
		}
		return sd, err
	})
	if err != nil {
		return nil, err
	}
	return *val, nil
}

// buildSubdir applies the subdir construction policy from spec.md §4.7:
// classify errors so that NotFound on a non-NoArch platform becomes
// Ok(None) with an info-level log, while any other error — or NotFound for
// NoArch — propagates.
func (g *Gateway) buildSubdir(ctx context.Context, channel conda.Channel, platform conda.Platform) (*subdir.Subdir, error) {
	isLocal, err := channel.IsLocal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conda.ErrInvalidURL, err)
	}

	rootURL := strings.TrimSuffix(channel.PlatformURL(platform), "/")

	var source subdir.Source
	var localDir string
	if isLocal {
		dir, err := localDirFromFileURL(rootURL)
		if err != nil {
			return nil, &conda.SubdirConstructionError{Channel: channel.Name, Platform: platform.String(), Cause: err}
		}
		localDir = dir
		source = subdir.NewLocalSource(dir, rootURL+"/", channel.Name)
	} else {
		cfg := g.overrides[subdirKey{channel.Key(), platform}]
		remote, err := subdir.NewRemoteSource(ctx, g.fetcher, rootURL, channel.Name, cfg.ShardExt)
		if err != nil {
			if conda.IsNotFound(err) {
				if !platform.IsNoArch() {
					slog.Info("subdir not found, skipping", "channel", channel.Name, "platform", platform)
					return nil, nil
				}
				return nil, &conda.SubdirConstructionError{Channel: channel.Name, Platform: platform.String(), Cause: err}
			}
			return nil, &conda.SubdirConstructionError{Channel: channel.Name, Platform: platform.String(), Cause: err}
		}
		source = remote
	}

	// A local subdir's FetchRecords treats a missing shard file as
	// "package absent", but a wholly missing platform directory should
	// follow the same NoArch/non-NoArch asymmetry as the remote case.
	if isLocal {
		if err := statDir(localDir); err != nil {
			if !platform.IsNoArch() {
				slog.Info("local subdir not found, skipping", "channel", channel.Name, "platform", platform)
				return nil, nil
			}
			return nil, &conda.SubdirConstructionError{Channel: channel.Name, Platform: platform.String(), Cause: err}
		}
	}

	return subdir.New(source), nil
}

// statDir reports an error if dir does not exist or is not a directory.
func statDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("gateway: %q is not a directory", dir)
	}
	return nil
}

func localDirFromFileURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway: parsing local channel url %q: %w", raw, err)
	}
	if u.Scheme != "file" && u.Scheme != "" {
		return "", fmt.Errorf("gateway: %q is not a file:// url", raw)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	return path, nil
}

// newConcurrencyLimiter builds the semaphore.Weighted used to bound
// in-flight fetch futures (spec.md §4.7 step 3).
func newConcurrencyLimiter(k int64) *semaphore.Weighted {
	if k <= 0 {
		k = DefaultConcurrency
	}
	return semaphore.NewWeighted(k)
}
