// Package subdir implements the per-(channel, platform) sources described
// in spec.md §4.4-§4.6: a Local source reading sparse-index shards off
// disk, a Remote source fetching them over HTTP, and a Subdir wrapper that
// memoizes per-package-name record lists behind a Coalescing Map.
package subdir

import (
	"context"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// Source is the capability set a subdir source exposes (spec.md §9:
// "Polymorphic sources"). Local and Remote are its only implementations;
// Subdir's consumers never see which one they're talking to.
type Source interface {
	// FetchRecords returns every RepoDataRecord in name's shard. A shard
	// that doesn't exist is not an error: it returns an empty, nil-error
	// result.
	FetchRecords(ctx context.Context, name string) ([]conda.RepoDataRecord, error)

	// PrefetchHints returns dependency names likely needed after name,
	// without a network round trip, or nil if the source has no such
	// information.
	PrefetchHints(name string) []string
}

// Subdir wraps a Source and owns a per-package-name Coalescing Map so
// concurrent requests for the same name share one fetch.
type Subdir struct {
	source Source
	cache  *recordCache
}

// New wraps source in a Subdir.
func New(source Source) *Subdir {
	return &Subdir{source: source, cache: newRecordCache()}
}

// GetOrCacheRecords returns a stable reference to the record slice for
// name, fetching it from the underlying source on first request.
func (s *Subdir) GetOrCacheRecords(ctx context.Context, name string) (*[]conda.RepoDataRecord, error) {
	return s.cache.getOrCache(ctx, name, func(ctx context.Context) ([]conda.RepoDataRecord, error) {
		return s.source.FetchRecords(ctx, name)
	})
}

// PrefetchHints forwards to the underlying source.
func (s *Subdir) PrefetchHints(name string) []string {
	return s.source.PrefetchHints(name)
}
