package subdir

import (
	"context"

	"github.com/prefix-dev/repodata-gateway/internal/cachemap"
	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// recordCache is the per-package-name Coalescing Map a Subdir owns
// (spec.md §4.6), specialized to []conda.RepoDataRecord.
type recordCache struct {
	m *cachemap.Map[string, []conda.RepoDataRecord]
}

func newRecordCache() *recordCache {
	return &recordCache{m: cachemap.New[string, []conda.RepoDataRecord]()}
}

func (c *recordCache) getOrCache(ctx context.Context, name string, produce cachemap.Producer[[]conda.RepoDataRecord]) (*[]conda.RepoDataRecord, error) {
	return c.m.GetOrCache(ctx, name, produce)
}
