package subdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
	"github.com/prefix-dev/repodata-gateway/internal/sparseindex"
)

// LocalSource reads per-package shards from a local directory rooted at
// "<channel>/<platform>/" (spec.md §4.4). It exposes no prefetch hints.
type LocalSource struct {
	root        string // filesystem directory for this (channel, platform)
	subdirURL   string // "file://<root>/" used to build RepoDataRecord URLs
	channelName string
}

// NewLocalSource builds a LocalSource rooted at dir, decorating records
// with channelName and the subdir's own file:// URL.
func NewLocalSource(dir, subdirURL, channelName string) *LocalSource {
	return &LocalSource{root: dir, subdirURL: subdirURL, channelName: channelName}
}

// FetchRecords implements Source. Local sources prefer uncompressed
// shards (spec.md §9): only the plain ".json" extension is tried.
func (s *LocalSource) FetchRecords(_ context.Context, name string) ([]conda.RepoDataRecord, error) {
	rel := sparseindex.ShardPath(name, "json")
	if rel == "" {
		return nil, nil
	}
	path := filepath.Join(s.root, filepath.FromSlash(rel))

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file: the package simply doesn't exist in this
			// subdir. This is not an error (spec.md §4.4).
			return nil, nil
		}
		return nil, fmt.Errorf("subdir: reading local shard %s: %w", path, err)
	}
	defer f.Close()

	records, err := sparseindex.ReadShard(f)
	if err != nil {
		return nil, fmt.Errorf("subdir: parsing local shard %s: %w", path, err)
	}

	out := make([]conda.RepoDataRecord, len(records))
	for i, r := range records {
		out[i] = r.ToRepoDataRecord(s.subdirURL, s.channelName)
	}
	return out, nil
}

// PrefetchHints implements Source: local sources carry no dependency
// manifest.
func (s *LocalSource) PrefetchHints(string) []string {
	return nil
}
