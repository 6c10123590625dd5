package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
	httpcachepkg "github.com/prefix-dev/repodata-gateway/internal/httpcache"
	"github.com/prefix-dev/repodata-gateway/internal/sparseindex"
)

func writeLocalShard(t *testing.T, channelDir string, platform conda.Platform, name string, records []conda.PackageRecord) {
	t.Helper()
	rel := sparseindex.ShardPath(name, "json")
	path := filepath.Join(channelDir, platform.String(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := sparseindex.WriteShard(f, records); err != nil {
		t.Fatal(err)
	}
}

func localChannel(t *testing.T, dir string) conda.Channel {
	t.Helper()
	return conda.NewChannel("file://"+dir, "conda-forge")
}

func TestFindRecursiveRecordsTransitiveClosure(t *testing.T) {
	root := t.TempDir()
	writeLocalShard(t, root, conda.Linux64, "python", []conda.PackageRecord{
		{Name: "python", Version: "3.11.0", Build: "h1", Subdir: "linux-64", Depends: []string{"libc >=2.17"}},
	})
	writeLocalShard(t, root, conda.Linux64, "libc", []conda.PackageRecord{
		{Name: "libc", Version: "2.31", Build: "h0", Subdir: "linux-64"},
	})
	// DedupePlatforms always adds NoArch to the requested platform set, and
	// a missing NoArch subdir is fatal (spec.md §4.2), so an (empty) noarch
	// directory has to exist even though this test is only about linux-64.
	if err := os.MkdirAll(filepath.Join(root, conda.NoArch.String()), 0o755); err != nil {
		t.Fatal(err)
	}

	ch := localChannel(t, root)
	g := New(nil)

	result, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("python")})
	if err != nil {
		t.Fatalf("FindRecursiveRecords: %v", err)
	}

	names := map[string]bool{}
	for _, rec := range result[ch] {
		names[rec.Name] = true
	}
	if !names["python"] || !names["libc"] {
		t.Fatalf("expected transitive closure to include python and libc, got %v", names)
	}
}

func TestFindRecursiveRecordsNoArchFoundWhenConcretePlatformMissing(t *testing.T) {
	root := t.TempDir()
	writeLocalShard(t, root, conda.NoArch, "mypkg", []conda.PackageRecord{
		{Name: "mypkg", Version: "1.0", Build: "py_0", Subdir: "noarch", NoArch: "python"},
	})
	// linux-64 directory does not exist at all.

	ch := localChannel(t, root)
	g := New(nil)

	result, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("mypkg")})
	if err != nil {
		t.Fatalf("FindRecursiveRecords: %v", err)
	}
	if len(result[ch]) != 1 || result[ch][0].Name != "mypkg" {
		t.Fatalf("expected mypkg found via noarch, got %+v", result[ch])
	}
}

func TestFindRecursiveRecordsNoArchMissingIsFatal(t *testing.T) {
	root := t.TempDir()
	writeLocalShard(t, root, conda.Linux64, "mypkg", []conda.PackageRecord{
		{Name: "mypkg", Version: "1.0", Build: "h0", Subdir: "linux-64"},
	})
	// No noarch directory at all: noarch is implicitly requested via
	// DedupePlatforms, and its absence must be fatal, not silently
	// skipped (spec.md §4.2).

	ch := localChannel(t, root)
	g := New(nil)

	_, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("mypkg")})
	if err == nil {
		t.Fatal("expected an error when the noarch subdir is entirely absent")
	}
}

func newTestFetcher(t *testing.T) *httpcachepkg.Fetcher {
	t.Helper()
	cache, err := httpcachepkg.NewDiskCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return httpcachepkg.NewFetcher(cache, http.DefaultTransport)
}

func shardBody(t *testing.T, records []conda.PackageRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := sparseindex.WriteShard(&buf, records); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestFindRecursiveRecordsCoalescesSubdirConstruction drives two
// concurrent traversals over the same (channel, platform) against a
// remote source, and asserts the names manifest and a given package's
// shard are each fetched exactly once: subdir construction and record
// fetches both go through the Gateway's Coalescing Maps regardless of
// which top-level call triggered them (spec.md §4.7, §8 testable
// property "coalescing across concurrent calls").
func TestFindRecursiveRecordsCoalescesSubdirConstruction(t *testing.T) {
	pythonShard := shardBody(t, []conda.PackageRecord{
		{Name: "python", Version: "3.11.0", Build: "h1", Subdir: "linux-64"},
	})
	var namesBuf bytes.Buffer
	sparseindex.WriteNamesManifest(&namesBuf, []sparseindex.NameEntry{{Name: "python"}})

	var namesFetches, shardFetches int32
	mux := http.NewServeMux()
	mux.HandleFunc("/linux-64/names", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&namesFetches, 1)
		w.Write(namesBuf.Bytes())
	})
	mux.HandleFunc("/linux-64/dependencies", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/linux-64/py/th/python.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&shardFetches, 1)
		w.Write(pythonShard)
	})
	// noarch must exist too, since DedupePlatforms always adds it; make it
	// an empty-but-valid subdir.
	var emptyNames bytes.Buffer
	sparseindex.WriteNamesManifest(&emptyNames, nil)
	mux.HandleFunc("/noarch/names", func(w http.ResponseWriter, r *http.Request) { w.Write(emptyNames.Bytes()) })
	mux.HandleFunc("/noarch/dependencies", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := conda.NewChannel(srv.URL, "conda-forge")
	g := New(newTestFetcher(t))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("python")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if atomic.LoadInt32(&namesFetches) != 1 {
		t.Fatalf("names manifest fetched %d times, want 1", namesFetches)
	}
	if atomic.LoadInt32(&shardFetches) != 1 {
		t.Fatalf("python shard fetched %d times, want 1", shardFetches)
	}
}

// TestFindRecursiveRecordsPrefetchHintReachesUnlinkedPackage exercises
// the prefetch-hint path (E2E-6 in spec.md §8): a package the dependency
// manifest associates with the root, but that never appears in any
// Depends field, still ends up in the result because the Gateway
// speculatively fetches it.
func TestFindRecursiveRecordsPrefetchHintReachesUnlinkedPackage(t *testing.T) {
	aShard := shardBody(t, []conda.PackageRecord{{Name: "a", Version: "1.0", Build: "h0", Subdir: "linux-64"}})
	bShard := shardBody(t, []conda.PackageRecord{{Name: "b", Version: "1.0", Build: "h0", Subdir: "linux-64"}})

	var namesBuf bytes.Buffer
	sparseindex.WriteNamesManifest(&namesBuf, []sparseindex.NameEntry{{Name: "a"}, {Name: "b"}})
	var depsBuf bytes.Buffer
	sparseindex.WriteDependenciesManifest(&depsBuf, map[string][]string{"a": {"b"}}, []string{"a", "b"})

	mux := http.NewServeMux()
	mux.HandleFunc("/linux-64/names", func(w http.ResponseWriter, r *http.Request) { w.Write(namesBuf.Bytes()) })
	mux.HandleFunc("/linux-64/dependencies", func(w http.ResponseWriter, r *http.Request) { w.Write(depsBuf.Bytes()) })
	mux.HandleFunc("/linux-64/1/a.json", func(w http.ResponseWriter, r *http.Request) { w.Write(aShard) })
	mux.HandleFunc("/linux-64/1/b.json", func(w http.ResponseWriter, r *http.Request) { w.Write(bShard) })

	var emptyNames bytes.Buffer
	sparseindex.WriteNamesManifest(&emptyNames, nil)
	mux.HandleFunc("/noarch/names", func(w http.ResponseWriter, r *http.Request) { w.Write(emptyNames.Bytes()) })
	mux.HandleFunc("/noarch/dependencies", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := conda.NewChannel(srv.URL, "conda-forge")
	g := New(newTestFetcher(t))

	result, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("a")})
	if err != nil {
		t.Fatalf("FindRecursiveRecords: %v", err)
	}

	names := map[string]bool{}
	for _, rec := range result[ch] {
		names[rec.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Fatalf("expected hint-driven expansion to reach b, got %v", names)
	}
}

func TestFindRecursiveRecordsStableReferencesAcrossCalls(t *testing.T) {
	root := t.TempDir()
	writeLocalShard(t, root, conda.Linux64, "python", []conda.PackageRecord{
		{Name: "python", Version: "3.11.0", Build: "h1", Subdir: "linux-64"},
	})
	if err := os.MkdirAll(filepath.Join(root, conda.NoArch.String()), 0o755); err != nil {
		t.Fatal(err)
	}

	ch := localChannel(t, root)
	g := New(nil)

	r1, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("python")})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	r2, err := g.FindRecursiveRecords(context.Background(), []conda.Channel{ch}, []conda.Platform{conda.Linux64}, []conda.PackageName{conda.NewPackageName("python")})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(r1[ch]) != 1 || len(r2[ch]) != 1 {
		t.Fatalf("expected exactly one python record per call, got %d and %d", len(r1[ch]), len(r2[ch]))
	}
	if r1[ch][0] != r2[ch][0] {
		t.Fatal("expected a stable pointer to the same record across separate FindRecursiveRecords calls")
	}
}
