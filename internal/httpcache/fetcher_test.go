package httpcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetcherServesFreshFromCacheWithoutNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=3600")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	f := NewFetcher(cache, http.DefaultTransport)

	for i := 0; i < 3; i++ {
		resp, err := f.Get(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "hello" {
			t.Fatalf("Get #%d body = %q", i, body)
		}
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("origin hit %d times, want 1 (fresh cache should short-circuit)", got)
	}
}

func TestFetcherRevalidatesStaleEntry(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.Header().Set("Cache-Control", "max-age=0")
			w.Header().Set("Etag", `"v1"`)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("body-v1"))
			return
		}
		if inm := r.Header.Get("If-None-Match"); inm == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("unexpected"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	f := NewFetcher(cache, http.DefaultTransport)

	resp1, err := f.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	if string(body1) != "body-v1" {
		t.Fatalf("first body = %q", body1)
	}

	resp2, err := f.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()

	if string(body2) != string(body1) {
		t.Fatalf("revalidated body = %q, want %q", body2, body1)
	}
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("origin received %d requests, want 2 (one revalidation)", got)
	}
}

func writeEntry(t *testing.T, c *DiskCache, key, body string) {
	t.Helper()
	w, err := c.Create(key, CachePolicy{StatusCode: http.StatusOK, Header: http.Header{}, RequestMethod: http.MethodGet})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func readEntry(t *testing.T, c *DiskCache, key string) string {
	t.Helper()
	e, err := c.Open(key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Body.Close()
	data, err := io.ReadAll(e.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

func TestDiskCacheAtomicity(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	const key = "http://example.com/a"

	writeEntry(t, c, key, "v1")
	if got := readEntry(t, c, key); got != "v1" {
		t.Fatalf("Open = %q, want v1", got)
	}

	writeEntry(t, c, key, "v2")
	if got := readEntry(t, c, key); got != "v2" {
		t.Fatalf("after overwrite, Open = %q, want v2", got)
	}

	if _, err := c.Open("http://example.com/missing"); err == nil {
		t.Fatal("expected error opening missing entry")
	}
}

func TestDiskCacheCreateAbortLeavesNoPartialEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	const key = "http://example.com/b"

	w, err := c.Create(key, CachePolicy{StatusCode: http.StatusOK, Header: http.Header{}, RequestMethod: http.MethodGet})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := c.Open(key); err == nil {
		t.Fatal("expected no entry to be visible after Abort")
	}
}
