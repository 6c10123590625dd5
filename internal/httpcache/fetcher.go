package httpcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// Fetcher is the HTTP Fetcher from spec.md §4.3: GET with transparent
// cache lookup, revalidation, and a streamed response body. Freshness,
// revalidation and storage are all hand-rolled against a Store (see
// store.go's package doc for why): no response body is ever buffered
// into a []byte by this package, cached or not.
type Fetcher struct {
	store     Store
	transport http.RoundTripper
}

// NewFetcher builds a Fetcher whose responses are persisted through
// store, with requests ultimately sent over base (http.DefaultTransport
// if nil).
func NewFetcher(store Store, base http.RoundTripper) *Fetcher {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Fetcher{store: store, transport: &loggingRoundTripper{next: base}}
}

// Get issues a GET for url, returning the response with its body still
// open for streaming. Callers must close the body.
//
// Status handling matches spec.md §6: 200 and 304 (resolved transparently
// into a 200 with the cached body) are returned as-is; the caller
// classifies non-2xx statuses, and a 404 can be turned into
// conda.ErrNotFound via StatusToError.
func (f *Fetcher) Get(ctx context.Context, url string) (*http.Response, error) {
	entry, err := f.store.Open(url)
	if err == nil {
		resp, handled, ferr := f.serveFromCache(ctx, url, entry)
		if handled {
			return resp, ferr
		}
	} else if !conda.IsNotFound(err) {
		return nil, fmt.Errorf("httpcache: opening cache entry for %s: %w", url, err)
	}
	return f.fetchAndStore(ctx, url)
}

// serveFromCache applies spec.md §4.3 step 2: fresh entries are served
// without network traffic; stale-but-revalidatable entries are
// conditionally re-requested; anything else falls through (handled=false)
// to an unconditional fetch.
func (f *Fetcher) serveFromCache(ctx context.Context, url string, entry *Entry) (resp *http.Response, handled bool, err error) {
	if entry.Policy.freshness(time.Now()) == fresh {
		slog.Debug("httpcache: fresh cache hit", "url", url)
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Header:     entry.Policy.Header.Clone(),
			Body:       entry.Body,
		}, true, nil
	}
	if !entry.Policy.canRevalidate() {
		entry.Body.Close()
		return nil, false, nil
	}
	resp, err = f.revalidate(ctx, url, entry)
	return resp, true, err
}

// revalidate reissues the request with If-None-Match/If-Modified-Since
// headers derived from entry's policy (spec.md §4.3 step 2).
func (f *Fetcher) revalidate(ctx context.Context, url string, entry *Entry) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		entry.Body.Close()
		return nil, fmt.Errorf("httpcache: building revalidation request for %s: %w", url, err)
	}
	for k, vv := range entry.Policy.conditionalHeaders() {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.transport.RoundTrip(req)
	if err != nil {
		entry.Body.Close()
		return nil, fmt.Errorf("httpcache: revalidating %s: %w", url, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		slog.Debug("httpcache: revalidated, not modified", "url", url)
		return f.refreshPolicyKeepingBody(url, entry, resp.Header)
	}

	entry.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return f.storeAndTee(url, resp), nil
	}
	// 4xx/5xx on revalidation: surface the status as-is, per spec.md §4.3
	// step 2 ("else surface the status"); the caller classifies it.
	return resp, nil
}

// refreshPolicyKeepingBody updates a policy's timing fields after a 304
// while keeping the cached body bytes, by streaming them into a fresh
// store entry (io.Copy, never a full in-memory buffer) and reopening it.
func (f *Fetcher) refreshPolicyKeepingBody(url string, entry *Entry, revalidationHeader http.Header) (*http.Response, error) {
	defer entry.Body.Close()

	policy := entry.Policy
	policy.ReceivedAt = time.Now()
	for _, k := range []string{"Date", "Age"} {
		if v := revalidationHeader.Get(k); v != "" {
			policy.Header.Set(k, v)
		}
	}

	w, err := f.store.Create(url, policy)
	if err != nil {
		return nil, fmt.Errorf("httpcache: creating cache entry for %s: %w", url, err)
	}
	if _, err := io.Copy(w, entry.Body); err != nil {
		w.Abort()
		return nil, fmt.Errorf("httpcache: rewriting cache entry for %s: %w", url, err)
	}
	if err := w.Commit(); err != nil {
		return nil, fmt.Errorf("httpcache: committing cache entry for %s: %w", url, err)
	}

	refreshed, err := f.store.Open(url)
	if err != nil {
		return nil, fmt.Errorf("httpcache: reopening refreshed cache entry for %s: %w", url, err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     refreshed.Policy.Header.Clone(),
		Body:       refreshed.Body,
	}, nil
}

// fetchAndStore issues an unconditional GET (spec.md §4.3 step 3) and, if
// the response is storable, streams it into the cache while tee-ing the
// same bytes to the caller (step 4).
func (f *Fetcher) fetchAndStore(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("httpcache: building request for %s: %w", url, err)
	}
	resp, err := f.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("httpcache: fetching %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}
	return f.storeAndTee(url, resp), nil
}

// storeAndTee wraps resp.Body so the bytes the caller reads are
// simultaneously streamed into a new cache entry, committed only once the
// body has been fully read (spec.md §4.3: "the writer MUST be committed
// only after the last byte; on any error the writer is dropped and no
// partial entry becomes visible").
func (f *Fetcher) storeAndTee(url string, resp *http.Response) *http.Response {
	policy := newCachePolicy(resp)
	if !policy.isStorable() {
		return resp
	}
	w, err := f.store.Create(url, policy)
	if err != nil {
		slog.Debug("httpcache: failed to open cache entry, serving without caching", "url", url, "error", err)
		return resp
	}
	resp.Body = &teeCommitBody{src: resp.Body, tee: io.TeeReader(resp.Body, w), w: w}
	return resp
}

// teeCommitBody streams a response body through to a cache Writer as the
// caller reads it, committing on EOF and aborting on any read error so a
// partial body is never left visible in the store.
type teeCommitBody struct {
	src  io.ReadCloser
	tee  io.Reader
	w    Writer
	done bool
}

func (b *teeCommitBody) Read(p []byte) (int, error) {
	n, err := b.tee.Read(p)
	switch {
	case err == io.EOF:
		if cerr := b.w.Commit(); cerr != nil {
			slog.Debug("httpcache: failed to commit cache entry", "error", cerr)
		}
		b.done = true
	case err != nil:
		if aerr := b.w.Abort(); aerr != nil {
			slog.Debug("httpcache: failed to abort cache entry", "error", aerr)
		}
		b.done = true
	}
	return n, err
}

func (b *teeCommitBody) Close() error {
	if !b.done {
		b.w.Abort()
	}
	return b.src.Close()
}

// StatusToError classifies a non-2xx response per spec.md §7: a 404
// becomes conda.ErrNotFound (wrapped with the URL), anything else becomes
// a *conda.HTTPStatusError. Call only when resp.StatusCode is not 2xx.
func StatusToError(url string, resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", url, conda.ErrNotFound)
	}
	return &conda.HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
}

// loggingRoundTripper logs every outbound request at Debug level: the
// client-side counterpart to a server-side logging middleware, giving the
// gateway's fetches the same status/duration observability.
type loggingRoundTripper struct {
	next http.RoundTripper
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	if err != nil {
		slog.Debug("fetch failed", "url", req.URL.String(), "error", err, "duration", time.Since(start))
		return nil, err
	}
	slog.Debug("fetch", "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}
