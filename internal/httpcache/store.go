// Package httpcache implements the Cache-Policy Store and HTTP Fetcher
// from spec.md §4.2/§4.3: a persistent, content-addressed blob cache
// storing an HTTP cache policy alongside a response body, and a fetcher
// that consults it before making network requests.
//
// Both pieces are hand-rolled rather than delegated to
// github.com/gregjones/httpcache. That library's Cache interface is
// Get(key) ([]byte, bool) / Set(key, []byte) — a whole-blob-in-memory
// shape that cannot satisfy spec.md §4.2's "open(key) -> Reader" /
// "create(key) -> Writer" streaming contract, nor §4.3's "the fetcher
// MUST not buffer the full body". Real shard bodies (conda-forge
// linux-64 repodata) run into the tens of MB; buffering every cached
// read and write defeats the point of a streaming cache. See DESIGN.md
// for the tradeoff this package makes instead.
package httpcache

import "io"

// Store is the Cache-Policy Store from spec.md §4.2: a persistent
// key-value store mapping a URL (or other opaque key) to a single blob,
// opened and created as streams rather than materialized byte slices.
type Store interface {
	// Open opens key for streaming read, returning an error wrapping
	// conda.ErrNotFound if no entry exists for key.
	Open(key string) (*Entry, error)

	// Create opens key for streaming write, persisting policy first and
	// then whatever the caller writes through the returned Writer. The
	// write only becomes visible to Open once Commit is called; Abort
	// discards it without publishing anything.
	Create(key string, policy CachePolicy) (Writer, error)
}

// Entry is a streaming read of a stored CacheEntry: the deserialized
// cache policy, and the body reader positioned at the first body byte
// (spec.md §4.2: "Readers expose the policy first, then the body reader
// positioned at the first body byte").
type Entry struct {
	Policy CachePolicy
	Body   io.ReadCloser
}

// Writer is a streaming write of a CacheEntry's body. The policy is
// supplied up front to Store.Create, since it is known as soon as
// response headers arrive, before the body has been read.
type Writer interface {
	io.Writer
	// Commit atomically makes the written entry visible to Open,
	// replacing any prior entry for the same key. Callers must write the
	// complete body and call Commit only after the last byte (spec.md
	// §4.3: "the writer MUST be committed only after the last byte").
	Commit() error
	// Abort discards the write; on any error the writer must be aborted
	// so no partial entry becomes visible (spec.md §4.3).
	Abort() error
}
