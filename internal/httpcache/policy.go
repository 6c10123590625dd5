package httpcache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CachePolicy is the RFC 7234-aligned record spec.md §4.2 requires
// alongside every stored response body: origin status, selected
// request/response headers, receipt timestamp, and request method.
type CachePolicy struct {
	StatusCode    int
	Header        http.Header
	RequestMethod string
	ReceivedAt    time.Time
}

// selectedResponseHeaders is the header allow-list spec.md §4.2 names:
// "Vary set, Date, Age, Cache-Control, ETag, Last-Modified". Expires is
// kept alongside them since it feeds the same freshness calculation.
var selectedResponseHeaders = []string{"Vary", "Date", "Age", "Cache-Control", "ETag", "Last-Modified", "Expires"}

// newCachePolicy builds a CachePolicy from a just-received response,
// keeping only the headers needed for later freshness/revalidation
// decisions rather than the full header set.
func newCachePolicy(resp *http.Response) CachePolicy {
	h := make(http.Header, len(selectedResponseHeaders))
	for _, k := range selectedResponseHeaders {
		if v := resp.Header.Values(k); len(v) > 0 {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	method := http.MethodGet
	if resp.Request != nil && resp.Request.Method != "" {
		method = resp.Request.Method
	}
	return CachePolicy{
		StatusCode:    resp.StatusCode,
		Header:        h,
		RequestMethod: method,
		ReceivedAt:    time.Now(),
	}
}

type cacheControl struct {
	noStore   bool
	noCache   bool
	hasMaxAge bool
	maxAge    time.Duration
}

func parseCacheControl(v string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(v, ",") {
		name, val, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		val = strings.Trim(strings.TrimSpace(val), `"`)
		switch name {
		case "no-store":
			cc.noStore = true
		case "no-cache":
			cc.noCache = true
		case "max-age":
			if secs, err := strconv.Atoi(val); err == nil {
				cc.hasMaxAge = true
				cc.maxAge = time.Duration(secs) * time.Second
			}
		}
	}
	return cc
}

// isStorable reports whether a response with this policy may be
// persisted at all (spec.md §4.3 step 4: "cacheable status, not
// no-store, GET").
func (p CachePolicy) isStorable() bool {
	if p.RequestMethod != http.MethodGet {
		return false
	}
	if p.StatusCode != http.StatusOK {
		return false
	}
	return !parseCacheControl(p.Header.Get("Cache-Control")).noStore
}

type freshness int

const (
	stale freshness = iota
	fresh
)

// freshness implements the freshness calculation spec.md §4.3 step 2
// names: explicit max-age or Expires first, falling back to a
// Last-Modified-based heuristic (RFC 7234 §4.2.2) when neither is
// present, and comparing against the entry's current age.
func (p CachePolicy) freshness(now time.Time) freshness {
	cc := parseCacheControl(p.Header.Get("Cache-Control"))
	if cc.noCache {
		return stale
	}

	date := p.dateHeader(now)
	var lifetime time.Duration
	switch {
	case cc.hasMaxAge:
		lifetime = cc.maxAge
	case p.Header.Get("Expires") != "":
		if exp, err := http.ParseTime(p.Header.Get("Expires")); err == nil {
			lifetime = exp.Sub(date)
		}
	default:
		if lm := p.Header.Get("Last-Modified"); lm != "" {
			if lmt, err := http.ParseTime(lm); err == nil {
				lifetime = date.Sub(lmt) / 10
			}
		}
	}
	if lifetime <= 0 {
		return stale
	}
	if p.currentAge(now) < lifetime {
		return fresh
	}
	return stale
}

func (p CachePolicy) dateHeader(fallback time.Time) time.Time {
	if d := p.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			return t
		}
	}
	return fallback
}

// currentAge approximates the RFC 7234 §4.2.3 age calculation: apparent
// age from the Date header, plus however long the entry has been
// resident in this cache.
func (p CachePolicy) currentAge(now time.Time) time.Duration {
	apparentAge := now.Sub(p.dateHeader(p.ReceivedAt))
	if apparentAge < 0 {
		apparentAge = 0
	}
	residentTime := now.Sub(p.ReceivedAt)
	if residentTime < 0 {
		residentTime = 0
	}
	return apparentAge + residentTime
}

// canRevalidate reports whether the policy carries a validator a
// conditional GET can use.
func (p CachePolicy) canRevalidate() bool {
	return p.Header.Get("ETag") != "" || p.Header.Get("Last-Modified") != ""
}

// conditionalHeaders builds the If-None-Match/If-Modified-Since headers
// spec.md §4.3 step 2 describes for a stale-but-revalidatable entry.
func (p CachePolicy) conditionalHeaders() http.Header {
	h := http.Header{}
	if etag := p.Header.Get("ETag"); etag != "" {
		h.Set("If-None-Match", etag)
	}
	if lm := p.Header.Get("Last-Modified"); lm != "" {
		h.Set("If-Modified-Since", lm)
	}
	return h
}

// policyWire is CachePolicy's JSON wire shape.
type policyWire struct {
	StatusCode    int         `json:"status_code"`
	Header        http.Header `json:"header"`
	RequestMethod string      `json:"request_method"`
	ReceivedAt    time.Time   `json:"received_at"`
}

// writePolicy and readPolicy serialize a CachePolicy as a length-prefixed
// JSON header, matching the CacheEntry layout spec.md §3 describes:
// "(serialized cache policy)(response body bytes)". The policy itself is
// small (a handful of headers); only the body that follows it is ever
// treated as a stream.
func writePolicy(w io.Writer, p CachePolicy) error {
	data, err := json.Marshal(policyWire{
		StatusCode:    p.StatusCode,
		Header:        p.Header,
		RequestMethod: p.RequestMethod,
		ReceivedAt:    p.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("httpcache: encoding cache policy: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readPolicy(r io.Reader) (CachePolicy, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return CachePolicy{}, fmt.Errorf("httpcache: reading cache policy length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return CachePolicy{}, fmt.Errorf("httpcache: reading cache policy: %w", err)
	}
	var wire policyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return CachePolicy{}, fmt.Errorf("httpcache: decoding cache policy: %w", err)
	}
	return CachePolicy{
		StatusCode:    wire.StatusCode,
		Header:        wire.Header,
		RequestMethod: wire.RequestMethod,
		ReceivedAt:    wire.ReceivedAt,
	}, nil
}
