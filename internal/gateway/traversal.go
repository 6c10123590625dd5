package gateway

import (
	"context"
	"sync"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// task describes one (name, channel, platform) fetch future queued by the
// traversal. fromHint marks tasks discovered via a subdir's prefetch
// hints rather than an actual Depends edge; their own prefetch hints are
// not chased further, capping speculation to one hop past the originally
// requested name (SPEC_FULL.md "Open question resolutions").
type task struct {
	name     string
	channel  conda.Channel
	platform conda.Platform
	fromHint bool
}

// traversal holds the mutable state of one FindRecursiveRecords call:
// the seen set, the accumulated per-channel result, and the
// first-error/cancellation bookkeeping shared by every in-flight task
// goroutine (spec.md §4.7).
type traversal struct {
	g         *Gateway
	channels  []conda.Channel
	platforms []conda.Platform

	ctx    context.Context
	cancel context.CancelFunc

	sem weightedSemaphore

	seenMu sync.Mutex
	seen   map[string]bool

	resultMu sync.Mutex
	result   map[conda.Channel][]*conda.RepoDataRecord

	errOnce sync.Once
	err     error

	wg sync.WaitGroup
}

// weightedSemaphore is the minimal surface of semaphore.Weighted the
// traversal needs, kept as its own type so tests can stub it if needed.
type weightedSemaphore = interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// FindRecursiveRecords expands roots into the closed set of records
// reachable by following Depends edges, across every channel in
// channels and every platform in platforms (spec.md §4.7). NoArch is
// always queried alongside whatever concrete platforms are requested
// (spec.md §4.2): it's added automatically if missing.
//
// The bound on in-flight fetch futures is g.concurrency
// (golang.org/x/sync/semaphore.Weighted, the same outbound-concurrency
// gauge pattern _examples/Debanitrkl-test-infra/ghproxy/ghcache uses for
// its upstream fetch limiter); traversal itself fans out with a
// sync.WaitGroup sized dynamically as new pending names are discovered,
// the standard "fan out while counting" idiom for recursive concurrent
// work whose size isn't known up front.
func (g *Gateway) FindRecursiveRecords(ctx context.Context, channels []conda.Channel, platforms []conda.Platform, roots []conda.PackageName) (map[conda.Channel][]*conda.RepoDataRecord, error) {
	platforms = conda.DedupePlatforms(platforms)

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr := &traversal{
		g:         g,
		channels:  channels,
		platforms: platforms,
		ctx:       tctx,
		cancel:    cancel,
		sem:       newConcurrencyLimiter(g.concurrency),
		seen:      make(map[string]bool, len(roots)),
		result:    make(map[conda.Channel][]*conda.RepoDataRecord),
	}

	for _, root := range roots {
		name := root.Normalized()
		tr.seen[name] = true
		for _, ch := range channels {
			for _, pl := range platforms {
				tr.spawn(task{name: name, channel: ch, platform: pl})
			}
		}
	}

	tr.wg.Wait()

	if tr.err != nil {
		return nil, tr.err
	}
	return tr.result, nil
}

// spawn launches the goroutine for t, incrementing wg before the
// goroutine can possibly call Done — the invariant that keeps dynamic
// fan-out with sync.WaitGroup safe (Add always happens while at least
// one already-counted goroutine is still running).
func (tr *traversal) spawn(t task) {
	if tr.ctx.Err() != nil {
		return
	}
	tr.wg.Add(1)
	go func() {
		defer tr.wg.Done()
		tr.run(t)
	}()
}

func (tr *traversal) fail(err error) {
	tr.errOnce.Do(func() {
		tr.err = err
		tr.cancel()
	})
}

func (tr *traversal) trySee(name string) bool {
	tr.seenMu.Lock()
	defer tr.seenMu.Unlock()
	if tr.seen[name] {
		return false
	}
	tr.seen[name] = true
	return true
}

func (tr *traversal) run(t task) {
	if tr.ctx.Err() != nil {
		return
	}
	if err := tr.sem.Acquire(tr.ctx, 1); err != nil {
		return
	}
	defer tr.sem.Release(1)

	sd, err := tr.g.getOrCacheSubdir(tr.ctx, t.channel, t.platform)
	if err != nil {
		tr.fail(err)
		return
	}
	if sd == nil {
		// Not found on a non-NoArch platform: nothing to do for this
		// (channel, platform) pair.
		return
	}

	// Speculatively enqueue dependency-name hints before this name's own
	// records arrive (SPEC_FULL.md "Open question resolutions": prefetch
	// cap is one hop past the requested name, so hint-origin tasks don't
	// themselves contribute further hints).
	if !t.fromHint {
		for _, hint := range sd.PrefetchHints(t.name) {
			hintName := conda.NewPackageName(hint).Normalized()
			if tr.trySee(hintName) {
				for _, ch := range tr.channels {
					for _, pl := range tr.platforms {
						tr.spawn(task{name: hintName, channel: ch, platform: pl, fromHint: true})
					}
				}
			}
		}
	}

	records, err := sd.GetOrCacheRecords(tr.ctx, t.name)
	if err != nil {
		tr.fail(err)
		return
	}
	if len(*records) == 0 {
		// Name absent from this subdir: nothing to add, nothing to expand.
		return
	}

	tr.g.report(ProgressEvent{Channel: t.channel.Name, Platform: t.platform, Name: t.name, Kind: ProgressRecordsReady})

	refs := make([]*conda.RepoDataRecord, len(*records))
	for i := range *records {
		refs[i] = &(*records)[i]
	}
	tr.resultMu.Lock()
	tr.result[t.channel] = append(tr.result[t.channel], refs...)
	tr.resultMu.Unlock()

	for _, rec := range *records {
		for _, dep := range rec.Depends {
			rawName, ok := conda.DependencyName(dep)
			if !ok {
				continue
			}
			depName := conda.NewPackageName(rawName).Normalized()
			if tr.trySee(depName) {
				for _, ch := range tr.channels {
					for _, pl := range tr.platforms {
						tr.spawn(task{name: depName, channel: ch, platform: pl})
					}
				}
			}
		}
	}
}
