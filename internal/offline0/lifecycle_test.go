package offline0

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"

	"offline0/internal/logger"
)

type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]int // path -> remaining network failures
	status   map[string]int
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{failures: map[string]int{}, status: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeFetcher) FetchPath(_ context.Context, path string) (CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[path]++
	if f.failures[path] > 0 {
		f.failures[path]--
		return CacheEntry{}, errOriginDown
	}
	ent := okEntry("body of " + path)
	if st, ok := f.status[path]; ok {
		ent.Status = st
	}
	return ent, nil
}

// recordingClaimer captures the cache names present at claim time.
type recordingClaimer struct {
	store  *CacheStore
	called int
	names  []string
}

func (c *recordingClaimer) Claim(context.Context) (int, error) {
	c.called++
	c.names = c.store.Names()
	return 2, nil
}

func newTestLifecycle(t *testing.T, store *CacheStore, fetcher OriginFetcher, claimer Claimer, manifest string) *Lifecycle {
	t.Helper()
	cfg := testConfig(t, "http://origin", "install:\n  manifest: ["+manifest+"]\n  retry:\n    attempts: 3\n    backoff: 1ms\n")
	return NewLifecycle(cfg, NewCaches(store, cfg.CacheNames()), fetcher, claimer, logger.Discard())
}

func TestInstallActivate(t *testing.T) {
	store := newTestStore(t, 0)
	for _, stale := range []string{"offline0-static-v0", "offline0-api-v0", "something-else"} {
		if err := store.Open(stale); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.Put("offline0-static-v0", "GET /index.html", okEntry("old"))

	fetcher := newFakeFetcher()
	fetcher.failures["/app.js"] = 2
	claimer := &recordingClaimer{store: store}
	lc := newTestLifecycle(t, store, fetcher, claimer, "/, /index.html, /app.js")

	if err := lc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lc.State() != StateActivated || !lc.SkipWaiting() {
		t.Fatalf("state = %s skipWaiting = %v", lc.State(), lc.SkipWaiting())
	}
	if fetcher.calls["/app.js"] != 3 {
		t.Errorf("network failures should be retried, calls = %d", fetcher.calls["/app.js"])
	}

	live := []string{"offline0-static-v1", "offline0-api-v1"}
	if got := store.Names(); !reflect.DeepEqual(got, live) {
		t.Errorf("caches after activation = %v, want %v", got, live)
	}
	if claimer.called != 1 || !reflect.DeepEqual(claimer.names, live) {
		t.Errorf("clients must be claimed after the purge: called=%d names=%v", claimer.called, claimer.names)
	}
	if hasPrefixAny(lc.Purged(), "offline0-static-v1") || len(lc.Purged()) != 3 {
		t.Errorf("purged = %v", lc.Purged())
	}
	if lc.Claimed() != 2 {
		t.Errorf("claimed = %d", lc.Claimed())
	}
	ent, ok := store.MatchIn("offline0-static-v1", "GET /index.html")
	if !ok || string(ent.Body) != "body of /index.html" {
		t.Errorf("precached entry = %q, %v", ent.Body, ok)
	}
	if store.ActiveVersion() != "v1" {
		t.Errorf("active version = %q", store.ActiveVersion())
	}
}

func TestInstallIsAtomic(t *testing.T) {
	store := newTestStore(t, 0)
	fetcher := newFakeFetcher()
	fetcher.status["/missing.css"] = http.StatusNotFound
	lc := newTestLifecycle(t, store, fetcher, nil, "/index.html, /missing.css")

	err := lc.Install(context.Background())
	if err == nil {
		t.Fatal("expected install failure")
	}
	if lc.State() != StateRedundant {
		t.Errorf("state = %s", lc.State())
	}
	if fetcher.calls["/missing.css"] != 1 {
		t.Errorf("a non-success status is not retried, calls = %d", fetcher.calls["/missing.css"])
	}
	if store.Has("offline0-static-v1") || store.EntryCount() != 0 {
		t.Error("failed install must leave no cache behind")
	}
	if err := lc.Activate(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("a redundant worker cannot activate, got %v", err)
	}
}

func TestInstallGivesUpAfterRetries(t *testing.T) {
	store := newTestStore(t, 0)
	fetcher := newFakeFetcher()
	fetcher.failures["/index.html"] = 10
	lc := newTestLifecycle(t, store, fetcher, nil, "/index.html")
	if err := lc.Install(context.Background()); !errors.Is(err, errOriginDown) {
		t.Fatalf("expected the network error, got %v", err)
	}
	if fetcher.calls["/index.html"] != 3 {
		t.Errorf("calls = %d, want 3", fetcher.calls["/index.html"])
	}
}

func TestTransitionsRunOnce(t *testing.T) {
	store := newTestStore(t, 0)
	lc := newTestLifecycle(t, store, newFakeFetcher(), nil, "/index.html")
	ctx := context.Background()
	if err := lc.Activate(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate before install: %v", err)
	}
	if err := lc.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := lc.Install(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second install: %v", err)
	}
	if err := lc.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := lc.Activate(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second activate: %v", err)
	}
}

func TestRunResumesActivatedVersion(t *testing.T) {
	store := newTestStore(t, 0)
	if err := newTestLifecycle(t, store, newFakeFetcher(), nil, "/index.html").Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fetcher := newFakeFetcher()
	claimer := &recordingClaimer{store: store}
	lc := newTestLifecycle(t, store, fetcher, claimer, "/index.html")
	if err := lc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("resumed version must not reinstall: %v", fetcher.calls)
	}
	if lc.State() != StateActivated || claimer.called != 1 {
		t.Errorf("state=%s claimed=%d", lc.State(), claimer.called)
	}
}
