package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Doer sends a request to the origin. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine intercepts every application request and serves it under the
// policy its path is classified into.
type Engine struct {
	origin         string
	client         Doer
	caches         *Caches
	rules          []Rule
	offlineMessage string

	bg    *Lifetime
	stats *statsCollector
	log   *slog.Logger
}

func NewEngine(cfg Config, caches *Caches, client Doer, bg *Lifetime, log *slog.Logger) *Engine {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{
		origin:         cfg.Server.Origin,
		client:         client,
		caches:         caches,
		rules:          rules,
		offlineMessage: cfg.Offline.Message,
		bg:             bg,
		stats:          newStatsCollector(),
		log:            log.With(slog.String("component", "fetch")),
	}
}

// Classify returns the policy for a request path. First matching rule wins;
// unmatched paths are static assets.
func (e *Engine) Classify(path string) Policy {
	for i := range e.rules {
		if e.rules[i].Matches(path) {
			return e.rules[i].Policy
		}
	}
	return PolicyCacheFirst
}

// Fetch resolves r to a response snapshot. A non-nil error means the request
// could not be answered at all (cache-first or bypass with the origin
// unreachable).
func (e *Engine) Fetch(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	switch e.Classify(r.URL.Path) {
	case PolicyNetworkFirst:
		return e.networkFirst(ctx, r)
	case PolicyBypass:
		ent, err := e.fetchFromOrigin(ctx, r)
		return ent, SourceBypass, err
	default:
		return e.cacheFirst(ctx, r)
	}
}

func (e *Engine) networkFirst(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	key := RequestKey(r)
	ent, err := e.fetchFromOrigin(ctx, r)
	if err == nil {
		if ent.OK() {
			e.mirror(RoleAPI, key, ent)
		}
		return ent, SourceNetwork, nil
	}

	if cached, ok := e.caches.Match(key); ok {
		e.log.Info("network unavailable, served from cache", slog.String("key", key), slog.Any("error", err))
		return cached, SourceCache, nil
	}
	e.log.Info("network unavailable, no cached copy", slog.String("key", key), slog.Any("error", err))
	return e.offlineEntry(), SourceOffline, nil
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	key := RequestKey(r)
	if r.Method == http.MethodGet {
		if cached, ok := e.caches.Match(key); ok {
			return cached, SourceCache, nil
		}
	}

	ent, err := e.fetchFromOrigin(ctx, r)
	if err != nil {
		return CacheEntry{}, SourceFailed, err
	}
	if ent.OK() {
		e.mirror(RoleStatic, key, ent)
	}
	return ent, SourceNetwork, nil
}

// mirror writes ent into the role's cache in the background. The response is
// never held back for it.
func (e *Engine) mirror(role Role, key string, ent CacheEntry) {
	if !isGETKey(key) {
		return
	}
	e.bg.Go("mirror "+string(role), func(context.Context) error {
		return e.caches.Put(role, key, ent)
	})
}

type offlineBody struct {
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

func (e *Engine) offlineEntry() CacheEntry {
	body, _ := json.Marshal(offlineBody{Offline: true, Message: e.offlineMessage})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   h,
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

func (e *Engine) fetchFromOrigin(ctx context.Context, r *http.Request) (CacheEntry, error) {
	originURL := e.origin + r.URL.RequestURI()
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, body)
	if err != nil {
		return CacheEntry{}, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := e.client.Do(req)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("fetch %s: %w", originURL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("read %s: %w", originURL, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// FetchPath GETs path from the origin, bypassing every cache.
func (e *Engine) FetchPath(ctx context.Context, path string) (CacheEntry, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	return e.fetchFromOrigin(ctx, r)
}

func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ent, src, err := e.Fetch(r.Context(), r)
	if err != nil {
		e.log.Warn("fetch failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		e.stats.Observe(SourceFailed, 0)
		setSourceHeaders(w.Header(), SourceFailed)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, src)
	e.stats.Observe(src, len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, src Source) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), src)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, src Source) {
	if src != "" {
		h.Set("X-Offline0", string(src))
	}
	// Custom headers are unreadable from JS in a CORS context unless exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
