package offline0

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Agent owns the cache store and wires the fetch engine and lifecycle to it.
type Agent struct {
	cfg Config

	Store     *CacheStore
	Caches    *Caches
	Engine    *Engine
	Lifecycle *Lifecycle

	bg     *Lifetime
	log    *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAgent builds an agent on an open store. client defaults to an
// *http.Client with a 30s timeout.
func NewAgent(cfg Config, store *CacheStore, client Doer, claimer Claimer, log *slog.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	caches := NewCaches(store, cfg.CacheNames())
	bg := NewLifetime(32, log.With(slog.String("component", "background")))
	engine := NewEngine(cfg, caches, client, bg, log)
	return &Agent{
		cfg:       cfg,
		Store:     store,
		Caches:    caches,
		Engine:    engine,
		Lifecycle: NewLifecycle(cfg, caches, engine, claimer, log),
		bg:        bg,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// Start installs and activates the configured version, then starts the stats
// loop when enabled.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.Lifecycle.Run(ctx); err != nil {
		return err
	}
	if every := a.cfg.StatsEvery(); every > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.statsLoop(every)
		}()
	}
	return nil
}

// Settle waits for background cache writes scheduled so far.
func (a *Agent) Settle() { a.bg.Wait() }

// Close stops the stats loop and waits for background work. It does not
// close the store; the owner of the store does.
func (a *Agent) Close() {
	a.once.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	a.bg.Wait()
}

func (a *Agent) Handler() http.Handler { return a.Engine }

// Status is the JSON shape of /_agent/state.
type Status struct {
	Version     string        `json:"version"`
	State       State         `json:"state"`
	Caches      []string      `json:"caches"`
	Entries     int           `json:"entries"`
	DiskBytes   int64         `json:"diskBytes"`
	Stats       StatsSnapshot `json:"stats"`
	TasksFailed int           `json:"backgroundFailed"`
}

func (a *Agent) Status() Status {
	return Status{
		Version:     a.cfg.Cache.Version,
		State:       a.Lifecycle.State(),
		Caches:      a.Store.Names(),
		Entries:     a.Store.EntryCount(),
		DiskBytes:   a.Store.TotalSize(),
		Stats:       a.Engine.Stats(),
		TasksFailed: a.bg.Failed(),
	}
}

func (a *Agent) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-t.C:
			ss := a.Engine.Stats()
			attrs := []any{
				slog.Uint64("network", ss.Network),
				slog.Uint64("cache", ss.Cache),
				slog.Uint64("offline", ss.Offline),
				slog.Uint64("failed", ss.Failed),
				slog.Int("entries", a.Store.EntryCount()),
				slog.String("disk", formatBytes(uint64(a.Store.TotalSize()))),
				slog.String("ram", formatBytes(uint64(a.Store.ram.TotalSize()))),
				slog.String("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				attrs = append(attrs, slog.String("rss", formatBytes(rss)))
			}
			a.log.Info("stats", attrs...)
		}
	}
}
