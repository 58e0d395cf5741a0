package offline0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"offline0/internal/retry"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Claimer takes control of the currently open client windows.
type Claimer interface {
	Claim(ctx context.Context) (int, error)
}

// OriginFetcher fetches a path from the origin without consulting any cache.
type OriginFetcher interface {
	FetchPath(ctx context.Context, path string) (CacheEntry, error)
}

// Lifecycle moves one worker version through install and activate. Each
// transition runs at most once.
type Lifecycle struct {
	version  string
	manifest []string
	caches   *Caches
	fetcher  OriginFetcher
	claimer  Claimer
	retry    retry.Config
	log      *slog.Logger

	mu           sync.Mutex
	state        State
	skipWaiting  bool
	purged       []string
	claimedCount int
}

func NewLifecycle(cfg Config, caches *Caches, fetcher OriginFetcher, claimer Claimer, log *slog.Logger) *Lifecycle {
	return &Lifecycle{
		version:  cfg.Cache.Version,
		manifest: append([]string(nil), cfg.Install.Manifest...),
		caches:   caches,
		fetcher:  fetcher,
		claimer:  claimer,
		retry: retry.Config{
			MaxAttempts:    cfg.Install.Retry.Attempts,
			InitialBackoff: cfg.InstallBackoff(),
			JitterFactor:   0.2,
		},
		log:   log.With(slog.String("component", "lifecycle"), slog.String("version", cfg.Cache.Version)),
		state: StateParsed,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Purged returns the cache names removed by the last activation.
func (l *Lifecycle) Purged() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.purged...)
}

func (l *Lifecycle) transition(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, l.state)
	}
	l.state = to
	return nil
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Install pre-fetches the manifest into the static generation. It is atomic:
// if any resource fails to fetch nothing is stored and the worker becomes
// redundant.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	l.log.Info("installing", slog.Int("resources", len(l.manifest)))

	entries := make(map[string]CacheEntry, len(l.manifest))
	for _, path := range l.manifest {
		var ent CacheEntry
		err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
			var err error
			ent, err = l.fetcher.FetchPath(ctx, path)
			if err != nil {
				return err
			}
			if !ent.OK() {
				return retry.Permanent(fmt.Errorf("status %d", ent.Status))
			}
			return nil
		})
		if err != nil {
			l.setState(StateRedundant)
			l.log.Error("install failed", slog.String("path", path), slog.Any("error", err))
			return fmt.Errorf("install %s: %w", path, err)
		}
		entries[requestKey(http.MethodGet, path)] = ent
	}

	name, err := l.caches.Open(RoleStatic)
	if err == nil {
		err = l.caches.Store.PutAll(name, entries)
	}
	if err != nil {
		l.setState(StateRedundant)
		l.log.Error("install failed", slog.Any("error", err))
		return fmt.Errorf("install: store %s: %w", name, err)
	}

	l.mu.Lock()
	l.state = StateInstalled
	// Do not wait for old clients to go away: activate as soon as possible.
	l.skipWaiting = true
	l.mu.Unlock()
	l.log.Info("installed", slog.String("cache", name), slog.Int("resources", len(entries)))
	return nil
}

// Claimed returns how many clients the last activation took control of.
func (l *Lifecycle) Claimed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimedCount
}

// SkipWaiting reports whether the installed version asked to activate
// immediately.
func (l *Lifecycle) SkipWaiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipWaiting
}

// Activate purges every stale cache generation and then claims open clients.
// The purge always completes before any client is claimed.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := l.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	l.log.Info("activating")

	purged, err := l.caches.PurgeStale()
	for _, name := range purged {
		l.log.Info("deleted stale cache", slog.String("cache", name))
	}
	if err != nil {
		l.setState(StateInstalled)
		return fmt.Errorf("activate: purge: %w", err)
	}
	if _, err := l.caches.Open(RoleAPI); err != nil {
		l.setState(StateInstalled)
		return fmt.Errorf("activate: open api cache: %w", err)
	}
	if err := l.caches.Store.SetActiveVersion(l.version); err != nil {
		l.setState(StateInstalled)
		return fmt.Errorf("activate: record version: %w", err)
	}

	claimed := 0
	if l.claimer != nil {
		claimed, err = l.claimer.Claim(ctx)
		if err != nil {
			l.log.Warn("claim clients failed", slog.Any("error", err))
		}
	}

	l.mu.Lock()
	l.state = StateActivated
	l.purged = purged
	l.claimedCount = claimed
	l.mu.Unlock()
	l.log.Info("activated", slog.Int("purged", len(purged)), slog.Int("claimed", claimed))
	return nil
}

// Run brings the configured version to activated. A version that already
// completed activation in this store is not installed again.
func (l *Lifecycle) Run(ctx context.Context) error {
	names := l.caches.Names
	if l.caches.Store.ActiveVersion() == l.version && l.caches.Store.Has(names.Static) {
		if err := l.transition(StateParsed, StateInstalled); err != nil {
			return err
		}
		l.log.Info("version already installed, resuming")
	} else if err := l.Install(ctx); err != nil {
		return err
	}
	return l.Activate(ctx)
}
