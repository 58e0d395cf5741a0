package offline0

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lifetime tracks work started on behalf of an event that the event's caller
// does not wait for, such as mirroring a response into a cache. The process
// must not exit before Wait returns.
type Lifetime struct {
	log *slog.Logger
	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	failed  int
	dropped int
}

// NewLifetime bounds concurrent background tasks to limit. When the bound is
// reached new tasks are dropped, which is acceptable only for best-effort work.
func NewLifetime(limit int, log *slog.Logger) *Lifetime {
	if limit <= 0 {
		limit = 32
	}
	return &Lifetime{log: log, sem: make(chan struct{}, limit)}
}

// Go runs fn in the background. A returned error is logged and counted; it
// never reaches whoever scheduled the task.
func (l *Lifetime) Go(name string, fn func(ctx context.Context) error) bool {
	select {
	case l.sem <- struct{}{}:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.log.Warn("background task dropped", slog.String("task", name))
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			l.mu.Lock()
			l.failed++
			l.mu.Unlock()
			l.log.Warn("background task failed", slog.String("task", name), slog.Any("error", err))
		}
	}()
	return true
}

// Wait blocks until every scheduled task has settled.
func (l *Lifetime) Wait() { l.wg.Wait() }

func (l *Lifetime) Failed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

func (l *Lifetime) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
