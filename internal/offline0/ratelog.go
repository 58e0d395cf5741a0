package offline0

import (
	"log/slog"
	"sync"
	"time"
)

// rateLimitedLogger emits at most one record per interval and drops the rest.
type rateLimitedLogger struct {
	log      *slog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.lastAt = now
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, slog.Int("suppressed", dropped))
	}
	l.log.Warn(msg, args...)
}
