package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Source says where a served response came from. It is also the value of the
// X-Offline0 response header.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	SourceBypass  Source = "bypass"
	SourceFailed  Source = "bad-gateway"
)

type statsCollector struct {
	network atomic.Uint64
	cache   atomic.Uint64
	offline atomic.Uint64
	bypass  atomic.Uint64
	failed  atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	switch src {
	case SourceNetwork:
		s.network.Add(1)
	case SourceCache:
		s.cache.Add(1)
	case SourceOffline:
		s.offline.Add(1)
	case SourceBypass:
		s.bypass.Add(1)
	case SourceFailed:
		s.failed.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Network uint64 `json:"network"`
	Cache   uint64 `json:"cache"`
	Offline uint64 `json:"offline"`
	Bypass  uint64 `json:"bypass"`
	Failed  uint64 `json:"failed"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Network: s.network.Load(),
		Cache:   s.cache.Load(),
		Offline: s.offline.Load(),
		Bypass:  s.bypass.Load(),
		Failed:  s.failed.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
