package offline0

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"offline0/internal/logger"
)

func newTestStore(t *testing.T, diskMax int64) *CacheStore {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	s, err := NewCacheStore(db, 1<<20, diskMax, logger.Discard())
	if err != nil {
		t.Fatalf("NewCacheStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig(t *testing.T, origin string, extra string) Config {
	t.Helper()
	yml := "server:\n  origin: " + origin + "\ncache:\n  version: v1\n" + extra
	cfg, err := ParseConfig([]byte(yml))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

var errOriginDown = errors.New("connection refused")

// switchableDoer forwards to http.DefaultClient until taken down.
type switchableDoer struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (d *switchableDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	if d.down.Load() {
		return nil, errOriginDown
	}
	return http.DefaultClient.Do(req)
}

func okEntry(body string) CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: http.StatusOK, Header: h, Body: []byte(body)}
}

func hasPrefixAny(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
