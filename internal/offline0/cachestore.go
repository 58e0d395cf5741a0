package offline0

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrQuotaExceeded = errors.New("cache storage quota exceeded")

const (
	cachePrefix   = "c:"
	entryPrefix   = "e:"
	activeVersion = "m:active-version"
)

// CacheStore holds every cache generation in one LevelDB. A RAM LRU fronts
// entry reads.
type CacheStore struct {
	db       *leveldb.DB
	maxBytes int64
	ram      *ramCache
	log      *slog.Logger
	quotaLog *rateLimitedLogger

	mu        sync.Mutex
	caches    map[string]uint64 // name -> creation sequence
	seq       uint64
	sizes     map[string]int64 // storage key -> encoded size
	totalSize int64
}

// OpenCacheStore opens (or creates) the store at path.
func OpenCacheStore(path string, ramMax, diskMax int64, log *slog.Logger) (*CacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s, err := NewCacheStore(db, ramMax, diskMax, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewCacheStore wraps an already open database. diskMax <= 0 disables the
// quota.
func NewCacheStore(db *leveldb.DB, ramMax, diskMax int64, log *slog.Logger) (*CacheStore, error) {
	s := &CacheStore{
		db:       db,
		maxBytes: diskMax,
		ram:      newRAMCache(ramMax),
		log:      log.With(slog.String("component", "cachestore")),
		quotaLog: newRateLimitedLogger(log, time.Minute),
		caches:   map[string]uint64{},
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CacheStore) Close() error {
	return s.db.Close()
}

func (s *CacheStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(cachePrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(cachePrefix)))
		if len(it.Value()) != 8 {
			continue
		}
		seq := binary.BigEndian.Uint64(it.Value())
		s.caches[name] = seq
		if seq > s.seq {
			s.seq = seq
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache names: %w", err)
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		sk := string(bytes.TrimPrefix(it.Key(), []byte(entryPrefix)))
		sz := int64(len(it.Value()))
		s.sizes[sk] = sz
		s.totalSize += sz
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load entry index: %w", err)
	}
	return nil
}

func storageKey(name, key string) string { return name + "\x00" + key }

func entryKey(name, key string) []byte { return []byte(entryPrefix + storageKey(name, key)) }

// Open creates the named cache on first use. Repeated calls are no-ops.
func (s *CacheStore) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	s.openLocked(batch, name)
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		delete(s.caches, name)
		return fmt.Errorf("open cache %s: %w", name, err)
	}
	return nil
}

func (s *CacheStore) openLocked(batch *leveldb.Batch, name string) {
	if _, ok := s.caches[name]; ok {
		return
	}
	s.seq++
	s.caches[name] = s.seq
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], s.seq)
	batch.Put([]byte(cachePrefix+name), v[:])
}

// Has reports whether the named cache exists.
func (s *CacheStore) Has(name string) bool {
	s.mu.Lock()
	_, ok := s.caches[name]
	s.mu.Unlock()
	return ok
}

// Names lists caches in creation order.
func (s *CacheStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for n := range s.caches {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return s.caches[out[i]] < s.caches[out[j]] })
	return out
}

// Put stores ent under key in the named cache, creating the cache if needed.
// Entries with a non-success status and non-GET keys are ignored.
func (s *CacheStore) Put(name, key string, ent CacheEntry) error {
	return s.PutAll(name, map[string]CacheEntry{key: ent})
}

// PutAll writes all entries to the named cache in one batch: either every
// entry is stored or none is.
func (s *CacheStore) PutAll(name string, entries map[string]CacheEntry) error {
	type encoded struct {
		key string
		ent CacheEntry
		b   []byte
	}
	enc := make([]encoded, 0, len(entries))
	for key, ent := range entries {
		if !ent.OK() || !isGETKey(key) {
			continue
		}
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		enc = append(enc, encoded{key: key, ent: ent, b: b})
	}
	if len(enc) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(0)
	for _, e := range enc {
		delta += int64(len(e.b)) - s.sizes[storageKey(name, e.key)]
	}
	if s.maxBytes > 0 && s.totalSize+delta > s.maxBytes {
		return fmt.Errorf("put %d entries into %s: %w", len(enc), name, ErrQuotaExceeded)
	}

	batch := new(leveldb.Batch)
	_, existed := s.caches[name]
	s.openLocked(batch, name)
	for _, e := range enc {
		batch.Put(entryKey(name, e.key), e.b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		if !existed {
			delete(s.caches, name)
		}
		return fmt.Errorf("write %s: %w", name, err)
	}

	for _, e := range enc {
		sk := storageKey(name, e.key)
		s.sizes[sk] = int64(len(e.b))
		s.ram.Put(sk, e.ent, int64(len(e.b)))
	}
	s.totalSize += delta
	return nil
}

// Match searches every cache in creation order and returns the first entry
// stored under key.
func (s *CacheStore) Match(key string) (CacheEntry, bool) {
	for _, name := range s.Names() {
		if ent, ok := s.MatchIn(name, key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// MatchIn looks key up in a single cache.
func (s *CacheStore) MatchIn(name, key string) (CacheEntry, bool) {
	sk := storageKey(name, key)
	if ent, ok := s.ram.Get(sk); ok {
		return ent, true
	}
	b, err := s.db.Get(entryKey(name, key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.log.Warn("cache read failed", slog.String("cache", name), slog.Any("error", err))
		}
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		s.log.Warn("cache entry corrupt", slog.String("cache", name), slog.Any("error", err))
		return CacheEntry{}, false
	}
	// Delete may have run since the read; never refill RAM for a gone cache.
	s.mu.Lock()
	if _, live := s.caches[name]; live {
		s.ram.Put(sk, ent, int64(len(b)))
	}
	s.mu.Unlock()
	return ent, true
}

// Delete removes the named cache and all its entries.
func (s *CacheStore) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}

	prefix := []byte(entryPrefix + name + "\x00")
	batch := new(leveldb.Batch)
	var freed int64
	var dropped []string
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		sk := string(bytes.TrimPrefix(k, []byte(entryPrefix)))
		freed += s.sizes[sk]
		dropped = append(dropped, sk)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan %s: %w", name, err)
	}
	batch.Delete([]byte(cachePrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete %s: %w", name, err)
	}

	delete(s.caches, name)
	for _, sk := range dropped {
		delete(s.sizes, sk)
	}
	s.totalSize -= freed
	s.ram.DeletePrefix(name + "\x00")
	return true, nil
}

// PurgeExcept deletes every cache whose name is not in live and returns the
// purged names.
func (s *CacheStore) PurgeExcept(live map[string]struct{}) ([]string, error) {
	var purged []string
	for _, name := range s.Names() {
		if _, keep := live[name]; keep {
			continue
		}
		if _, err := s.Delete(name); err != nil {
			return purged, err
		}
		purged = append(purged, name)
	}
	return purged, nil
}

// ActiveVersion returns the version recorded by the last completed activation.
func (s *CacheStore) ActiveVersion() string {
	b, err := s.db.Get([]byte(activeVersion), nil)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *CacheStore) SetActiveVersion(v string) error {
	return s.db.Put([]byte(activeVersion), []byte(v), nil)
}

func (s *CacheStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *CacheStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

// Caches binds the two logical roles to their live generation.
type Caches struct {
	Store *CacheStore
	Names CacheNames
}

func NewCaches(store *CacheStore, names CacheNames) *Caches {
	return &Caches{Store: store, Names: names}
}

// Open returns the live generation name for role, creating it if needed.
func (c *Caches) Open(role Role) (string, error) {
	name := c.Names.For(role)
	return name, c.Store.Open(name)
}

// Put writes ent into the live generation for role. Quota overflow is
// logged (rate limited) and reported as success: the entry is simply not
// cached. Other storage errors are returned for the caller to log.
func (c *Caches) Put(role Role, key string, ent CacheEntry) error {
	name := c.Names.For(role)
	err := c.Store.Put(name, key, ent)
	if errors.Is(err, ErrQuotaExceeded) {
		c.Store.quotaLog.Warn("cache quota exceeded, entry not cached", slog.String("cache", name), slog.String("key", key))
		return nil
	}
	return err
}

func (c *Caches) Match(key string) (CacheEntry, bool) { return c.Store.Match(key) }

func (c *Caches) PurgeStale() ([]string, error) { return c.Store.PurgeExcept(c.Names.Live()) }

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
