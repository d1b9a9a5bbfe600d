package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: store closed")

const (
	metaPrefix = "m:"
	dataPrefix = "d:"
)

func metaKey(key string) []byte { return []byte(metaPrefix + key) }

func dataKey(key string) []byte { return []byte(dataPrefix + key) }

// Options configures a Store.
type Options struct {
	// Dir is the on-disk directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SizeLimit bounds the sum of payload sizes in bytes. Zero means unbounded.
	SizeLimit int64
	Eviction  Policy
	// DefaultTTL is used when Put is called with UseDefault.
	DefaultTTL TTL
	// HotCacheSize is the in-memory layer budget in bytes. Zero disables it.
	HotCacheSize int64
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type accessStat struct {
	last atomic.Int64
	hits atomic.Int64
}

// Store is a persistent cache on badger with a ristretto hot layer.
type Store struct {
	db   *badger.DB
	hot  *ristretto.Cache[string, *Entry]
	opts Options
	now  func() time.Time

	keyLocks sync.Map // key -> *sync.Mutex
	stats    sync.Map // key -> *accessStat

	mu      sync.Mutex // guards used
	evictMu sync.Mutex // serializes eviction and sweep passes
	used    int64
	closed  atomic.Bool

	// gen is bumped after every write or delete so a Get that read badger
	// before the change does not leave a stale copy in the hot layer.
	gen atomic.Uint64

	afterRead func(key string) // test hook between the badger read and the hot fill
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("cache: directory required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(badgerLogger{})
	if opts.Eviction == "" {
		opts.Eviction = LeastRecentlyStored
	}
	if opts.DefaultTTL == UseDefault || opts.DefaultTTL == 0 {
		opts.DefaultTTL = Seconds(3600)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}
	s := &Store{db: db, opts: opts, now: opts.Clock}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.HotCacheSize > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
			NumCounters: 1e5,
			MaxCost:     opts.HotCacheSize,
			BufferItems: 64,
			Cost: func(e *Entry) int64 {
				return int64(len(e.Data)) + 256
			},
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create hot cache: %w", err)
		}
		s.hot = hot
	}

	used, err := s.scanUsed()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.used = used
	return s, nil
}

// Close flushes and closes the store. It is safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.hot != nil {
		s.hot.Close()
	}
	return s.db.Close()
}

// DefaultTTL returns the lifetime used for UseDefault.
func (s *Store) DefaultTTL() TTL { return s.opts.DefaultTTL }

// Used returns the total payload size currently accounted.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) keyMutex(key string) *sync.Mutex {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) invalidate(key string) {
	s.gen.Inc()
	if s.hot != nil {
		s.hot.Del(key)
	}
}

func (s *Store) expiry(ttl TTL, from time.Time) time.Time {
	if ttl == UseDefault {
		ttl = s.opts.DefaultTTL
	}
	if ttl < 0 {
		return time.Time{}
	}
	return from.Add(time.Duration(ttl) * time.Second)
}

// Get returns the live entry stored under key. Any storage error is logged
// and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	if s.closed.Load() || ctx.Err() != nil {
		return nil, false
	}
	now := s.now()
	if s.hot != nil {
		if e, ok := s.hot.Get(key); ok {
			if e.Expired(now) {
				s.hot.Del(key)
				return nil, false
			}
			s.recordAccess(key, now)
			c := *e
			return &c, true
		}
	}

	gen := s.gen.Load()
	var e *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		mi, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		mb, err := mi.ValueCopy(nil)
		if err != nil {
			return err
		}
		m, err := decodeMeta(mb)
		if err != nil {
			return err
		}
		if m.Expired(now) {
			return badger.ErrKeyNotFound
		}
		di, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		data, err := di.ValueCopy(nil)
		if err != nil {
			return err
		}
		e = &Entry{Meta: m, Data: data}
		return nil
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return nil, false
	}
	if s.afterRead != nil {
		s.afterRead(key)
	}
	s.recordAccess(key, now)
	if s.hot != nil {
		s.hot.Set(key, e, 0)
		if s.gen.Load() != gen {
			s.hot.Del(key)
		}
	}
	c := *e
	return &c, true
}

func (s *Store) recordAccess(key string, now time.Time) {
	if s.opts.Eviction != LeastRecentlyUsed && s.opts.Eviction != LeastFrequentlyUsed {
		return
	}
	v, _ := s.stats.LoadOrStore(key, &accessStat{})
	st := v.(*accessStat)
	st.last.Store(now.UnixNano())
	st.hits.Inc()
}

// Put stores data under key with the given content type and lifetime.
// Failures are logged and reported as false.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte, ttl TTL) bool {
	return s.PutEntry(ctx, key, Meta{ContentType: contentType}, data, ttl)
}

// PutEntry stores data with caller supplied metadata (validators, tag).
func (s *Store) PutEntry(ctx context.Context, key string, m Meta, data []byte, ttl TTL) bool {
	if s.closed.Load() {
		return false
	}
	mu := s.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	m.URL = key
	m.Size = int64(len(data))
	m.StoredAt = now
	m.AccessedAt = now
	m.ExpiresAt = s.expiry(ttl, now)

	mb, err := encodeMeta(m)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("key", key).Msg("cache encode failed")
		return false
	}
	var prevSize int64
	err = s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(metaKey(key)); err == nil {
			_ = item.Value(func(v []byte) error {
				if pm, err := decodeMeta(v); err == nil {
					prevSize = pm.Size
				}
				return nil
			})
		}
		if err := txn.Set(dataKey(key), data); err != nil {
			return err
		}
		return txn.Set(metaKey(key), mb)
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache write failed")
		return false
	}
	s.stats.Delete(key)
	s.invalidate(key)

	s.mu.Lock()
	s.used += m.Size - prevSize
	over := s.opts.SizeLimit > 0 && s.used > s.opts.SizeLimit
	s.mu.Unlock()
	if over && s.opts.Eviction != NoEviction {
		s.evict(ctx, key)
	}

	log.Ctx(ctx).Debug().Str("key", key).Str("ttl", ttl.String()).Int64("size", m.Size).Msg("cached")
	return true
}

// Touch updates the expiry of an existing entry without rewriting its payload.
func (s *Store) Touch(ctx context.Context, key string, ttl TTL) bool {
	if s.closed.Load() {
		return false
	}
	mu := s.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	mkey := metaKey(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(mkey)
		if err != nil {
			return err
		}
		mb, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		m, err := decodeMeta(mb)
		if err != nil {
			return err
		}
		m.ExpiresAt = s.expiry(ttl, s.now())
		nb, err := encodeMeta(m)
		if err != nil {
			return err
		}
		return txn.Set(mkey, nb)
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache touch failed")
		}
		return false
	}
	s.invalidate(key)
	return true
}

// Listing is one row of the cache listing.
type Listing struct {
	Key         string
	ContentType string
	Size        int64
	StoredAt    time.Time
	ExpiresAt   time.Time
}

// List returns every live, untagged entry sorted by key. Entries whose
// metadata cannot be decoded are skipped.
func (s *Store) List(ctx context.Context) ([]Listing, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	now := s.now()
	var out []Listing
	err := s.iterMeta(func(key string, m Meta, err error) bool {
		if ctx.Err() != nil {
			return false
		}
		if err != nil || m.Tag != "" || m.Expired(now) {
			return true
		}
		out = append(out, Listing{
			Key:         key,
			ContentType: m.ContentType,
			Size:        m.Size,
			StoredAt:    m.StoredAt,
			ExpiresAt:   m.ExpiresAt,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, ctx.Err()
}

// Sweep deletes expired entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	if s.closed.Load() {
		return 0
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	now := s.now()
	var victims []candidate
	_ = s.iterMeta(func(key string, m Meta, err error) bool {
		if err == nil && m.Expired(now) {
			victims = append(victims, candidate{key: key, meta: m})
		}
		return ctx.Err() == nil
	})
	return s.remove(ctx, victims)
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.Sweep(ctx); n > 0 {
					log.Debug().Int("removed", n).Msg("cache sweep")
				}
			}
		}
	}()
}

func (s *Store) evict(ctx context.Context, keep string) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	s.mu.Lock()
	used := s.used
	s.mu.Unlock()
	if used <= s.opts.SizeLimit {
		return
	}
	now := s.now()
	var cs []candidate
	_ = s.iterMeta(func(key string, m Meta, err error) bool {
		if err != nil || key == keep || m.Tag != "" {
			return true
		}
		if v, ok := s.stats.Load(key); ok {
			st := v.(*accessStat)
			if last := st.last.Load(); last > 0 {
				m.AccessedAt = time.Unix(0, last)
			}
			m.Hits += st.hits.Load()
		}
		cs = append(cs, candidate{key: key, meta: m})
		return true
	})
	order(s.opts.Eviction, now, cs)

	var victims []candidate
	for _, c := range cs {
		if used <= s.opts.SizeLimit {
			break
		}
		victims = append(victims, c)
		used -= c.meta.Size
	}
	n := s.remove(ctx, victims)
	log.Ctx(ctx).Debug().Int("evicted", n).Str("policy", string(s.opts.Eviction)).Msg("cache eviction")
}

// remove deletes victims and releases their size from the accounting.
func (s *Store) remove(ctx context.Context, victims []candidate) int {
	n, freed := s.deleteBatch(ctx, victims)
	s.mu.Lock()
	s.used -= freed
	s.mu.Unlock()
	return n
}

func (s *Store) deleteBatch(ctx context.Context, victims []candidate) (int, int64) {
	if len(victims) == 0 {
		return 0, 0
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	var freed int64
	for _, v := range victims {
		if err := wb.Delete(metaKey(v.key)); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("cache delete failed")
			return 0, 0
		}
		if err := wb.Delete(dataKey(v.key)); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("cache delete failed")
			return 0, 0
		}
		freed += v.meta.Size
	}
	if err := wb.Flush(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache delete flush failed")
		return 0, 0
	}
	for _, v := range victims {
		s.stats.Delete(v.key)
		s.invalidate(v.key)
	}
	return len(victims), freed
}

func (s *Store) scanUsed() (int64, error) {
	var used int64
	err := s.iterMeta(func(_ string, m Meta, err error) bool {
		if err == nil {
			used += m.Size
		}
		return true
	})
	return used, err
}

// iterMeta calls fn for every metadata record; fn returns false to stop.
func (s *Store) iterMeta(fn func(key string, m Meta, err error) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(metaPrefix):])
			var m Meta
			derr := item.Value(func(v []byte) error {
				var err error
				m, err = decodeMeta(v)
				return err
			})
			if !fn(key, m, derr) {
				return nil
			}
		}
		return nil
	})
}
