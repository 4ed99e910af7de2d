// Package kvcache implements the per-session KV cache store: a per-layer
// append-only run of K/V vectors for each session, held in a doubly-linked
// recency list and evicted least-recently-used when the store exceeds its
// byte or entry bounds. Each session's buffers are pre-sized to its token
// capacity from a sync.Pool at acquire time, so steady-state decode
// traffic allocates nothing.
package kvcache

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/ariannamethod/weft/werr"
)

// Telemetry holds the store's atomic counters, readable without taking
// the store's lock.
type Telemetry struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Bytes     atomic.Int64
	Entries   atomic.Int64
}

// bufPool recycles per-layer K/V float32 buffers across sessions: get
// returns a zero-length slice with at least n spare capacity, put recycles
// one once a session's cache is dropped.
type bufPool struct {
	pool sync.Pool
}

func newBufPool() *bufPool {
	return &bufPool{pool: sync.Pool{New: func() any {
		s := make([]float32, 0, 4096)
		return &s
	}}}
}

func (p *bufPool) get(n int) []float32 {
	s := p.pool.Get().(*[]float32)
	if cap(*s) >= n {
		return (*s)[:0:n]
	}
	return make([]float32, 0, n)
}

func (p *bufPool) put(s []float32) {
	s = s[:0]
	p.pool.Put(&s)
}

// Shape fixes a session's KV geometry and token capacity at acquire time.
// Layers, KVHeads, and HeadDim must match the store's own geometry;
// Capacity is the session's maximum token count and sizes its buffers.
type Shape struct {
	Layers   int
	KVHeads  int
	HeadDim  int
	Capacity int
}

// layerBuf is one layer's K and V runs for one session, each pre-sized to
// capacity * kvHeads * headDim elements.
type layerBuf struct {
	k, v []float32 // len = seqLen * kvHeads * headDim
}

// session is one conversation's KV cache state: per-layer buffers, the
// token capacity they were reserved for, and the doubly-linked recency
// pointers that place it in the store's LRU list.
type session struct {
	id         string
	capacity   int   // maximum tokens
	reserved   int64 // bytes reserved for this session's buffers
	layers     []layerBuf
	prev, next *session
}

// Store is the process-wide KV cache: a capacity bound in bytes plus an
// optional entry-count bound, a single RWMutex guarding the session map and
// recency list, and atomic telemetry. All list mutations are O(1).
type Store struct {
	mu sync.RWMutex

	capacityBytes int64
	maxEntries    int // 0 = unbounded
	usedBytes     int64
	kvHeads       int
	headDim       int
	numLayers     int

	sessions map[uint64]*session
	head     *session // most recently used
	tail     *session // least recently used

	pool *bufPool
	log  *logrus.Entry

	Telemetry Telemetry
}

// NewStore constructs a Store for numLayers x kvHeads x headDim
// per-position vectors, evicting least-recently-used sessions once
// reserved bytes would exceed capacityBytes or the session count would
// exceed maxEntries (0 disables the entry bound).
func NewStore(capacityBytes int64, maxEntries, numLayers, kvHeads, headDim int) *Store {
	return &Store{
		capacityBytes: capacityBytes,
		maxEntries:    maxEntries,
		kvHeads:       kvHeads,
		headDim:       headDim,
		numLayers:     numLayers,
		sessions:      make(map[uint64]*session),
		pool:          newBufPool(),
		log:           logrus.WithField("component", "kvcache"),
	}
}

func fingerprint(id string) uint64 { return xxhash.Sum64String(id) }

func (st *Store) positionWidth() int { return st.kvHeads * st.headDim }

// Acquire returns the session for id, creating one sized to shape if
// absent, and moves it to the most-recently-used position. A new session
// reserves capacity*width float32s for K and V per layer up front; if
// evicting every other session still cannot free that much room, Acquire
// fails with KvCacheOverflow and the store is unchanged.
func (st *Store) Acquire(id string, shape Shape) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if shape.Layers != st.numLayers || shape.KVHeads != st.kvHeads || shape.HeadDim != st.headDim {
		return nil, werr.New(werr.ShapeMismatch,
			"kv cache: shape %dx%dx%d does not match store geometry %dx%dx%d",
			shape.Layers, shape.KVHeads, shape.HeadDim, st.numLayers, st.kvHeads, st.headDim)
	}
	if shape.Capacity <= 0 {
		return nil, werr.New(werr.ShapeMismatch, "kv cache: capacity must be positive, got %d", shape.Capacity)
	}

	key := fingerprint(id)
	s, ok := st.sessions[key]
	if ok {
		st.Telemetry.Hits.Add(1)
		st.moveToFront(s)
		return &Session{store: st, s: s}, nil
	}
	st.Telemetry.Misses.Add(1)

	bufLen := shape.Capacity * st.positionWidth()
	reserved := int64(bufLen) * 4 * 2 * int64(st.numLayers)
	if reserved > st.capacityBytes {
		return nil, werr.New(werr.KvCacheOverflow, "kv cache: capacity %d bytes cannot hold %d more", st.capacityBytes, reserved)
	}
	if err := st.evictUntilFits(nil, reserved); err != nil {
		return nil, err
	}

	s = &session{
		id:       id,
		capacity: shape.Capacity,
		reserved: reserved,
		layers:   make([]layerBuf, st.numLayers),
	}
	for l := range s.layers {
		s.layers[l].k = st.pool.get(bufLen)
		s.layers[l].v = st.pool.get(bufLen)
	}
	st.usedBytes += reserved
	st.Telemetry.Bytes.Store(st.usedBytes)
	st.sessions[key] = s
	st.pushFront(s)
	st.Telemetry.Entries.Add(1)
	if st.maxEntries > 0 {
		for len(st.sessions) > st.maxEntries && st.tail != nil && st.tail != s {
			st.log.WithField("session", st.tail.id).Warn("evicting least-recently-used session for entry bound")
			st.evict(st.tail)
		}
	}
	return &Session{store: st, s: s}, nil
}

// Trim evicts least-recently-used sessions until the store is back within
// both its byte and entry bounds. A no-op when already within bounds.
func (st *Store) Trim() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.tail != nil && (st.usedBytes > st.capacityBytes ||
		(st.maxEntries > 0 && len(st.sessions) > st.maxEntries)) {
		st.evict(st.tail)
	}
}

// Drop releases a session's buffers back to the pool and removes it from
// the store.
func (st *Store) Drop(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[fingerprint(id)]
	if !ok {
		return
	}
	st.evict(s)
}

// evict must be called with st.mu held.
func (st *Store) evict(s *session) {
	for _, lb := range s.layers {
		if cap(lb.k) > 0 {
			st.pool.put(lb.k)
		}
		if cap(lb.v) > 0 {
			st.pool.put(lb.v)
		}
	}
	st.usedBytes -= s.reserved
	st.removeFromList(s)
	delete(st.sessions, fingerprint(s.id))
	st.Telemetry.Evictions.Add(1)
	st.Telemetry.Entries.Add(-1)
	st.Telemetry.Bytes.Store(st.usedBytes)
}

// evictUntilFits must be called with st.mu held; it evicts least-recently
// used sessions (from st.tail) until need more bytes fit.
func (st *Store) evictUntilFits(protect *session, need int64) error {
	for st.usedBytes+need > st.capacityBytes {
		victim := st.tail
		if victim == nil || victim == protect {
			return werr.New(werr.KvCacheOverflow, "kv cache: capacity %d bytes cannot hold %d more", st.capacityBytes, need)
		}
		st.log.WithField("session", victim.id).Warn("evicting least-recently-used session for capacity")
		st.evict(victim)
	}
	return nil
}

// --- doubly-linked recency list ---

func (st *Store) pushFront(s *session) {
	s.prev = nil
	s.next = st.head
	if st.head != nil {
		st.head.prev = s
	}
	st.head = s
	if st.tail == nil {
		st.tail = s
	}
}

func (st *Store) removeFromList(s *session) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		st.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		st.tail = s.prev
	}
	s.prev, s.next = nil, nil
}

func (st *Store) moveToFront(s *session) {
	if st.head == s {
		return
	}
	st.removeFromList(s)
	st.pushFront(s)
}

// Session is a handle to one conversation's per-layer KV state, returned
// by Store.Acquire. It implements model.Cache.
type Session struct {
	store *Store
	s     *session
}

// Capacity reports the session's maximum token count, fixed at acquire.
func (sess *Session) Capacity() int { return sess.s.capacity }

// Append adds one position's K/V vectors for layer l. Appending past the
// session's own token capacity fails with KvCacheOverflow — the caller
// must drop the session and restart prefill with a larger shape. The
// buffers were reserved up front, so an in-capacity append never
// allocates or evicts.
func (sess *Session) Append(layer int, k, v []float32) error {
	st := sess.store
	st.mu.Lock()
	defer st.mu.Unlock()

	width := st.positionWidth()
	lb := &sess.s.layers[layer]
	if len(lb.k)+len(k) > sess.s.capacity*width {
		return werr.New(werr.KvCacheOverflow, "kv cache: session %s at capacity %d tokens", sess.s.id, sess.s.capacity)
	}
	lb.k = append(lb.k, k...)
	lb.v = append(lb.v, v...)
	st.moveToFront(sess.s)
	return nil
}

// Len reports the current sequence length for layer l.
func (sess *Session) Len(layer int) int {
	sess.store.mu.RLock()
	defer sess.store.mu.RUnlock()
	width := sess.store.positionWidth()
	if width == 0 {
		return 0
	}
	return len(sess.s.layers[layer].k) / width
}

// Keys returns the full [0:Len) run of K vectors for layer l.
func (sess *Session) Keys(layer int) []float32 {
	sess.store.mu.RLock()
	defer sess.store.mu.RUnlock()
	return sess.s.layers[layer].k
}

// Values returns the full [0:Len) run of V vectors for layer l.
func (sess *Session) Values(layer int) []float32 {
	sess.store.mu.RLock()
	defer sess.store.mu.RUnlock()
	return sess.s.layers[layer].v
}

// Truncate rolls a layer's sequence length back to p0 positions. The
// reservation is unchanged — truncation frees positions within the
// session's fixed-capacity buffers, not store bytes.
func (sess *Session) Truncate(layer int, p0 int) error {
	st := sess.store
	st.mu.Lock()
	defer st.mu.Unlock()
	width := st.positionWidth()
	lb := &sess.s.layers[layer]
	keep := p0 * width
	if keep > len(lb.k) {
		return werr.New(werr.ShapeMismatch, "truncate: p0 %d exceeds sequence length", p0)
	}
	lb.k = lb.k[:keep]
	lb.v = lb.v[:keep]
	return nil
}
