package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store for unit tests. It is not
// meant to model Redis's memory-reclaim timing precisely: TTLs are
// enforced lazily, checked on read/exists rather than by a background
// sweep, which is enough to exercise the expiry-dependent logic above it.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	lists   map[string]*list.List
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	expiry  map[string]time.Time
}

type memEntry struct {
	value string
}

// NewMemoryStore creates an empty in-memory Store fake.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memEntry),
		lists:   make(map[string]*list.List),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		expiry:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) expired(key string) bool {
	exp, ok := m.expiry[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(m.strings, key)
		delete(m.sets, key)
		delete(m.hashes, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *MemoryStore) setExpiry(key string, ttl time.Duration) {
	if ttl <= 0 {
		delete(m.expiry, key)
		return
	}
	m.expiry[key] = time.Now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", ErrNil
	}
	e, ok := m.strings[key]
	if !ok {
		return "", ErrNil
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memEntry{value: value}
	m.setExpiry(key, ttl)
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.sets, k)
		delete(m.hashes, k)
		delete(m.lists, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	e := m.strings[key]
	n := parseInt(e.value) + 1
	e.value = formatInt(n)
	m.strings[key] = e
	if n == 1 {
		m.setExpiry(key, ttl)
	}
	return n, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	e := m.strings[key]
	n := parseInt(e.value) + delta
	e.value = formatInt(n)
	m.strings[key] = e
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setExpiry(key, ttl)
	return nil
}

func (m *MemoryStore) MGet(_ context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		if m.expired(k) {
			continue
		}
		out[i] = m.strings[k].value
	}
	return out, nil
}

func (m *MemoryStore) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok {
		l = list.New()
		m.lists[key] = l
	}
	l.PushFront(value)
	return nil
}

func (m *MemoryStore) RPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpopLocked(key)
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok {
		return 0, nil
	}
	return int64(l.Len()), nil
}

func (m *MemoryStore) rpopLocked(key string) (string, error) {
	l, ok := m.lists[key]
	if !ok || l.Len() == 0 {
		return "", ErrNil
	}
	back := l.Back()
	l.Remove(back)
	return back.Value.(string), nil
}

// BRPop polls the list until an element appears or the timeout elapses.
// Good enough to exercise claimNext's blocking-pop semantics in tests
// without depending on a real Redis blocking connection.
func (m *MemoryStore) BRPop(ctx context.Context, timeout time.Duration, key string) (KV, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		v, err := m.rpopLocked(key)
		m.mu.Unlock()
		if err == nil {
			return KV{Key: key, Value: v}, nil
		}
		if time.Now().After(deadline) {
			return KV{}, ErrNil
		}
		select {
		case <-ctx.Done():
			return KV{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	return int64(len(m.sets[key])), nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	h := m.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		// fallthrough: key no longer present
	}
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = memEntry{value: value}
	m.setExpiry(key, ttl)
	return true, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
