package redis

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	str     string
	hash    map[string]string
	list    []string
	expires time.Time
}

// memoryClient implements Client in process memory. Expiry is applied lazily.
type memoryClient struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
	now  func() time.Time
}

// NewMemoryClient returns an empty in-memory Client
func NewMemoryClient() Client {
	return &memoryClient{
		data: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

// entry returns the live entry for key, dropping it if expired. Caller holds mu.
func (m *memoryClient) entry(key string, create bool) *memoryEntry {
	e, ok := m.data[key]
	if ok && !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		e = &memoryEntry{}
		m.data[key] = e
	}
	return e
}

func (m *memoryClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memoryEntry{str: fmt.Sprint(value)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *memoryClient) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, false)
	if e == nil || e.hash != nil || e.list != nil {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return e.str, nil
}

func (m *memoryClient) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryClient) HSet(ctx context.Context, key string, field string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, true)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = fmt.Sprint(value)
	return nil
}

func (m *memoryClient) HGet(ctx context.Context, key string, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, false)
	if e == nil {
		return "", fmt.Errorf("hash field %s:%s: %w", key, field, ErrNotFound)
	}
	v, ok := e.hash[field]
	if !ok {
		return "", fmt.Errorf("hash field %s:%s: %w", key, field, ErrNotFound)
	}
	return v, nil
}

func (m *memoryClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	if e := m.entry(key, false); e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, true)
	for _, v := range values {
		e.list = append([]string{fmt.Sprint(v)}, e.list...)
	}
	return nil
}

func (m *memoryClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, false)
	if e == nil {
		return nil
	}
	lo, hi, ok := listBounds(int64(len(e.list)), start, stop)
	if !ok {
		delete(m.data, key)
		return nil
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
	return nil
}

func (m *memoryClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key, false)
	if e == nil {
		return []string{}, nil
	}
	lo, hi, ok := listBounds(int64(len(e.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), e.list[lo:hi+1]...), nil
}

func (m *memoryClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entry(key, false); e != nil {
		e.expires = m.now().Add(ttl)
	}
	return nil
}

func (m *memoryClient) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *memoryClient) Close() error {
	return nil
}

// listBounds resolves Redis style inclusive indexes, negative counting from the end
func listBounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
