package cache

import (
	"sync"
	"time"
)

// MemCache is a small in-memory TTL set of keys backed by sync.Map. A
// background cleanup goroutine runs when NewMemCache is given a positive
// cleanupInterval.
type MemCache struct {
	items sync.Map
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

type item struct {
	expiration int64 // unix nano; 0 means no expiration
}

func NewMemCache(cleanupInterval time.Duration) *MemCache {
	m := &MemCache{
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			defer m.wg.Done()
			for {
				select {
				case <-ticker.C:
					m.cleanup()
				case <-m.stop:
					return
				}
			}
		}()
	}
	return m
}

// Seen reports whether key was recorded and is still live. When it was not,
// the key is recorded for ttl and false is returned.
func (m *MemCache) Seen(key string, ttl time.Duration) bool {
	fresh := newItem(ttl)
	for {
		actual, loaded := m.items.LoadOrStore(key, fresh)
		if !loaded {
			return false
		}
		if !actual.(*item).isExpired() {
			return true
		}
		// expired: replace it and treat as first sighting
		if m.items.CompareAndSwap(key, actual, fresh) {
			return false
		}
	}
}

func (m *MemCache) Close() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

func newItem(ttl time.Duration) *item {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	return &item{expiration: exp}
}

func (it *item) isExpired() bool {
	if it == nil || it.expiration == 0 {
		return false
	}
	return time.Now().UnixNano() > it.expiration
}

func (m *MemCache) cleanup() {
	now := time.Now().UnixNano()
	m.items.Range(func(k, v any) bool {
		it := v.(*item)
		if it.expiration != 0 && now > it.expiration {
			m.items.CompareAndDelete(k, v)
		}
		return true
	})
}
