// Package cache はサイズ上限と有効期限付きのインメモリキャッシュを提供する。
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTL は容量上限と有効期限（TTL）を持つゴルーチンセーフなキャッシュ。
// 挿入時刻から ttl を超えたエントリは返さない。
// 容量を超えた場合は最も古く挿入されたエントリから追い出す。
type TTL[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	order   *list.List // 挿入順（先頭が最古）
	entries map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	inserted time.Time
}

// Option はTTLキャッシュの設定オプション。
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New は新しいTTLキャッシュを生成する。
// capacity が0以下の場合は1として扱う。
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TTL[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		order:    list.New(),
		entries:  make(map[K]*list.Element),
	}
}

// Get はキーに対応する値を返す。存在しないか期限切れの場合は ok=false を返す。
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expired(e, c.now()) {
		c.removeElement(el)
		return zero, false
	}
	return e.value, true
}

// Put は値を格納する。既存キーの場合は値と挿入時刻を更新する。
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}

	if c.order.Len() >= c.capacity {
		c.evictExpired(now)
	}
	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
	}

	el := c.order.PushBack(&entry[K, V]{key: key, value: value, inserted: now})
	c.entries[key] = el
}

// Delete はキーを削除する。
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Purge は全エントリを削除する。
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[K]*list.Element)
}

// Len は期限切れを含む保持中のエントリ数を返す。
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *TTL[K, V]) expired(e *entry[K, V], now time.Time) bool {
	return now.Sub(e.inserted) > c.ttl
}

// evictExpired は期限切れのエントリを先頭から削除する。
// 挿入順に並んでいるため、最初の有効なエントリで打ち切れる。
func (c *TTL[K, V]) evictExpired(now time.Time) {
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry[K, V])
		if !c.expired(e, now) {
			return
		}
		next := el.Next()
		c.removeElement(el)
		el = next
	}
}

func (c *TTL[K, V]) removeElement(el *list.Element) {
	e := el.Value.(*entry[K, V])
	delete(c.entries, e.key)
	c.order.Remove(el)
}
