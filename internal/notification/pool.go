package notification

import (
	"sync"
	"time"

	"github.com/hitoshi/notefeed/internal/cache"
)

const (
	// DefaultPoolCapacity はプールが保持するフィード数の上限のデフォルト値。
	DefaultPoolCapacity = 10000
	// DefaultPoolTTL はプール内のフィードの有効期間のデフォルト値。
	DefaultPoolTTL = 10 * time.Minute
)

// Pool はユーザーIDごとのFeedを保持する。
// 同一ユーザーの連続したリクエストでアクター名キャッシュを再利用しつつ、
// 保持数と有効期間でメモリ使用量を抑える。
type Pool struct {
	deps  Deps
	mu    sync.Mutex
	feeds *cache.TTL[string, *Feed]
}

// NewPool はPoolを生成する。capacity・ttlが0以下の場合はデフォルト値を使用する。
func NewPool(deps Deps, capacity int, ttl time.Duration) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if ttl <= 0 {
		ttl = DefaultPoolTTL
	}
	var opts []cache.Option
	if deps.Clock != nil {
		opts = append(opts, cache.WithClock(deps.Clock))
	}
	return &Pool{
		deps:  deps,
		feeds: cache.New[string, *Feed](capacity, ttl, opts...),
	}
}

// ForUser はユーザーのFeedを返す。存在しないか期限切れの場合は新規に生成する。
func (p *Pool) ForUser(userID string) *Feed {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.feeds.Get(userID); ok {
		return f
	}
	f := NewFeed(userID, p.deps)
	p.feeds.Put(userID, f)
	return f
}

// Len はプールが保持するフィード数を返す。
func (p *Pool) Len() int {
	return p.feeds.Len()
}
