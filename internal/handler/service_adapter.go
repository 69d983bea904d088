package handler

import "github.com/hitoshi/notefeed/internal/notification"

// PoolFeedProvider は notification.Pool を FeedProvider に適合させるアダプタ。
type PoolFeedProvider struct {
	pool *notification.Pool
}

// NewPoolFeedProvider はPoolFeedProviderを生成する。
func NewPoolFeedProvider(pool *notification.Pool) *PoolFeedProvider {
	return &PoolFeedProvider{pool: pool}
}

// ForUser はユーザーのフィードをプールから取得する。
func (p *PoolFeedProvider) ForUser(userID string) NotificationFeed {
	return p.pool.ForUser(userID)
}
