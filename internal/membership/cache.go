// Package membership はチャンネル購読判定とその結果キャッシュを提供する。
package membership

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL は購読判定結果の有効期間。
const DefaultCacheTTL = 5 * time.Minute

// Cache はユーザーIDごとの直近の購読判定結果を保持する。
// 失われてもデータ損失はなく、上流への呼び出しが1回増えるだけの補助構造。
type Cache interface {
	// Get は有効期限内のエントリを返す。期限切れまたは未登録の場合はok=falseを返す。
	Get(ctx context.Context, userID int64) (isMember bool, ok bool)
	// Peek は有効期限を無視してエントリを返す。レート制限時のフォールバックに使用する。
	Peek(ctx context.Context, userID int64) (isMember bool, ok bool)
	// Put は判定結果を現在時刻で記録する。
	Put(ctx context.Context, userID int64, isMember bool)
	// Invalidate はエントリを削除する。
	Invalidate(ctx context.Context, userID int64)
	// EvictExpired はnow時点で期限切れのエントリを削除し、残存エントリ数を返す。
	EvictExpired(now time.Time) int
}

// record はキャッシュエントリ。
type record struct {
	isMember   bool
	recordedAt time.Time
}

// MemoryCache はプロセス内のCache実装。
// sync.RWMutexで保護されたmapを使用し、並行アクセスに対して安全。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[int64]record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
// ttlが0以下の場合はDefaultCacheTTLを使用する。nowがnilの場合はtime.Nowを使用する。
func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries: make(map[int64]record),
		ttl:     ttl,
		now:     now,
	}
}

// Get は有効期限内のエントリを返す。
// 期限切れエントリはここでは削除せず、Peekでの参照のためスイープまで保持する。
func (c *MemoryCache) Get(_ context.Context, userID int64) (bool, bool) {
	c.mu.RLock()
	rec, ok := c.entries[userID]
	c.mu.RUnlock()

	if !ok || c.now().Sub(rec.recordedAt) >= c.ttl {
		return false, false
	}
	return rec.isMember, true
}

// Peek は有効期限を無視してエントリを返す。
func (c *MemoryCache) Peek(_ context.Context, userID int64) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.entries[userID]
	return rec.isMember, ok
}

// Put は判定結果を記録する。
func (c *MemoryCache) Put(_ context.Context, userID int64, isMember bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[userID] = record{isMember: isMember, recordedAt: c.now()}
}

// Invalidate はエントリを削除する。
func (c *MemoryCache) Invalidate(_ context.Context, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, userID)
}

// EvictExpired はrecordedAtからTTL以上経過したエントリを削除し、残存エントリ数を返す。
func (c *MemoryCache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, rec := range c.entries {
		if now.Sub(rec.recordedAt) >= c.ttl {
			delete(c.entries, id)
		}
	}
	return len(c.entries)
}

// Len は現在のエントリ数を返す。テストおよびメトリクス用。
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweeper は一定間隔でCache.EvictExpiredを呼び出すバックグラウンドジョブ。
type Sweeper struct {
	cache    Cache
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(remaining int)
}

// NewSweeper はSweeperを生成する。intervalが0以下の場合は1分を使用する。
// onSweepはスイープ完了ごとに残存エントリ数を受け取る（nil可）。
func NewSweeper(cache Cache, interval time.Duration, logger *slog.Logger, onSweep func(remaining int)) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		logger:   logger,
		onSweep:  onSweep,
	}
}

// Start はティッカーでスイープを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("購読キャッシュのスイープを停止しました")
			return
		case now := <-ticker.C:
			remaining := s.cache.EvictExpired(now)
			if s.onSweep != nil {
				s.onSweep(remaining)
			}
		}
	}
}

// compile-time interface check
var _ Cache = (*MemoryCache)(nil)
