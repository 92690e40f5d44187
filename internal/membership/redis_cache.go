package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix はRedisキーのプレフィックス。
const redisKeyPrefix = "subgate:membership:"

// RedisCache はRedisを使用したCache実装。
// 複数インスタンス間で判定結果を共有する場合に使用する。
// キーはTTLの2倍の期間保持し、期限切れ後もPeekでのフォールバック参照を可能にする。
// 鮮度は値に埋め込んだ記録時刻から判定する。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger, now func() time.Time) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

// NewRedisClient はREDIS_URL形式の接続文字列からクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Get は有効期限内のエントリを返す。Redisエラー時はキャッシュミスとして扱う。
func (c *RedisCache) Get(ctx context.Context, userID int64) (bool, bool) {
	rec, ok := c.load(ctx, userID)
	if !ok || c.now().Sub(rec.recordedAt) >= c.ttl {
		return false, false
	}
	return rec.isMember, true
}

// Peek は有効期限を無視してエントリを返す。
func (c *RedisCache) Peek(ctx context.Context, userID int64) (bool, bool) {
	rec, ok := c.load(ctx, userID)
	return rec.isMember, ok
}

// Put は判定結果を記録する。
func (c *RedisCache) Put(ctx context.Context, userID int64, isMember bool) {
	if err := c.client.Set(ctx, redisKey(userID), encodeRecord(isMember, c.now()), 2*c.ttl).Err(); err != nil {
		c.logger.Warn("購読キャッシュの書き込みに失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate はエントリを削除する。
func (c *RedisCache) Invalidate(ctx context.Context, userID int64) {
	if err := c.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		c.logger.Warn("購読キャッシュの削除に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// EvictExpired はRedisのキー有効期限に任せるため何もしない。常に-1を返す。
func (c *RedisCache) EvictExpired(time.Time) int {
	return -1
}

func (c *RedisCache) load(ctx context.Context, userID int64) (record, bool) {
	raw, err := c.client.Get(ctx, redisKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return record{}, false
	}
	if err != nil {
		c.logger.Warn("購読キャッシュの読み取りに失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return record{}, false
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return record{}, false
	}
	return rec, true
}

func redisKey(userID int64) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10)
}

// encodeRecord は"<0|1>:<記録時刻のUnixミリ秒>"形式にエンコードする。
func encodeRecord(isMember bool, at time.Time) string {
	flag := "0"
	if isMember {
		flag = "1"
	}
	return flag + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func decodeRecord(raw string) (record, error) {
	flag, ts, found := strings.Cut(raw, ":")
	if !found || (flag != "0" && flag != "1") {
		return record{}, fmt.Errorf("invalid cache record: %q", raw)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("invalid cache record timestamp: %w", err)
	}
	return record{isMember: flag == "1", recordedAt: time.UnixMilli(ms)}, nil
}

// compile-time interface check
var _ Cache = (*RedisCache)(nil)
