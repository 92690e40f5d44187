package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hitoshi/subgate/internal/metrics"
	"github.com/hitoshi/subgate/internal/telegram"
)

// FailurePolicy はレート制限以外の上流エラー時の判定方針。
type FailurePolicy int

const (
	// FailClosed は上流エラー時に未購読として扱う（デフォルト）。
	FailClosed FailurePolicy = iota
	// FailOpenStale は上流エラー時にキャッシュの直近値があればそれを返し、なければ未購読として扱う。
	FailOpenStale
)

// ParseFailurePolicy は設定値をFailurePolicyに変換する。
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "fail_closed":
		return FailClosed, nil
	case "fail_open_stale":
		return FailOpenStale, nil
	default:
		return FailClosed, fmt.Errorf("unknown membership failure policy: %q", s)
	}
}

// ChatMemberAPI は購読判定に必要なBot APIのインターフェース。
type ChatMemberAPI interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	GetChatMember(ctx context.Context, chatID string, userID int64) (*telegram.ChatMember, error)
}

// IsMemberStatus はgetChatMemberのステータスが購読中に該当するかを判定する。
// creator(owner)、administrator、memberを購読中とする。
func IsMemberStatus(status telegram.ChatMemberStatus) bool {
	switch status {
	case telegram.StatusCreator, telegram.StatusOwner, telegram.StatusAdministrator, telegram.StatusMember:
		return true
	default:
		return false
	}
}

// Oracle は指定チャンネルの購読状態を判定する。
// キャッシュを高速パスおよびレート制限時のフォールバックとして使用する。
type Oracle struct {
	api     ChatMemberAPI
	cache   Cache
	chatID  string
	policy  FailurePolicy
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewOracle はOracleを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewOracle(
	api ChatMemberAPI,
	cache Cache,
	chatID string,
	policy FailurePolicy,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Oracle {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Oracle{
		api:     api,
		cache:   cache,
		chatID:  chatID,
		policy:  policy,
		logger:  logger,
		metrics: collector,
	}
}

// IsMember はユーザーが購読中かを返す。エラーは返さず、失敗時は方針に従って値を決める。
//
// useCacheがtrueで有効なキャッシュがあればそれを返す。それ以外は上流に問い合わせ、
// 成功時は結果をキャッシュに書き込む（useCache=falseでも更新する）。
// レート制限時はキャッシュの値（期限切れ含む）があればそれを、なければfalseを返す。
// その他のエラーはfalse（FailOpenStaleの場合はキャッシュの値）を返し、失敗結果はキャッシュしない。
func (o *Oracle) IsMember(ctx context.Context, userID int64, useCache bool) bool {
	if useCache {
		if v, ok := o.cache.Get(ctx, userID); ok {
			o.metrics.RecordMembershipCheck(metrics.SourceCache, outcomeOf(v))
			return v
		}
	}

	v, err := o.Check(ctx, userID)
	if err == nil {
		return v
	}

	if telegram.IsRateLimited(err) {
		o.logger.Warn("Bot APIのレート制限に達しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		if stale, ok := o.cache.Peek(ctx, userID); ok {
			o.metrics.RecordMembershipCheck(metrics.SourceStale, outcomeOf(stale))
			return stale
		}
		return false
	}

	o.logger.Error("購読状態の確認に失敗しました",
		slog.Int64("user_id", userID),
		slog.String("reason", failureReason(err)),
		slog.String("error", err.Error()),
	)
	if o.policy == FailOpenStale {
		if stale, ok := o.cache.Peek(ctx, userID); ok {
			o.metrics.RecordMembershipCheck(metrics.SourceStale, outcomeOf(stale))
			return stale
		}
	}
	return false
}

// Check は上流に問い合わせて購読状態を返す。キャッシュは参照しない。
// 成功時は結果をキャッシュに書き込み、失敗時はエラーを返してキャッシュを変更しない。
// リコンシリエーションのように失敗と未購読を区別する必要がある呼び出し元が使用する。
func (o *Oracle) Check(ctx context.Context, userID int64) (bool, error) {
	start := time.Now()
	member, err := o.api.GetChatMember(ctx, o.chatID, userID)
	o.metrics.RecordUpstreamLatency("getChatMember", time.Since(start))

	if err != nil {
		if telegram.IsRateLimited(err) {
			o.metrics.RecordMembershipCheck(metrics.SourceUpstream, metrics.OutcomeRateLimited)
		} else {
			o.metrics.RecordMembershipCheck(metrics.SourceUpstream, metrics.OutcomeError)
		}
		return false, fmt.Errorf("failed to get chat member: %w", err)
	}

	isMember := IsMemberStatus(member.Status)
	o.cache.Put(ctx, userID, isMember)
	o.metrics.RecordMembershipCheck(metrics.SourceUpstream, outcomeOf(isMember))
	return isMember, nil
}

// Invalidate はユーザーのキャッシュエントリを破棄する。
func (o *Oracle) Invalidate(ctx context.Context, userID int64) {
	o.cache.Invalidate(ctx, userID)
}

// CheckBotAdmin はボットが対象チャンネルの管理者かを確認する。
// 管理者でない場合はgetChatMemberで他ユーザーの状態を取得できない。
func (o *Oracle) CheckBotAdmin(ctx context.Context) (bool, error) {
	me, err := o.api.GetMe(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get bot identity: %w", err)
	}

	member, err := o.api.GetChatMember(ctx, o.chatID, me.ID)
	if err != nil {
		return false, fmt.Errorf("failed to get bot membership: %w", err)
	}

	switch member.Status {
	case telegram.StatusCreator, telegram.StatusOwner, telegram.StatusAdministrator:
		return true, nil
	default:
		return false, nil
	}
}

func outcomeOf(isMember bool) string {
	if isMember {
		return metrics.OutcomeMember
	}
	return metrics.OutcomeNotMember
}

// failureReason はログ用に上流エラーの種別を返す。
func failureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, new(*telegram.APIError)):
		return "api_error"
	default:
		return "network"
	}
}
