// Package reconcile は保存済みセッションの購読状態を定期的に上流と突き合わせるジョブを提供する。
// 起動から一定時間後に初回を実行し、以降は一定間隔で全セッションを順に再確認する。
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/subgate/internal/metrics"
	"github.com/hitoshi/subgate/internal/model"
)

const (
	// DefaultInitialDelay は起動から初回実行までの待機時間。
	DefaultInitialDelay = 60 * time.Second
	// DefaultInterval は実行間隔。
	DefaultInterval = 4 * time.Hour
	// DefaultSubjectDelay は上流への問い合わせ間隔。Bot APIのレート制限を避けるために空ける。
	DefaultSubjectDelay = 100 * time.Millisecond
)

// SessionStore はジョブが使用するセッションストアの操作。
type SessionStore interface {
	ListAll(ctx context.Context) ([]model.SessionRef, error)
	UpdateMembership(ctx context.Context, appID string, isSubscribed bool, checkedAt time.Time) (bool, error)
}

// MembershipChecker は失敗と未購読を区別して購読状態を返す。membership.Oracleが実装する。
type MembershipChecker interface {
	Check(ctx context.Context, userID int64) (bool, error)
}

// Clock は時刻と待機を抽象化する。テストでは手動で進める実装に差し替える。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker は定期実行の契機を通知する。*time.Tickerを包む。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker       { return realTicker{time.NewTicker(d)} }

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Summary は1回の実行結果。
type Summary struct {
	RunID    string
	Updated  int // 購読状態を更新したセッション数
	Errored  int // 上流エラーまたは保存失敗で更新できなかったセッション数
	Skipped  int // 実行中に削除され更新対象がなかったセッション数
	Duration time.Duration
}

// Job はリコンシリエーションジョブ。
type Job struct {
	store      SessionStore
	membership MembershipChecker
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	Clock        Clock
	InitialDelay time.Duration
	Interval     time.Duration
	SubjectDelay time.Duration
}

// NewJob はJobを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewJob(store SessionStore, membership MembershipChecker, logger *slog.Logger, collector metrics.MetricsCollector) *Job {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		store:        store,
		membership:   membership,
		logger:       logger,
		metrics:      collector,
		Clock:        realClock{},
		InitialDelay: DefaultInitialDelay,
		Interval:     DefaultInterval,
		SubjectDelay: DefaultSubjectDelay,
	}
}

// Start はInitialDelay経過後に初回を実行し、以降は初回の開始時刻を起点にInterval間隔で実行する。
// 実行時間は次回の開始時刻に影響しない。実行がIntervalを超えた場合、重なった回は飛ばされる。
// ctxがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context) {
	j.logger.Info("リコンシリエーションジョブを開始しました",
		slog.Duration("initial_delay", j.InitialDelay),
		slog.Duration("interval", j.Interval),
	)

	select {
	case <-ctx.Done():
		j.logger.Info("リコンシリエーションジョブを停止しました")
		return
	case <-j.Clock.After(j.InitialDelay):
	}

	ticker := j.Clock.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		j.runScheduled(ctx)

		select {
		case <-ctx.Done():
			j.logger.Info("リコンシリエーションジョブを停止しました")
			return
		case <-ticker.C():
		}
	}
}

func (j *Job) runScheduled(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("リコンシリエーションの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は全セッションの購読状態を1回再確認する。
// 上流エラーのセッションは更新せずErroredとして数え、処理は継続する。
// セッション一覧の取得に失敗した場合、またはctxがキャンセルされた場合はエラーを返す。
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	start := j.Clock.Now()
	summary := Summary{RunID: uuid.NewString()}
	logger := j.logger.With(slog.String("run_id", summary.RunID))

	refs, err := j.store.ListAll(ctx)
	if err != nil {
		return summary, err
	}

	logger.Info("リコンシリエーションを開始します", slog.Int("sessions", len(refs)))

	for i, ref := range refs {
		// 1. 2件目以降は問い合わせ間隔を空ける
		if i > 0 && j.SubjectDelay > 0 {
			select {
			case <-ctx.Done():
				return j.finish(logger, summary, start), ctx.Err()
			case <-j.Clock.After(j.SubjectDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return j.finish(logger, summary, start), err
		}

		// 2. 上流に問い合わせる。失敗は未購読として書き込まない
		isMember, err := j.membership.Check(ctx, ref.UserID)
		if err != nil {
			summary.Errored++
			logger.Warn("購読状態の再確認に失敗しました",
				slog.String("app_id", ref.AppID),
				slog.Int64("user_id", ref.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}

		// 3. 結果を保存する
		updated, err := j.store.UpdateMembership(ctx, ref.AppID, isMember, j.Clock.Now())
		if err != nil {
			summary.Errored++
			logger.Error("購読状態の保存に失敗しました",
				slog.String("app_id", ref.AppID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !updated {
			summary.Skipped++
			continue
		}
		summary.Updated++
	}

	return j.finish(logger, summary, start), nil
}

func (j *Job) finish(logger *slog.Logger, summary Summary, start time.Time) Summary {
	summary.Duration = j.Clock.Now().Sub(start)
	j.metrics.RecordReconcileRun(summary.Updated, summary.Errored, summary.Duration)

	logger.Info("リコンシリエーションが完了しました",
		slog.Int("updated", summary.Updated),
		slog.Int("errored", summary.Errored),
		slog.Int("skipped", summary.Skipped),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)
	return summary
}
