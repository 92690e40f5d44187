// Package cleanup は長期間ログインされていないセッションの削除ジョブを提供する。
// 削除されたアプリIDはリコンシリエーションの対象から外れ、上流への問い合わせ件数が減る。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はジョブの実行間隔。
const DefaultInterval = 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SessionCleanupJob はupdated_at（最終ログイン時刻）が保持期間より古いセッションを削除するジョブ。
type SessionCleanupJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time

	RetentionDays int // 最終ログインからの保持日数。0以下の場合は何も削除しない
}

// NewSessionCleanupJob はSessionCleanupJobを生成する。
func NewSessionCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *SessionCleanupJob {
	return &SessionCleanupJob{
		db:            db,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Start はinterval間隔でRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *SessionCleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// エラーはRun内でログ出力済み
			_, _ = j.Run(ctx)
		}
	}
}

// Run は保持期間を超過したセッションを削除し、削除件数を返す。
// 削除対象がない場合もエラーにはならない。
func (j *SessionCleanupJob) Run(ctx context.Context) (int64, error) {
	if j.RetentionDays <= 0 {
		return 0, nil
	}

	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	result, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("failed to delete stale sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	j.logger.Info("セッションクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}
