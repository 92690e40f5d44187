package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/subgate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const upsertSessionQuery = `INSERT INTO sessions
	(app_id, user_id, first_name, last_name, username, photo_url, is_subscribed, last_check, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (app_id) DO UPDATE SET
		user_id = EXCLUDED.user_id,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		username = EXCLUDED.username,
		photo_url = EXCLUDED.photo_url,
		is_subscribed = EXCLUDED.is_subscribed,
		last_check = EXCLUDED.last_check,
		updated_at = EXCLUDED.updated_at`

// FindByAppID は指定アプリIDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByAppID(ctx context.Context, appID string) (*model.Session, error) {
	session := &model.Session{}
	var lastCheck sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT app_id, user_id, first_name, last_name, username, photo_url,
		        is_subscribed, last_check, created_at, updated_at
		 FROM sessions
		 WHERE app_id = $1`,
		appID,
	).Scan(
		&session.AppID, &session.UserID,
		&session.Profile.FirstName, &session.Profile.LastName,
		&session.Profile.Username, &session.Profile.PhotoURL,
		&session.IsSubscribed, &lastCheck, &session.CreatedAt, &session.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if lastCheck.Valid {
		session.LastCheck = lastCheck.Time
	}
	return session, nil
}

// Upsert はセッションを1文で作成または置き換える。
// CreatedAtとLastCheckが未設定の場合は現在時刻を使用する。UpdatedAtは常に現在時刻になる。
func (r *PostgresSessionRepo) Upsert(ctx context.Context, session *model.Session) error {
	now := time.Now()
	if session.LastCheck.IsZero() {
		session.LastCheck = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, upsertSessionQuery,
		session.AppID, session.UserID,
		session.Profile.FirstName, session.Profile.LastName,
		session.Profile.Username, session.Profile.PhotoURL,
		session.IsSubscribed, session.LastCheck, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// UpdateMembership は購読状態と最終確認時刻を更新する。
// updated_atはログイン時刻として保持期間の判定に使うため変更しない。
func (r *PostgresSessionRepo) UpdateMembership(ctx context.Context, appID string, isSubscribed bool, checkedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET is_subscribed = $2, last_check = $3
		 WHERE app_id = $1`,
		appID, isSubscribed, checkedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update membership: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// Delete は指定アプリIDのセッションを削除する。
func (r *PostgresSessionRepo) Delete(ctx context.Context, appID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE app_id = $1`,
		appID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListAll は全セッションのアプリIDとユーザーIDを返す。
func (r *PostgresSessionRepo) ListAll(ctx context.Context) ([]model.SessionRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT app_id, user_id FROM sessions ORDER BY app_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var refs []model.SessionRef
	for rows.Next() {
		var ref model.SessionRef
		if err := rows.Scan(&ref.AppID, &ref.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return refs, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
