// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/subgate/internal/model"
)

// SessionRepository はアプリID単位のセッションの永続化インターフェース。
type SessionRepository interface {
	// FindByAppID は指定アプリIDのセッションを取得する。見つからない場合はnilを返す。
	FindByAppID(ctx context.Context, appID string) (*model.Session, error)

	// Upsert はセッションを作成または置き換える。同一アプリIDへの並行書き込みは後勝ちとなる。
	// last_checkは書き込み時刻で更新される。
	Upsert(ctx context.Context, session *model.Session) error

	// UpdateMembership は購読状態と最終確認時刻のみを更新する。updated_atは変更しない。
	// 対象が存在しない場合はfalseを返す。
	UpdateMembership(ctx context.Context, appID string, isSubscribed bool, checkedAt time.Time) (bool, error)

	// Delete は指定アプリIDのセッションを削除する。削除した行がない場合はfalseを返す。
	Delete(ctx context.Context, appID string) (bool, error)

	// ListAll はリコンシリエーション対象の全セッションのアプリIDとユーザーIDを返す。
	ListAll(ctx context.Context) ([]model.SessionRef, error)
}
