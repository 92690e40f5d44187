// Package model はドメインモデルを定義する。
package model

import "time"

// Profile はTelegramログインウィジェットから受け取る表示用属性を表す。
// いずれも任意項目で、未設定の場合は空文字列になる。
type Profile struct {
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
}

// LoginAssertion はTelegramログインウィジェットが発行する署名付きペイロードを表す。
// 署名対象のフィールドは固定で、Hash自身とアプリケーションIDは署名対象に含まれない。
type LoginAssertion struct {
	ID        int64
	FirstName *string
	LastName  *string
	Username  *string
	PhotoURL  *string
	AuthDate  int64
	Hash      string
}

// Profile はペイロードの表示用属性をProfileとして返す。
func (a *LoginAssertion) Profile() Profile {
	return Profile{
		FirstName: deref(a.FirstName),
		LastName:  deref(a.LastName),
		Username:  deref(a.Username),
		PhotoURL:  deref(a.PhotoURL),
	}
}

// Session はアプリケーションIDごとのログイン状態を表す。
// アプリケーションIDにつき1件のみ存在し、紐付くSubjectは再ログインで差し替えられる。
type Session struct {
	AppID        string
	UserID       int64
	Profile      Profile
	IsSubscribed bool
	LastCheck    time.Time // ゼロ値は未チェック
	CreatedAt    time.Time
	UpdatedAt    time.Time // 最終ログイン時刻。購読状態の再確認では変わらない
}

// SessionRef はリコンシリエーション対象の(アプリケーションID, ユーザーID)の組を表す。
type SessionRef struct {
	AppID  string
	UserID int64
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
