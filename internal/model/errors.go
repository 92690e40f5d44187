package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, subscription, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidAppID         = "INVALID_APP_ID"
	ErrCodeInvalidUserID        = "INVALID_USER_ID"
	ErrCodeInvalidPayload       = "INVALID_PAYLOAD"
	ErrCodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeAuthInvalid          = "AUTH_INVALID"
	ErrCodeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewInvalidAppIDError はアプリケーションIDの形式エラーを生成する。
func NewInvalidAppIDError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAppID,
		Message:  "Invalid AppId",
		Category: "validation",
		Action:   "AppIdには英数字、アンダースコア、ハイフンのみを1〜255文字で指定してください。",
	}
}

// NewInvalidUserIDError はユーザーIDの形式エラーを生成する。
func NewInvalidUserIDError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUserID,
		Message:  "Invalid user ID",
		Category: "validation",
		Action:   "Telegramログインウィジェットから受け取った値をそのまま送信してください。",
	}
}

// NewInvalidPayloadError はリクエストボディのパースエラーを生成する。
func NewInvalidPayloadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("Invalid request body: %s", reason),
		Category: "validation",
		Action:   "JSON形式のリクエストボディを送信してください。",
	}
}

// NewPayloadTooLargeError はリクエストボディが上限サイズを超えた場合のエラーを生成する。
func NewPayloadTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodePayloadTooLarge,
		Message:  fmt.Sprintf("Request body exceeds %d bytes", limit),
		Category: "validation",
		Action:   "ログインウィジェットから受け取った項目のみを送信してください。",
	}
}

// NewAuthInvalidError は署名不一致または有効期限切れの認証エラーを生成する。
func NewAuthInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthInvalid,
		Message:  "Invalid or expired authorization data (>24h)",
		Category: "auth",
		Action:   "Telegramで再度ログインしてください。",
	}
}

// NewSubscriptionRequiredError はチャンネル未購読エラーを生成する。
func NewSubscriptionRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionRequired,
		Message:  "Channel subscription required",
		Category: "subscription",
		Action:   "チャンネルを購読してから再度確認してください。",
	}
}

// NewSessionNotFoundError はアプリケーションIDに紐付くセッションが存在しない場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Telegramでログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
