// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/subgate/internal/auth"
	"github.com/hitoshi/subgate/internal/middleware"
	"github.com/hitoshi/subgate/internal/model"
)

// AuthServiceInterface はハンドラーが必要とする認証サービスのインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, appID string, assertion *model.LoginAssertion) (*auth.LoginResult, error)
	GetSession(ctx context.Context, appID string) (*model.Session, error)
	RecheckStatus(ctx context.Context, appID string) (bool, error)
	Logout(ctx context.Context, appID string) error
	PublicConfig() auth.ConfigView
}

// AuthHandler はログイン、セッション参照、ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

// loginResponse はログイン成功時のレスポンス。
type loginResponse struct {
	Success    bool         `json:"success"`
	User       userResponse `json:"user"`
	Subscribed bool         `json:"subscribed"`
	AppID      string       `json:"appId"`
}

// subscriptionRequiredResponse は未購読時の403レスポンス。
type subscriptionRequiredResponse struct {
	middleware.ErrorResponseBody
	Subscribed bool         `json:"subscribed"`
	AppID      string       `json:"appId"`
	User       userResponse `json:"user"`
}

// sessionResponse はGET /api/user/{appId}のレスポンス。
type sessionResponse struct {
	User       userResponse `json:"user"`
	Subscribed bool         `json:"subscribed"`
}

// subscriptionStatusResponse はGET /api/subscription-status/{appId}のレスポンス。
type subscriptionStatusResponse struct {
	Subscribed bool   `json:"subscribed"`
	AppID      string `json:"appId"`
}

// Login はログインウィジェットのペイロードを検証し、購読状態を返す。
// POST /api/auth
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	// 1. ペイロードのデコード
	appID, assertion, err := auth.ParseLoginPayload(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// 2. 認証と購読確認
	result, err := h.service.Login(r.Context(), appID, assertion)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user := toUserResponse(result.Session)

	// 3. 未購読の場合はプロフィールを添えて403を返す
	if !result.Subscribed {
		middleware.WriteJSON(w, http.StatusForbidden, subscriptionRequiredResponse{
			ErrorResponseBody: middleware.NewErrorResponseBody(model.NewSubscriptionRequiredError()),
			Subscribed:        false,
			AppID:             appID,
			User:              user,
		})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, loginResponse{
		Success:    true,
		User:       user,
		Subscribed: true,
		AppID:      appID,
	})
}

// GetUser は保存済みのユーザー情報と購読状態を返す。
// GET /api/user/{appId}
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), chi.URLParam(r, "appId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, sessionResponse{
		User:       toUserResponse(session),
		Subscribed: session.IsSubscribed,
	})
}

// SubscriptionStatus は上流に購読状態を再確認して返す。
// GET /api/subscription-status/{appId}
func (h *AuthHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")

	subscribed, err := h.service.RecheckStatus(r.Context(), appID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, subscriptionStatusResponse{
		Subscribed: subscribed,
		AppID:      appID,
	})
}

// Logout はセッションを削除する。
// DELETE /api/logout/{appId}
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), chi.URLParam(r, "appId")); err != nil {
		h.writeError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Config はフロントエンド向けの公開設定を返す。
// GET /api/config
func (h *AuthHandler) Config(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.service.PublicConfig())
}

// writeError はサービス層のエラーを統一フォーマットのレスポンスに変換する。
// APIError以外のエラーは詳細をログに記録し、汎用の500を返す。
func (h *AuthHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, middleware.StatusForError(apiErr), apiErr)
		return
	}

	h.logger.Error("internal server error",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
	)
	middleware.WriteInternalServerError(w)
}

func toUserResponse(s *model.Session) userResponse {
	return userResponse{
		ID:        s.UserID,
		FirstName: s.Profile.FirstName,
		LastName:  s.Profile.LastName,
		Username:  s.Profile.Username,
		PhotoURL:  s.Profile.PhotoURL,
	}
}
