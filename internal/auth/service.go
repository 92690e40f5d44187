// Package auth はTelegramログインの署名検証、購読確認、セッション管理を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/subgate/internal/model"
	"github.com/hitoshi/subgate/internal/repository"
	"github.com/hitoshi/subgate/internal/security"
)

// MembershipChecker は購読判定のインターフェース。membership.Oracleが実装する。
type MembershipChecker interface {
	// IsMember はユーザーが購読中かを返す。上流の失敗は判定方針に従ってfalse等に変換される。
	IsMember(ctx context.Context, userID int64, useCache bool) bool
	// Invalidate はユーザーのキャッシュエントリを破棄する。
	Invalidate(ctx context.Context, userID int64)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BotUsername        string
	ChannelLink        string
	StatusRecheckAfter time.Duration // GetSessionで再確認を行う最終確認からの経過時間
}

// LoginResult はログイン処理の結果。
// Subscribedがfalseの場合もセッションは保存されており、呼び出し側で403に変換する。
type LoginResult struct {
	Subscribed bool
	Session    *model.Session
}

// ConfigView はフロントエンドに公開する設定。
type ConfigView struct {
	BotUsername string `json:"botUsername"`
	ChannelLink string `json:"channelLink"`
}

// Service はログインとセッションに関するビジネスロジックを提供する。
type Service struct {
	verifier    *Verifier
	membership  MembershipChecker
	sessionRepo repository.SessionRepository
	sanitizer   security.ProfileSanitizer
	config      ServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	verifier *Verifier,
	membership MembershipChecker,
	sessionRepo repository.SessionRepository,
	sanitizer security.ProfileSanitizer,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		verifier:    verifier,
		membership:  membership,
		sessionRepo: sessionRepo,
		sanitizer:   sanitizer,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// Login はログインペイロードを検証し、購読状態を確認してセッションを保存する。
// 購読していない場合もセッションは保存し、Subscribed=falseの結果を返す。
func (s *Service) Login(ctx context.Context, appID string, assertion *model.LoginAssertion) (*LoginResult, error) {
	// 1. 入力形式の検証
	if err := ValidateAppID(appID); err != nil {
		return nil, err
	}
	if assertion == nil || assertion.ID <= 0 {
		return nil, model.NewInvalidUserIDError()
	}

	// 2. 署名と鮮度の検証
	if !s.verifier.Verify(assertion) {
		s.logger.Warn("ログインペイロードの検証に失敗しました",
			slog.String("app_id", appID),
			slog.Int64("user_id", assertion.ID),
		)
		return nil, model.NewAuthInvalidError()
	}

	// 3. 上流に購読状態を問い合わせる（キャッシュは使わない）
	subscribed := s.membership.IsMember(ctx, assertion.ID, false)

	// 4. 表示用属性を無害化して保存する。同一アプリIDへの書き込みは後勝ち
	now := s.now()
	session := &model.Session{
		AppID:        appID,
		UserID:       assertion.ID,
		Profile:      s.sanitizer.SanitizeProfile(assertion.Profile()),
		IsSubscribed: subscribed,
		LastCheck:    now,
		CreatedAt:    now,
	}
	if err := s.sessionRepo.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("ログインしました",
		slog.String("app_id", appID),
		slog.Int64("user_id", assertion.ID),
		slog.Bool("subscribed", subscribed),
	)

	return &LoginResult{Subscribed: subscribed, Session: session}, nil
}

// GetSession は保存済みのセッションを返す。
// 最終確認からStatusRecheckAfterを超えて経過している場合はキャッシュ経由で再確認し、結果を保存する。
func (s *Service) GetSession(ctx context.Context, appID string) (*model.Session, error) {
	session, err := s.findSession(ctx, appID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if now.Sub(session.LastCheck) <= s.config.StatusRecheckAfter {
		return session, nil
	}

	subscribed := s.membership.IsMember(ctx, session.UserID, true)
	if _, err := s.sessionRepo.UpdateMembership(ctx, appID, subscribed, now); err != nil {
		return nil, fmt.Errorf("failed to update membership: %w", err)
	}
	session.IsSubscribed = subscribed
	session.LastCheck = now

	return session, nil
}

// RecheckStatus は上流に購読状態を問い合わせ、結果を保存して返す。
func (s *Service) RecheckStatus(ctx context.Context, appID string) (bool, error) {
	session, err := s.findSession(ctx, appID)
	if err != nil {
		return false, err
	}

	subscribed := s.membership.IsMember(ctx, session.UserID, false)
	if _, err := s.sessionRepo.UpdateMembership(ctx, appID, subscribed, s.now()); err != nil {
		return false, fmt.Errorf("failed to update membership: %w", err)
	}

	return subscribed, nil
}

// Logout はセッションを削除し、対象ユーザーのキャッシュエントリを破棄する。
func (s *Service) Logout(ctx context.Context, appID string) error {
	session, err := s.findSession(ctx, appID)
	if err != nil {
		return err
	}

	deleted, err := s.sessionRepo.Delete(ctx, appID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if !deleted {
		return model.NewSessionNotFoundError()
	}

	s.membership.Invalidate(ctx, session.UserID)
	s.logger.Info("ログアウトしました", slog.String("app_id", appID))
	return nil
}

// PublicConfig はフロントエンド向けの設定を返す。
func (s *Service) PublicConfig() ConfigView {
	return ConfigView{
		BotUsername: s.config.BotUsername,
		ChannelLink: s.config.ChannelLink,
	}
}

// findSession はアプリIDを検証してセッションを取得する。存在しない場合はSESSION_NOT_FOUNDを返す。
func (s *Service) findSession(ctx context.Context, appID string) (*model.Session, error) {
	if err := ValidateAppID(appID); err != nil {
		return nil, err
	}

	session, err := s.sessionRepo.FindByAppID(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError()
	}
	return session, nil
}
