// Package telegram はTelegram Bot APIのクライアントを提供する。
// チャンネル購読判定に必要なgetMeとgetChatMemberのみを扱う。
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// defaultBaseURL はBot APIのエンドポイント。
	defaultBaseURL = "https://api.telegram.org"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// ChatMemberStatus はgetChatMemberが返すメンバーのステータス。
type ChatMemberStatus string

const (
	StatusCreator       ChatMemberStatus = "creator"
	StatusOwner         ChatMemberStatus = "owner"
	StatusAdministrator ChatMemberStatus = "administrator"
	StatusMember        ChatMemberStatus = "member"
	StatusRestricted    ChatMemberStatus = "restricted"
	StatusLeft          ChatMemberStatus = "left"
	StatusKicked        ChatMemberStatus = "kicked"
)

// ErrRateLimited はBot APIのレート制限（HTTP 429 / error_code 429）を表す。
var ErrRateLimited = errors.New("telegram: rate limit exceeded")

// APIError はBot APIが返したエラーレスポンスを表す。
type APIError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

// Error はerrorインターフェースを実装する。
// トークンを含むURLはメッセージに含めない。
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d (http %d): %s", e.ErrorCode, e.StatusCode, e.Description)
}

// Is はレート制限エラーをErrRateLimitedとして判定可能にする。
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && (e.ErrorCode == http.StatusTooManyRequests || e.StatusCode == http.StatusTooManyRequests)
}

// IsRateLimited はerrがBot APIのレート制限によるものかを判定する。
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// User はgetMeが返すボット自身の情報。
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// ChatMember はgetChatMemberが返すメンバー情報。
type ChatMember struct {
	Status ChatMemberStatus `json:"status"`
	User   User             `json:"user"`
}

// apiResponse はBot APIの共通レスポンスエンベロープ。
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client はTelegram Bot APIのクライアント。
// ボットトークンはリクエストパスに埋め込まれるため、エラーやログにURLを出力しない。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLが空の場合はhttps://api.telegram.orgを使用する。
// タイムアウトはhttpClient側で設定する（デフォルト5秒）。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// GetMe はボット自身の情報を取得する。
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetChatMember は指定チャットにおけるユーザーのメンバー情報を取得する。
// chatIDは@username形式または-100から始まる数値IDを受け付ける。
func (c *Client) GetChatMember(ctx context.Context, chatID string, userID int64) (*ChatMember, error) {
	params := url.Values{
		"chat_id": {chatID},
		"user_id": {strconv.FormatInt(userID, 10)},
	}

	var m ChatMember
	if err := c.call(ctx, "getChatMember", params, &m); err != nil {
		return nil, err
	}
	if m.Status == "" {
		return nil, fmt.Errorf("telegram: getChatMember returned empty status")
	}
	return &m, nil
}

// call はBot APIのメソッドを呼び出し、resultをoutにデコードする。
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	// 1. リクエストURL構築（トークンはパスに含まれる）
	reqURL := c.baseURL + "/bot" + c.token + "/" + method
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("telegram: failed to create %s request", method)
	}

	// 2. HTTPリクエスト実行
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, scrubURLError(err))
	}
	defer resp.Body.Close()

	// 3. レスポンスボディ読み取り
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("telegram: failed to read %s response: %w", method, err)
	}

	c.logger.Debug("telegram api call",
		slog.String("method", method),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	// 4. エンベロープのデコード
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("telegram: failed to parse %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK || !envelope.OK {
		apiErr := &APIError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	// 5. resultのデコード
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("telegram: failed to parse %s result: %w", method, err)
	}
	return nil
}

// scrubURLError は*url.Errorからトークンを含むURLを取り除く。
func scrubURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: "[telegram bot api]", Err: urlErr.Err}
	}
	return err
}
