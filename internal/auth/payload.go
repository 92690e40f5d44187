package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/hitoshi/subgate/internal/model"
)

// appIDPattern はアプリケーションIDとして許可する形式。
var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidateAppID はアプリケーションIDの形式を検証する。
func ValidateAppID(appID string) error {
	if !appIDPattern.MatchString(appID) {
		return model.NewInvalidAppIDError()
	}
	return nil
}

// loginPayload はPOST /api/authのリクエストボディ。
// idとauth_dateはJSON数値のみを受け付けるためRawMessageで受ける。
type loginPayload struct {
	AppID     string          `json:"appId"`
	ID        json.RawMessage `json:"id"`
	FirstName *string         `json:"first_name"`
	LastName  *string         `json:"last_name"`
	Username  *string         `json:"username"`
	PhotoURL  *string         `json:"photo_url"`
	AuthDate  json.RawMessage `json:"auth_date"`
	Hash      string          `json:"hash"`
}

// ParseLoginPayload はログインウィジェットのJSONペイロードをデコードする。
// アプリケーションIDとユーザーIDの形式が不正な場合はValidationErrorを返す。
// rがhttp.MaxBytesReaderで上限を超えた場合はPAYLOAD_TOO_LARGEを返す。
// 署名対象外の未知フィールドは無視する。
func ParseLoginPayload(r io.Reader) (string, *model.LoginAssertion, error) {
	var p loginPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, model.NewPayloadTooLargeError(maxErr.Limit)
		}
		return "", nil, model.NewInvalidPayloadError("malformed JSON")
	}

	if err := ValidateAppID(p.AppID); err != nil {
		return "", nil, err
	}

	id, ok := parseJSONInt(p.ID)
	if !ok || id <= 0 {
		return "", nil, model.NewInvalidUserIDError()
	}

	// auth_dateの欠落・不正は署名検証で拒否する
	authDate, _ := parseJSONInt(p.AuthDate)

	return p.AppID, &model.LoginAssertion{
		ID:        id,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Username:  p.Username,
		PhotoURL:  p.PhotoURL,
		AuthDate:  authDate,
		Hash:      p.Hash,
	}, nil
}

// parseJSONInt はJSON数値リテラルを整数として解釈する。文字列や小数は拒否する。
func parseJSONInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
