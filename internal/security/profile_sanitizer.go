// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はログインウィジェットから受け取った表示用属性を
// 保存前に無害化する。署名検証は受信したままの値で行い、無害化は検証後にのみ適用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/subgate/internal/model"
)

// ProfileSanitizer は表示用属性の無害化機能のインターフェースを定義する。
type ProfileSanitizer interface {
	// SanitizeProfile はプロフィールの各属性を無害化したコピーを返す。
	// 名前とユーザー名からはマークアップと山括弧を除去する。
	// 写真URLはhttpsかつ公開ホストの場合のみ残し、それ以外は空文字列にする。
	SanitizeProfile(p model.Profile) model.Profile
}

// angleBrackets はマークアップ除去後に残った山括弧を取り除く。
var angleBrackets = strings.NewReplacer("<", "", ">", "")

// profileSanitizer はProfileSanitizerの実装。
// bluemondayのポリシーはスレッドセーフであり、複数のリクエストから共有できる。
type profileSanitizer struct {
	policy *bluemonday.Policy
	guard  URLGuard
}

// NewProfileSanitizer はProfileSanitizerの新しいインスタンスを生成する。
// テキスト属性にはすべてのタグを許可しないStrictPolicyを使用する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
		guard:  NewURLGuard(),
	}
}

// SanitizeProfile はプロフィールの各属性を無害化したコピーを返す。
func (s *profileSanitizer) SanitizeProfile(p model.Profile) model.Profile {
	return model.Profile{
		FirstName: s.SanitizeText(p.FirstName),
		LastName:  s.SanitizeText(p.LastName),
		Username:  s.SanitizeText(p.Username),
		PhotoURL:  s.sanitizePhotoURL(p.PhotoURL),
	}
}

// SanitizeText はテキストからタグを除去し、プレーンテキストとして返す。
// bluemondayがエスケープした実体参照は元の文字に戻し、残った山括弧を除去する。
// 同一入力に対して常に同一出力を返す（冪等）。
func (s *profileSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return angleBrackets.Replace(html.UnescapeString(stripped))
}

func (s *profileSanitizer) sanitizePhotoURL(raw string) string {
	if raw == "" {
		return ""
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		return ""
	}
	return raw
}
