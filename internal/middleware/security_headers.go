package middleware

import (
	"net/http"
	"strings"
)

const (
	// apiContentSecurityPolicy はJSONレスポンス用のCSP。何も読み込ませない。
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

	// widgetContentSecurityPolicy はフロントエンドのページ用のCSP。
	// Telegramログインウィジェットのスクリプトとiframe、プロフィール写真のみを外部から許可する。
	widgetContentSecurityPolicy = "default-src 'self'; " +
		"script-src 'self' https://telegram.org; " +
		"frame-src https://oauth.telegram.org; " +
		"img-src 'self' data: https://t.me https://*.telegram.org; " +
		"frame-ancestors 'none'"
)

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
//
// /api/配下と/health、/metricsは購読状態を含むため共有キャッシュに保存させない。
// それ以外のパスはログインウィジェットを埋め込むフロントエンドのページとして扱う。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			if isAPIPath(r.URL.Path) {
				h.Set("Content-Security-Policy", apiContentSecurityPolicy)
				h.Set("Referrer-Policy", "no-referrer")
				h.Set("Cache-Control", "no-store")
			} else {
				h.Set("Content-Security-Policy", widgetContentSecurityPolicy)
				h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
				h.Set("Cache-Control", "no-cache")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == "/health" || path == "/metrics"
}
