// Package logger はJSON構造化ログのセットアップを提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redacted は秘匿値を置き換える文字列。
const redacted = "[REDACTED]"

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// secretsに渡した値（ボットトークン等）は文字列属性およびメッセージ中でマスクされる。
// Bot APIのURLにはトークンが含まれるため、net/httpのエラー文字列経由の漏洩を防ぐ。
func Setup(w io.Writer, level slog.Level, secrets ...string) *slog.Logger {
	var nonEmpty []string
	for _, s := range secrets {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if len(nonEmpty) > 0 {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() != slog.KindString {
				return a
			}
			v := a.Value.String()
			for _, s := range nonEmpty {
				if strings.Contains(v, s) {
					v = strings.ReplaceAll(v, s, redacted)
				}
			}
			return slog.String(a.Key, v)
		}
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level, secrets ...string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w, level, secrets...)
	slog.SetDefault(l)
	return l
}

// ParseLevel はLOG_LEVEL形式の文字列をslog.Levelに変換する。
// 不明な値の場合はInfoを返す。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
