// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// Telegram
	BotToken          string
	BotUsername       string
	ChannelID         string
	ChannelInviteLink string // 未設定の場合はChannelIDから生成する
	TelegramAPIBase   string // 未設定の場合は公式エンドポイントにSSRF防止クライアントで接続する
	TelegramTimeout   time.Duration

	// Membership
	MembershipCacheTTL   time.Duration
	CacheSweepInterval   time.Duration
	MembershipFailPolicy string
	StatusRecheckAfter   time.Duration
	RedisURL             string

	// Reconciliation
	ReconcileInitialDelay time.Duration
	ReconcileInterval     time.Duration
	ReconcileSubjectDelay time.Duration

	// Cleanup
	SessionRetentionDays int // 0の場合は古いセッションを削除しない

	// Rate Limit
	RateLimitGeneral int
	TrustedProxies   []netip.Prefix // X-Forwarded-Forを信頼する接続元。空の場合は転送ヘッダーを使わない

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	StaticDir         string
	LogLevel          string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}

	cfg.BotUsername = strings.TrimPrefix(os.Getenv("BOT_USERNAME"), "@")
	if cfg.BotUsername == "" {
		missing = append(missing, "BOT_USERNAME")
	}

	cfg.ChannelID = os.Getenv("CHANNEL_ID")
	if cfg.ChannelID == "" {
		missing = append(missing, "CHANNEL_ID")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ChannelInviteLink = getEnvString("TELEGRAM_CHANNEL_INVITE_LINK", "")
	cfg.TelegramAPIBase = getEnvString("TELEGRAM_API_BASE_URL", "")
	cfg.TelegramTimeout = getEnvDuration("TELEGRAM_TIMEOUT", 5*time.Second)
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.MembershipCacheTTL = getEnvDuration("MEMBERSHIP_CACHE_TTL", 5*time.Minute)
	cfg.CacheSweepInterval = getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute)
	cfg.MembershipFailPolicy = getEnvString("MEMBERSHIP_FAILURE_POLICY", "fail_closed")
	cfg.StatusRecheckAfter = getEnvDuration("STATUS_RECHECK_AFTER", time.Minute)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.ReconcileInitialDelay = getEnvDuration("RECONCILE_INITIAL_DELAY", time.Minute)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 4*time.Hour)
	cfg.ReconcileSubjectDelay = getEnvDuration("RECONCILE_SUBJECT_DELAY", 100*time.Millisecond)
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 0)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.StaticDir = getEnvString("STATIC_DIR", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	proxies, err := parsePrefixes(getEnvString("TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	switch cfg.MembershipFailPolicy {
	case "fail_closed", "fail_open_stale":
	default:
		return nil, fmt.Errorf("invalid MEMBERSHIP_FAILURE_POLICY: %q", cfg.MembershipFailPolicy)
	}

	return cfg, nil
}

// ChannelLink はフロントエンドに返すチャンネルへのリンクを返す。
// 招待リンクが設定されていればそれを優先し、公開チャンネル(@name)であれば
// t.meのURLを生成する。いずれでもない場合はプレースホルダーを返す。
func (c *Config) ChannelLink() string {
	if c.ChannelInviteLink != "" {
		return c.ChannelInviteLink
	}
	if strings.HasPrefix(c.ChannelID, "@") {
		return "https://t.me/" + strings.TrimPrefix(c.ChannelID, "@")
	}
	return "https://t.me/your_channel"
}

// parsePrefixes はカンマ区切りのIPアドレスまたはCIDRを解析する。単一のアドレスは/32（IPv6は/128）として扱う。
func parsePrefixes(s string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
