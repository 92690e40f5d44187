package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// NewClientIPMiddleware は信頼するプロキシからの接続に限り、X-Forwarded-ForからRemoteAddrを復元する。
//
// 直接の接続元がtrustedに含まれない場合、転送ヘッダーは無視してRemoteAddrをそのまま使う。
// 含まれる場合はX-Forwarded-Forを右から辿り、信頼するプロキシ以外の最初のアドレスを接続元とする。
// trustedが空の場合は何もしない。
func NewClientIPMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer, ok := parseAddr(clientKey(r))
			if ok && isTrusted(peer, trusted) {
				if client, found := forwardedClient(r.Header.Values("X-Forwarded-For"), trusted); found {
					r.RemoteAddr = net.JoinHostPort(client.String(), "0")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClient はX-Forwarded-Forの値を右から辿り、信頼するプロキシでない最初のアドレスを返す。
// 不正な値に当たった場合はそれ以上辿らない。
func forwardedClient(values []string, trusted []netip.Prefix) (netip.Addr, bool) {
	var hops []string
	for _, v := range values {
		hops = append(hops, strings.Split(v, ",")...)
	}

	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseAddr(strings.TrimSpace(hops[i]))
		if !ok {
			return netip.Addr{}, false
		}
		if !isTrusted(addr, trusted) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
