package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// rpcRateLimitKey buckets clients by token digest when a token is presented,
// otherwise by remote address. IPv6 clients share a bucket per /64.
func rpcRateLimitKey(r *http.Request, token string) string {
	if token = strings.TrimSpace(token); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		if host == "" {
			return "ip:unknown"
		}
		return "ip:" + host
	}
	addr = addr.Unmap()
	if addr.Is6() {
		prefix, _ := addr.Prefix(64)
		return "net:" + prefix.String()
	}
	return "ip:" + addr.String()
}
