package util

import (
	"net"
	"strings"
)

// IsLoopbackIP reports whether host is a literal loopback address
// (127.0.0.0/8 or ::1). Brackets around IPv6 literals are accepted.
// Hostnames such as "localhost" are not resolved and report false.
func IsLoopbackIP(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// IsLoopbackHostname reports whether host is "localhost" or a loopback
// address literal.
func IsLoopbackHostname(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	return IsLoopbackIP(host)
}
