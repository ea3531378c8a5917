package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPResolver_ClientIP(t *testing.T) {
	tests := []struct {
		name          string
		resolver      IPResolver
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:12345",
			want:       "192.0.2.10",
		},
		{
			name:          "forwarded header ignored without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			xRealIP:       "203.0.113.2",
			want:          "10.0.0.1",
		},
		{
			name:          "one trusted proxy",
			resolver:      IPResolver{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "spoofed entry skipped",
			resolver:      IPResolver{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "198.51.100.7, 203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:          "two trusted proxies",
			resolver:      IPResolver{TrustProxy: true, TrustedProxies: 2},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2, 10.0.0.3",
			want:          "203.0.113.1",
		},
		{
			name:          "fewer entries than proxies",
			resolver:      IPResolver{TrustProxy: true, TrustedProxies: 5},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: " 203.0.113.1 ",
			want:          "203.0.113.1",
		},
		{
			name:          "invalid forwarded entry falls back to X-Real-IP",
			resolver:      IPResolver{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip",
			xRealIP:       "203.0.113.2",
			want:          "203.0.113.2",
		},
		{
			name:       "invalid X-Real-IP",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "evil\r\nheader",
			want:       "10.0.0.1",
		},
		{
			name:       "IPv6 remote address",
			remoteAddr: "[::1]:12345",
			want:       "::1",
		},
		{
			name:       "remote address without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := tt.resolver.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
