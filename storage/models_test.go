package storage

import (
	"testing"
	"time"
)

func TestLifetime_Expiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := Lifetime{CreatedAt: created, ExpiresIn: 600 * time.Second}

	tests := []struct {
		name       string
		now        time.Time
		expired    bool
		accessible bool
		remaining  int64
	}{
		{name: "at creation", now: created, expired: false, accessible: true, remaining: 600},
		{name: "one second before expiry", now: created.Add(599 * time.Second), expired: false, accessible: true, remaining: 1},
		{name: "exactly at expiry", now: created.Add(600 * time.Second), expired: false, accessible: true, remaining: 0},
		{name: "one second after expiry", now: created.Add(601 * time.Second), expired: true, accessible: false, remaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.Expired(tt.now); got != tt.expired {
				t.Errorf("Expired() = %v, want %v", got, tt.expired)
			}
			if got := l.Accessible(tt.now); got != tt.accessible {
				t.Errorf("Accessible() = %v, want %v", got, tt.accessible)
			}
			if got := l.ExpiresInSeconds(tt.now); got != tt.remaining {
				t.Errorf("ExpiresInSeconds() = %d, want %d", got, tt.remaining)
			}
		})
	}
}

func TestLifetime_NeverExpires(t *testing.T) {
	l := Lifetime{CreatedAt: time.Unix(0, 0)}
	far := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

	if l.Expired(far) {
		t.Error("Expired() = true for a token without expiry")
	}
	if _, ok := l.ExpiresAt(); ok {
		t.Error("ExpiresAt() reported an expiry for a token without expiry")
	}
	if got := l.ExpiresInSeconds(far); got != -1 {
		t.Errorf("ExpiresInSeconds() = %d, want -1", got)
	}
}

func TestLifetime_Revoke(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := Lifetime{CreatedAt: now}

	l.Revoke(now.Add(time.Minute))
	if l.Revoked(now) {
		t.Error("Revoked() = true before the revocation instant")
	}
	if !l.Revoked(now.Add(time.Minute)) {
		t.Error("Revoked() = false at the revocation instant")
	}
	if l.Accessible(now.Add(2 * time.Minute)) {
		t.Error("Accessible() = true after revocation")
	}

	l.Revoke(now.Add(time.Hour))
	if !l.RevokedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("second Revoke() moved RevokedAt to %v", l.RevokedAt)
	}
}

func TestStaleBefore(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	revokedAt := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		l    Lifetime
		want bool
	}{
		{name: "live", l: Lifetime{CreatedAt: now, ExpiresIn: time.Hour}, want: false},
		{name: "expired long ago", l: Lifetime{CreatedAt: now.Add(-3 * time.Hour), ExpiresIn: time.Minute}, want: true},
		{name: "revoked long ago", l: Lifetime{CreatedAt: now.Add(-3 * time.Hour), RevokedAt: &revokedAt}, want: true},
		{name: "never expires", l: Lifetime{CreatedAt: now.Add(-24 * time.Hour)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StaleBefore(tt.l, now.Add(-time.Hour)); got != tt.want {
				t.Errorf("StaleBefore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceGrant_PolledWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := &DeviceGrant{}

	if g.PolledWithin(now, 5*time.Second) {
		t.Error("PolledWithin() = true before any poll")
	}

	last := now.Add(-3 * time.Second)
	g.LastPollingAt = &last
	if !g.PolledWithin(now, 5*time.Second) {
		t.Error("PolledWithin() = false for a poll 3s ago with 5s interval")
	}
	if g.PolledWithin(now.Add(2*time.Second), 5*time.Second) {
		t.Error("PolledWithin() = true once the interval elapsed")
	}
}

func TestAccessToken_Clone(t *testing.T) {
	at := time.Now()
	orig := &AccessToken{Scopes: []string{"read"}, Lifetime: Lifetime{RevokedAt: &at}}
	c := orig.Clone()

	c.Scopes[0] = "write"
	*c.RevokedAt = at.Add(time.Hour)

	if orig.Scopes[0] != "read" {
		t.Error("Clone() shares the scopes slice")
	}
	if !orig.RevokedAt.Equal(at) {
		t.Error("Clone() shares RevokedAt")
	}
}

func TestApplication_AllowsGrantFlow(t *testing.T) {
	open := &Application{}
	if !open.AllowsGrantFlow("password") {
		t.Error("application without restrictions should allow any flow")
	}

	restricted := &Application{GrantFlows: []string{"authorization_code"}}
	if restricted.AllowsGrantFlow("password") {
		t.Error("restricted application allowed an unlisted flow")
	}
	if !restricted.AllowsGrantFlow("authorization_code") {
		t.Error("restricted application rejected a listed flow")
	}
}
