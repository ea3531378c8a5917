package testutil

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// CaptureLogger returns a debug level logger writing to the returned buffer.
// The buffer is safe to read while the logger is in use.
func CaptureLogger() (*slog.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	return logger, buf
}

// SyncBuffer is a bytes.Buffer guarded by a mutex.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ContainsAuditEvent reports whether log output holds an audit event of the
// given type.
func ContainsAuditEvent(logOutput, eventType string) bool {
	return strings.Contains(logOutput, "security_audit") &&
		strings.Contains(logOutput, "event_type="+eventType)
}

// GenerateTestApplication creates a confidential test application. Its
// secret is stored in plain text, which matches the default strategy.
func GenerateTestApplication(uid, secret string) *storage.Application {
	return &storage.Application{
		Name:         "Test Application",
		UID:          uid,
		Secret:       secret,
		RedirectURIs: []string{"https://example.com/callback"},
		Confidential: true,
		CreatedAt:    time.Now(),
	}
}

// GenerateTestPublicApplication creates a public test application.
func GenerateTestPublicApplication(uid string) *storage.Application {
	app := GenerateTestApplication(uid, "")
	app.Confidential = false
	app.RedirectURIs = []string{"http://127.0.0.1/callback"}
	return app
}
