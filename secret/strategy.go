package secret

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-server/security"
)

// Strategy names accepted by FromName.
const (
	StrategyPlain     = "plain"
	StrategySHA256    = "sha256"
	StrategyBCrypt    = "bcrypt"
	StrategyEncrypted = "encrypted"
)

var (
	// ErrRestoreNotSupported is returned by Restore on one-way strategies.
	ErrRestoreNotSupported = errors.New("secret strategy does not allow restoring secrets")

	// ErrStrategyNotApplicable is returned when a strategy is configured for a
	// target it cannot serve, e.g. bcrypt for tokens.
	ErrStrategyNotApplicable = errors.New("secret strategy is not applicable to this target")
)

// Target is the kind of secret a strategy is applied to.
type Target int

const (
	// TargetToken covers access tokens, refresh tokens, grant and device codes.
	// Tokens are looked up by their transformed value, so the transformation
	// must be deterministic.
	TargetToken Target = iota
	// TargetApplication covers application (client) secrets, which are only
	// ever compared.
	TargetApplication
)

func (t Target) String() string {
	switch t {
	case TargetToken:
		return "token"
	case TargetApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Strategy transforms secrets before they are persisted.
type Strategy interface {
	// Name identifies the strategy in configuration and logs.
	Name() string
	// Transform converts a plaintext secret into its stored form.
	Transform(plain string) (string, error)
	// Restore recovers the plaintext from a stored value when possible.
	Restore(stored string) (string, error)
	// AllowsRestore reports whether Restore can succeed.
	AllowsRestore() bool
	// Matches compares a plaintext input against a stored value.
	Matches(plain, stored string) bool
	// ValidateFor rejects targets the strategy cannot serve.
	ValidateFor(target Target) error
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Plain stores secrets as they are.
type Plain struct{}

func (Plain) Name() string                           { return StrategyPlain }
func (Plain) Transform(plain string) (string, error) { return plain, nil }
func (Plain) Restore(stored string) (string, error)  { return stored, nil }
func (Plain) AllowsRestore() bool                    { return true }
func (Plain) Matches(plain, stored string) bool      { return constantTimeEqual(plain, stored) }
func (Plain) ValidateFor(Target) error               { return nil }

// SHA256Hash stores the hex SHA-256 digest of a secret.
type SHA256Hash struct{}

func (SHA256Hash) Name() string { return StrategySHA256 }

func (SHA256Hash) Transform(plain string) (string, error) {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:]), nil
}

func (SHA256Hash) Restore(string) (string, error) { return "", ErrRestoreNotSupported }
func (SHA256Hash) AllowsRestore() bool            { return false }

func (s SHA256Hash) Matches(plain, stored string) bool {
	hashed, _ := s.Transform(plain)
	return constantTimeEqual(hashed, stored)
}

func (SHA256Hash) ValidateFor(Target) error { return nil }

// BCrypt stores an adaptive, salted bcrypt hash. It can only protect
// application secrets: a salted hash cannot serve as a token lookup key.
type BCrypt struct {
	// Cost defaults to bcrypt.DefaultCost.
	Cost int
}

func (BCrypt) Name() string { return StrategyBCrypt }

func (b BCrypt) Transform(plain string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

func (BCrypt) Restore(string) (string, error) { return "", ErrRestoreNotSupported }
func (BCrypt) AllowsRestore() bool            { return false }

func (BCrypt) Matches(plain, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plain)) == nil
}

func (BCrypt) ValidateFor(target Target) error {
	if target != TargetApplication {
		return fmt.Errorf("%w: bcrypt cannot be used for %s secrets", ErrStrategyNotApplicable, target)
	}
	return nil
}

// Encrypted stores secrets encrypted with AES-256-GCM. Tokens use
// deterministic encryption so the stored value stays a lookup key.
type Encrypted struct {
	Encryptor *security.Encryptor
}

func (Encrypted) Name() string { return StrategyEncrypted }

func (e Encrypted) Transform(plain string) (string, error) {
	return e.Encryptor.EncryptDeterministic(plain)
}

func (e Encrypted) Restore(stored string) (string, error) {
	return e.Encryptor.Decrypt(stored)
}

func (Encrypted) AllowsRestore() bool { return true }

func (e Encrypted) Matches(plain, stored string) bool {
	restored, err := e.Restore(stored)
	if err != nil {
		return false
	}
	return constantTimeEqual(plain, restored)
}

func (e Encrypted) ValidateFor(Target) error {
	if e.Encryptor == nil || !e.Encryptor.IsEnabled() {
		return fmt.Errorf("%w: encrypted strategy requires an encryption key", ErrStrategyNotApplicable)
	}
	return nil
}

// WithPlainFallback wraps a strategy so that Matches also accepts values that
// were persisted in plain text before the strategy was introduced.
func WithPlainFallback(s Strategy) Strategy {
	if _, ok := s.(Plain); ok {
		return s
	}
	return fallback{Strategy: s}
}

type fallback struct {
	Strategy
}

func (f fallback) Matches(plain, stored string) bool {
	return f.Strategy.Matches(plain, stored) || constantTimeEqual(plain, stored)
}

// FromName builds the strategy called name for target. enc is only used by
// the encrypted strategy.
func FromName(name string, target Target, enc *security.Encryptor) (Strategy, error) {
	var s Strategy
	switch name {
	case "", StrategyPlain:
		s = Plain{}
	case StrategySHA256:
		s = SHA256Hash{}
	case StrategyBCrypt:
		s = BCrypt{}
	case StrategyEncrypted:
		s = Encrypted{Encryptor: enc}
	default:
		return nil, fmt.Errorf("unknown secret strategy %q", name)
	}

	if err := s.ValidateFor(target); err != nil {
		return nil, err
	}
	return s, nil
}

// IsFallback reports whether s was wrapped by WithPlainFallback.
func IsFallback(s Strategy) bool {
	_, ok := s.(fallback)
	return ok
}
