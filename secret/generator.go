// Package secret generates opaque tokens and secrets and controls how they are
// stored at rest.
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultSize is the number of random bytes in a generated token.
	DefaultSize = 32

	// DefaultMaxAttempts bounds GenerateUnique.
	DefaultMaxAttempts = 1000

	// DefaultUserCodeFormat is four letters, a dash, four letters.
	DefaultUserCodeFormat = "4w-4w"
)

// Encoding selects how random bytes are rendered.
type Encoding string

const (
	// EncodingHex renders bytes as lowercase hexadecimal.
	EncodingHex Encoding = "hex"
	// EncodingURLSafe renders bytes as unpadded URL-safe base64.
	EncodingURLSafe Encoding = "urlsafe"
)

// ErrGeneratorExhausted is returned when GenerateUnique could not find an
// unused value within the configured number of attempts. It indicates an
// integration fault such as a broken random source or existence check.
var ErrGeneratorExhausted = errors.New("secret generator exhausted attempts to find a unique value")

// userCodeAlphabet avoids vowels and look-alike letters (RFC 8628 section 6.1).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

var userCodeFormatPattern = regexp.MustCompile(`\A(\d+[wd])(-\d+[wd])*\z`)

// ExistsFunc reports whether a candidate value is already in use.
type ExistsFunc func(ctx context.Context, candidate string) (bool, error)

// Generator produces random tokens. The zero value generates 32-byte hex
// tokens from crypto/rand.
type Generator struct {
	Encoding    Encoding
	MaxAttempts int

	// Rand overrides the random source, mainly for tests.
	Rand io.Reader
}

func (g *Generator) source() io.Reader {
	if g.Rand != nil {
		return g.Rand
	}
	return rand.Reader
}

// Generate returns size random bytes encoded per the generator's encoding.
// A size of zero or less uses DefaultSize.
func (g *Generator) Generate(size int) (string, error) {
	if size <= 0 {
		size = DefaultSize
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(g.source(), buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	switch g.Encoding {
	case EncodingURLSafe:
		return base64.RawURLEncoding.EncodeToString(buf), nil
	case "", EncodingHex:
		return hex.EncodeToString(buf), nil
	default:
		return "", fmt.Errorf("unknown token encoding %q", g.Encoding)
	}
}

// GenerateUnique generates tokens until exists reports one unused.
func (g *Generator) GenerateUnique(ctx context.Context, exists ExistsFunc) (string, error) {
	return g.unique(ctx, exists, func() (string, error) { return g.Generate(DefaultSize) })
}

// UserCode returns a device user code following format, e.g. "4w-4w" for
// "BCDF-GHJK". Each group is a count followed by w (letter) or d (digit).
// An invalid format falls back to DefaultUserCodeFormat.
func (g *Generator) UserCode(format string) (string, error) {
	if !ValidUserCodeFormat(format) {
		format = DefaultUserCodeFormat
	}

	var b strings.Builder
	for i, group := range strings.Split(format, "-") {
		if i > 0 {
			b.WriteByte('-')
		}
		count, _ := strconv.Atoi(group[:len(group)-1])
		alphabet := userCodeAlphabet
		if group[len(group)-1] == 'd' {
			alphabet = "0123456789"
		}
		for range count {
			n, err := rand.Int(g.source(), big.NewInt(int64(len(alphabet))))
			if err != nil {
				return "", fmt.Errorf("failed to read random bytes: %w", err)
			}
			b.WriteByte(alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// UniqueUserCode is UserCode retried until exists reports an unused code.
func (g *Generator) UniqueUserCode(ctx context.Context, format string, exists ExistsFunc) (string, error) {
	return g.unique(ctx, exists, func() (string, error) { return g.UserCode(format) })
}

func (g *Generator) unique(ctx context.Context, exists ExistsFunc, next func() (string, error)) (string, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	for range attempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate, err := next()
		if err != nil {
			return "", err
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check token uniqueness: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrGeneratorExhausted
}

// ValidUserCodeFormat reports whether format is a valid user code format.
func ValidUserCodeFormat(format string) bool {
	if !userCodeFormatPattern.MatchString(format) {
		return false
	}
	for _, group := range strings.Split(format, "-") {
		if n, _ := strconv.Atoi(group[:len(group)-1]); n == 0 {
			return false
		}
	}
	return true
}

// NormalizeUserCode trims and uppercases a code typed in by a user.
func NormalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
