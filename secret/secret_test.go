package secret

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/giantswarm/oauth-server/security"
)

func TestGenerator_Generate(t *testing.T) {
	tests := []struct {
		name     string
		encoding Encoding
		size     int
		pattern  string
	}{
		{name: "default hex", encoding: "", size: 0, pattern: `^[0-9a-f]{64}$`},
		{name: "hex 16 bytes", encoding: EncodingHex, size: 16, pattern: `^[0-9a-f]{32}$`},
		{name: "urlsafe", encoding: EncodingURLSafe, size: 32, pattern: `^[A-Za-z0-9_-]{43}$`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Generator{Encoding: tt.encoding}
			got, err := g.Generate(tt.size)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if !regexp.MustCompile(tt.pattern).MatchString(got) {
				t.Errorf("Generate() = %q, want match for %s", got, tt.pattern)
			}
		})
	}
}

func TestGenerator_GenerateUsesSource(t *testing.T) {
	g := &Generator{Rand: bytes.NewReader(bytes.Repeat([]byte{0xab}, 4))}
	got, err := g.Generate(4)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "abababab" {
		t.Errorf("Generate() = %q, want %q", got, "abababab")
	}

	if _, err := g.Generate(4); err == nil {
		t.Error("Generate() with exhausted source should fail")
	}
}

func TestGenerator_UnknownEncoding(t *testing.T) {
	g := &Generator{Encoding: "base32"}
	if _, err := g.Generate(8); err == nil {
		t.Error("Generate() with unknown encoding should fail")
	}
}

func TestGenerator_GenerateUnique(t *testing.T) {
	// a source that repeats the same 32 bytes three times, then differs
	first := bytes.Repeat([]byte{0x01}, DefaultSize)
	second := bytes.Repeat([]byte{0x02}, DefaultSize)
	source := bytes.NewReader(bytes.Join([][]byte{first, first, first, second}, nil))
	g := &Generator{Rand: source}

	taken := map[string]bool{hex.EncodeToString(first): true}
	calls := 0
	got, err := g.GenerateUnique(context.Background(), func(_ context.Context, candidate string) (bool, error) {
		calls++
		return taken[candidate], nil
	})
	if err != nil {
		t.Fatalf("GenerateUnique() error = %v", err)
	}
	if got != hex.EncodeToString(second) {
		t.Errorf("GenerateUnique() = %q, want %q", got, hex.EncodeToString(second))
	}
	if calls != 4 {
		t.Errorf("existence predicate called %d times, want 4", calls)
	}
}

func TestGenerator_GenerateUnique_Exhausted(t *testing.T) {
	g := &Generator{MaxAttempts: 5}
	calls := 0
	_, err := g.GenerateUnique(context.Background(), func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})
	if !errors.Is(err, ErrGeneratorExhausted) {
		t.Fatalf("GenerateUnique() error = %v, want ErrGeneratorExhausted", err)
	}
	if calls != 5 {
		t.Errorf("existence predicate called %d times, want 5", calls)
	}
}

func TestGenerator_GenerateUnique_PredicateError(t *testing.T) {
	g := &Generator{}
	boom := errors.New("store down")
	_, err := g.GenerateUnique(context.Background(), func(context.Context, string) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("GenerateUnique() error = %v, want wrapped %v", err, boom)
	}
}

func TestGenerator_GenerateUnique_Concurrent(t *testing.T) {
	g := &Generator{}
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.GenerateUnique(context.Background(), func(_ context.Context, candidate string) (bool, error) {
				mu.Lock()
				defer mu.Unlock()
				if seen[candidate] {
					return true, nil
				}
				seen[candidate] = true
				return false, nil
			})
			if err != nil {
				t.Errorf("GenerateUnique() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("generated %d unique values, want 50", len(seen))
	}
}

func TestGenerator_UserCode(t *testing.T) {
	g := &Generator{}

	tests := []struct {
		format  string
		pattern string
	}{
		{format: "4w-4w", pattern: `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`},
		{format: "6d", pattern: `^[0-9]{6}$`},
		{format: "3w-3d-2w", pattern: `^[A-Z]{3}-[0-9]{3}-[A-Z]{2}$`},
		{format: "bogus", pattern: `^[A-Z]{4}-[A-Z]{4}$`},
		{format: "", pattern: `^[A-Z]{4}-[A-Z]{4}$`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := g.UserCode(tt.format)
			if err != nil {
				t.Fatalf("UserCode() error = %v", err)
			}
			if !regexp.MustCompile(tt.pattern).MatchString(got) {
				t.Errorf("UserCode(%q) = %q, want match for %s", tt.format, got, tt.pattern)
			}
		})
	}
}

func TestValidUserCodeFormat(t *testing.T) {
	tests := map[string]bool{
		"4w-4w":   true,
		"8d":      true,
		"2w-3d":   true,
		"4x-4w":   false,
		"4w-":     false,
		"-4w":     false,
		"w":       false,
		"0w-4w":   false,
		"4w 4w":   false,
		"4w-4w\n": false,
	}

	for format, want := range tests {
		if got := ValidUserCodeFormat(format); got != want {
			t.Errorf("ValidUserCodeFormat(%q) = %v, want %v", format, got, want)
		}
	}
}

func TestNormalizeUserCode(t *testing.T) {
	if got := NormalizeUserCode(" bcdf-ghjk "); got != "BCDF-GHJK" {
		t.Errorf("NormalizeUserCode() = %q, want %q", got, "BCDF-GHJK")
	}
}

func testEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestStrategies(t *testing.T) {
	enc := testEncryptor(t)

	tests := []struct {
		strategy      Strategy
		allowsRestore bool
		deterministic bool
	}{
		{strategy: Plain{}, allowsRestore: true, deterministic: true},
		{strategy: SHA256Hash{}, allowsRestore: false, deterministic: true},
		{strategy: BCrypt{Cost: 4}, allowsRestore: false, deterministic: false},
		{strategy: Encrypted{Encryptor: enc}, allowsRestore: true, deterministic: true},
	}

	for _, tt := range tests {
		t.Run(tt.strategy.Name(), func(t *testing.T) {
			s := tt.strategy
			stored, err := s.Transform("s3cret")
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}

			if !s.Matches("s3cret", stored) {
				t.Error("Matches() = false for the original secret")
			}
			if s.Matches("wrong", stored) {
				t.Error("Matches() = true for a different secret")
			}

			if s.AllowsRestore() != tt.allowsRestore {
				t.Errorf("AllowsRestore() = %v, want %v", s.AllowsRestore(), tt.allowsRestore)
			}
			restored, err := s.Restore(stored)
			if tt.allowsRestore {
				if err != nil || restored != "s3cret" {
					t.Errorf("Restore() = %q, %v; want %q", restored, err, "s3cret")
				}
			} else if !errors.Is(err, ErrRestoreNotSupported) {
				t.Errorf("Restore() error = %v, want ErrRestoreNotSupported", err)
			}

			again, _ := s.Transform("s3cret")
			if (again == stored) != tt.deterministic {
				t.Errorf("Transform() deterministic = %v, want %v", again == stored, tt.deterministic)
			}
		})
	}
}

func TestSHA256Hash_Transform(t *testing.T) {
	got, _ := SHA256Hash{}.Transform("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("Transform(abc) = %q, want %q", got, want)
	}
}

func TestFromName(t *testing.T) {
	enc := testEncryptor(t)
	disabled, _ := security.NewEncryptor(nil)

	tests := []struct {
		name    string
		target  Target
		enc     *security.Encryptor
		want    string
		wantErr error
	}{
		{name: "", target: TargetToken, want: StrategyPlain},
		{name: "plain", target: TargetApplication, want: StrategyPlain},
		{name: "sha256", target: TargetToken, want: StrategySHA256},
		{name: "bcrypt", target: TargetApplication, want: StrategyBCrypt},
		{name: "bcrypt", target: TargetToken, wantErr: ErrStrategyNotApplicable},
		{name: "encrypted", target: TargetToken, enc: enc, want: StrategyEncrypted},
		{name: "encrypted", target: TargetToken, enc: disabled, wantErr: ErrStrategyNotApplicable},
		{name: "encrypted", target: TargetApplication, wantErr: ErrStrategyNotApplicable},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.target.String(), func(t *testing.T) {
			s, err := FromName(tt.name, tt.target, tt.enc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FromName() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromName() error = %v", err)
			}
			if s.Name() != tt.want {
				t.Errorf("FromName().Name() = %q, want %q", s.Name(), tt.want)
			}
		})
	}

	if _, err := FromName("rot13", TargetToken, nil); err == nil || !strings.Contains(err.Error(), "rot13") {
		t.Errorf("FromName(rot13) error = %v, want unknown strategy", err)
	}
}

func TestWithPlainFallback(t *testing.T) {
	s := WithPlainFallback(SHA256Hash{})
	if !IsFallback(s) {
		t.Fatal("IsFallback() = false after wrapping")
	}

	hashed, _ := s.Transform("legacy")
	if !s.Matches("legacy", hashed) {
		t.Error("fallback should match hashed values")
	}
	if !s.Matches("legacy", "legacy") {
		t.Error("fallback should match plain values")
	}
	if s.Matches("legacy", "other") {
		t.Error("fallback matched an unrelated value")
	}

	if IsFallback(WithPlainFallback(Plain{})) {
		t.Error("wrapping Plain should be a no-op")
	}
}
