package credential

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		value  string
	}{
		{"hex key", strings.Repeat("ab", 32), "access-token-123"},
		{"base64 key", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "refresh-token-xyz"},
		{"arbitrary string key", "not a real key, just a passphrase", "proxy-password"},
		{"empty plaintext", strings.Repeat("cd", 32), ""},
		{"unicode plaintext", strings.Repeat("ef", 32), "日本語テキスト"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealer, err := NewSealer(tt.secret, nil)
			if err != nil {
				t.Fatalf("NewSealer() error = %v", err)
			}

			sealed, err := sealer.Seal(tt.value)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			if got := strings.Count(sealed, "."); got != 2 {
				t.Fatalf("sealed value has %d dots, want 2 (iv.tag.ciphertext)", got)
			}

			opened, err := sealer.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.value {
				t.Errorf("Open(Seal(%q)) = %q, want %q", tt.value, opened, tt.value)
			}
		})
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	sealer, err := NewSealer(strings.Repeat("11", 32), nil)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := sealer.Seal("hello world")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	parts := strings.Split(sealed, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(parts))
	}

	tests := []struct {
		name   string
		sealed string
	}{
		{"corrupted iv", "AAAA" + parts[0][4:] + "." + parts[1] + "." + parts[2]},
		{"corrupted tag", parts[0] + "." + "AAAA" + parts[1][4:] + "." + parts[2]},
		{"corrupted ciphertext", parts[0] + "." + parts[1] + "." + "AAAA" + parts[2][4:]},
		{"missing segment", parts[0] + "." + parts[1]},
		{"garbage", "not-a-sealed-value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sealer.Open(tt.sealed); err == nil {
				t.Errorf("Open(%q) should fail", tt.sealed)
			}
		})
	}
}

func TestNewSealerRejectsEmptySecret(t *testing.T) {
	if _, err := NewSealer("", nil); err == nil {
		t.Error("NewSealer(\"\") should return an error")
	}
}

func TestDifferentKeysCannotCrossOpen(t *testing.T) {
	sealerA, _ := NewSealer(strings.Repeat("aa", 32), nil)
	sealerB, _ := NewSealer(strings.Repeat("bb", 32), nil)

	sealed, err := sealerA.Seal("secret value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := sealerB.Open(sealed); err == nil {
		t.Error("Open() with the wrong key should fail")
	}
}
