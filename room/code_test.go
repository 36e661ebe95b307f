package room

import (
	"strings"
	"testing"
)

func TestNewCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := NewCode()

		if len(code) != codeLength {
			t.Fatalf("unexpected code length: %q", code)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("unexpected character %q in code %q", r, code)
			}
		}
		if !ValidCode(code) {
			t.Fatalf("generated code %q fails validation", code)
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode(" ab12cd "); got != "AB12CD" {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if got := NormalizeCode("AB12CD"); got != "AB12CD" {
		t.Fatalf("normalization changed a canonical code: %q", got)
	}
}

func TestValidCode(t *testing.T) {
	for code, want := range map[string]bool{
		"AB12CD":  true,
		"000000":  true,
		"ZZZZZZ":  true,
		"":        false,
		"AB12C":   false,
		"AB12CDE": false,
		"ab12cd":  false,
		"AB 2CD":  false,
		"AB12C!":  false,
	} {
		if got := ValidCode(code); got != want {
			t.Fatalf("ValidCode(%q) = %v, want %v", code, got, want)
		}
	}
}
