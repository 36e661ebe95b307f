package room

import (
	"math/rand"
	"strings"
)

// Room codes are short, human-relayed strings: read aloud or typed by
// the second player. Six characters of base 36 give ~2.1e9 codes,
// plenty at expected concurrency, but no uniqueness is checked at
// creation time; a collision during the lobby window is possible and
// accepted. Callers must not rely on codes being unique for anything
// beyond best-effort matchmaking.

const (
	codeLength   = 6
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewCode returns a random 6-character room code.
func NewCode() string {
	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(out)
}

// NormalizeCode maps user input onto the stored form, so codes match
// case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code (already normalized) has the right
// shape to ever match a room.
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
