// Package challenge provides the text challenge and ban code primitives
// used by the captcha gate.
package challenge

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"
)

// Alphabet is the character set challenges are drawn from. Characters that
// are easy to confuse in a distorted rendering (0/O, 1/I) are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultLength is the default challenge text length.
const DefaultLength = 6

// Challenge is a short text a human must transcribe to prove non-automation.
// A challenge is single-use: once judged it must be replaced, never
// re-evaluated.
type Challenge struct {
	Text     string
	IssuedAt time.Time
}

// Generator produces challenges of a fixed length. The randomness source is
// deliberately not cryptographic; the challenge is a human-distinguishing
// gate, not a secret.
type Generator struct {
	length int
	mu     sync.Mutex
	rng    *mathrand.Rand
}

// NewGenerator creates a generator producing challenges of the given length.
// A length of zero or less falls back to DefaultLength.
func NewGenerator(length int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Generator{
		length: length,
		rng:    mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Generate returns a fresh challenge stamped with the current time.
func (g *Generator) Generate() Challenge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.Grow(g.length)
	for i := 0; i < g.length; i++ {
		b.WriteByte(Alphabet[g.rng.Intn(len(Alphabet))])
	}

	return Challenge{
		Text:     b.String(),
		IssuedAt: time.Now(),
	}
}

// Length returns the configured challenge length.
func (g *Generator) Length() int {
	return g.length
}

// Matches judges a candidate answer against the challenge text. The
// comparison trims surrounding whitespace and is case-insensitive.
func (c Challenge) Matches(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), c.Text)
}

// banCodeEncoding drops base32 padding; ban codes are short opaque tokens.
var banCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewCode generates an opaque ban code. Codes are shown to banned users and
// shared with support staff, so they are short and unambiguous rather than
// secret. Collision resistance only needs to cover practical ban volume.
func NewCode() (string, error) {
	var raw [5]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate ban code: %w", err)
	}
	return banCodeEncoding.EncodeToString(raw[:]), nil
}
