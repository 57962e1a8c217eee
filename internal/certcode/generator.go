// Package certcode issues the public 8-digit certificate codes printed on
// graded capsules. The last digit is a weighted check digit so that typos
// are caught at verification time.
package certcode

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	// Length is the total number of digits in a certificate code.
	Length = 8
	// DefaultMaxAttempts bounds the draws Generate makes before giving up.
	DefaultMaxAttempts = 50
)

// ErrGenerationExhausted means no unused code was found within the attempt
// budget. Callers should widen the code space rather than keep retrying.
var ErrGenerationExhausted = errors.New("certificate code generation exhausted")

// DigitSource returns a uniformly random integer in [0, 10).
type DigitSource func() (int, error)

// CryptoDigits draws digits from crypto/rand.
func CryptoDigits() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

type Generator struct {
	digits      DigitSource
	maxAttempts int
}

// NewGenerator returns a generator. A nil source uses crypto/rand; a
// non-positive maxAttempts uses DefaultMaxAttempts.
func NewGenerator(src DigitSource, maxAttempts int) *Generator {
	if src == nil {
		src = CryptoDigits
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{digits: src, maxAttempts: maxAttempts}
}

// Generate draws codes until one is not in existing. The set is only a hint:
// uniqueness is enforced again when the code is persisted.
func (g *Generator) Generate(existing map[string]struct{}) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.draw()
		if err != nil {
			return "", err
		}
		if _, taken := existing[code]; !taken {
			return code, nil
		}
	}
	return "", ErrGenerationExhausted
}

func (g *Generator) draw() (string, error) {
	var buf [Length]byte
	for i := 0; i < Length-1; i++ {
		d, err := g.digits()
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d)
	}
	buf[Length-1] = byte('0' + CheckDigit(buf[:Length-1]))
	return string(buf[:]), nil
}

// CheckDigit computes the check digit over ASCII digits, weighting even
// positions (0-based, from the left) by 3 and odd positions by 1.
func CheckDigit(body []byte) int {
	sum := 0
	for i, c := range body {
		d := int(c - '0')
		if i%2 == 0 {
			sum += 3 * d
		} else {
			sum += d
		}
	}
	return (10 - sum%10) % 10
}

// Valid reports whether code has the right shape and its last digit matches
// the check digit of the first seven.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < Length; i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return int(code[Length-1]-'0') == CheckDigit([]byte(code[:Length-1]))
}
