package services

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet leaves out 0/O and 1/I so codes survive being read aloud
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator returns a new random redeem code
type CodeGenerator func() (string, error)

// NewCodeGenerator returns a generator of length-character codes. The alphabet has 32
// symbols, so masking a random byte keeps the distribution uniform.
func NewCodeGenerator(length int) CodeGenerator {
	return func() (string, error) {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for i, b := range buf {
			buf[i] = codeAlphabet[b&31]
		}
		return string(buf), nil
	}
}
