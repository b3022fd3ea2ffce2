package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeGenerator(t *testing.T) {
	gen := NewCodeGenerator(12)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := gen()
		require.NoError(t, err)
		assert.Len(t, code, 12)
		assert.Empty(t, strings.Trim(code, codeAlphabet))
		seen[code] = true
	}
	assert.Len(t, seen, 200)
}

func TestCodeAlphabetAvoidsLookalikes(t *testing.T) {
	assert.Len(t, codeAlphabet, 32)
	assert.NotContains(t, codeAlphabet, "0")
	assert.NotContains(t, codeAlphabet, "O")
	assert.NotContains(t, codeAlphabet, "1")
	assert.NotContains(t, codeAlphabet, "I")
}

func TestMissingSlots(t *testing.T) {
	assert.Equal(t, []int{0, 2, 4}, missingSlots(5, []int{3, 1}))
	assert.Nil(t, missingSlots(2, []int{0, 1}))
}
