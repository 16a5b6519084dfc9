package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"unicode/utf8"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateRandomAlphaNumeric draws length characters from crypto/rand.
func GenerateRandomAlphaNumeric(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be greater than 0")
	}

	result := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range result {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		result[i] = charset[idx.Int64()]
	}
	return string(result), nil
}

// NewSecret returns prefix followed by length random characters, e.g.
// whsec_Xy3....
func NewSecret(prefix string, length int) (string, error) {
	random, err := GenerateRandomAlphaNumeric(length)
	if err != nil {
		return "", err
	}
	return prefix + random, nil
}

// Truncate shortens s to at most limit bytes without splitting a rune.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
