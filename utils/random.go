package utils

import (
	"crypto/rand"
)

// codeCharset deliberately drops 0/O/1/I so staff cannot misread a code
// shouted across a counter. Codes are a matching aid, not a secret.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateVerificationCode returns an uppercase alphanumeric code of the
// given length.
func GenerateVerificationCode(length int) (string, error) {
	// Make a slice of length random bytes.
	code := make([]byte, length)

	// Read into the slice.
	if _, err := rand.Read(code); err != nil {
		return "", err
	}

	// Convert bytes to charset characters.
	for i := 0; i < length; i++ {
		code[i] = codeCharset[int(code[i])%len(codeCharset)]
	}

	return string(code), nil
}
