package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveWrappingKey stretches an operator-supplied secret into the 32-byte
// key that seals the token store's record key. The secret is expected to
// carry enough entropy on its own (it is not a user password).
func DeriveWrappingKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("wrapping secret is empty")
	}
	return HKDF([]byte(secret), []byte("cloudcam:tokenstore"), []byte("wrapping key v1"))
}
