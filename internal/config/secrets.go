package config

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfSalt = "lucaverse-auth"

// DeriveKey expands secret into a 32 byte key bound to purpose, so that the
// session token and CSRF cookie signers never share key material.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
