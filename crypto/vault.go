// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Key vault parameters. The relay stores only the wrapped ciphertext, the
// key-encryption key is derived on the client and never transmitted.
const (
	vaultKDFIterations = 100000
	vaultKeyLen        = 32
	vaultSaltLen       = 16
	vaultIVLen         = 12
)

// WrappedKey is a private key encrypted under a password derived key, as
// persisted on the relay. All fields are hex encoded.
type WrappedKey struct {
	WrappedKey string `json:"wrappedKey"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
}

func deriveKEK(password string, salt []byte) []byte {
	pw := strings.TrimSpace(password)
	return pbkdf2.Key([]byte(pw), salt, vaultKDFIterations, vaultKeyLen, sha256.New)
}

// WrapKey encrypts a JWK encoded private key under a key derived from
// password. A fresh random salt and IV are used for every wrap; a WrappedKey
// is replaced atomically on password change, never mutated in place.
func WrapKey(password string, jwk []byte) (*WrappedKey, error) {
	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, vaultIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	aead, err := newGCM(deriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, iv, jwk, nil)

	return &WrappedKey{
		WrappedKey: hex.EncodeToString(ct),
		Salt:       hex.EncodeToString(salt),
		IV:         hex.EncodeToString(iv),
	}, nil
}

// UnwrapRSAKey decrypts a wrapped encryption private key.
func UnwrapRSAKey(password string, wk *WrappedKey) (*rsa.PrivateKey, error) {
	jwk, err := unwrapJWK(password, wk)
	if err != nil {
		return nil, err
	}
	return ImportRSAPrivateKey(jwk)
}

// UnwrapECDSAKey decrypts a wrapped signing private key.
func UnwrapECDSAKey(password string, wk *WrappedKey) (*ecdsa.PrivateKey, error) {
	jwk, err := unwrapJWK(password, wk)
	if err != nil {
		return nil, err
	}
	return ImportECDSAPrivateKey(jwk)
}

func unwrapJWK(password string, wk *WrappedKey) ([]byte, error) {
	ct, err := hex.DecodeString(wk.WrappedKey)
	if err != nil {
		return nil, ErrTampered
	}
	salt, err := hex.DecodeString(wk.Salt)
	if err != nil {
		return nil, ErrTampered
	}
	iv, err := hex.DecodeString(wk.IV)
	if err != nil {
		return nil, ErrTampered
	}

	aead, err := newGCM(deriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	jwk, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		// The GCM tag check is the only password verification there is.
		return nil, ErrWrongPassword
	}
	return jwk, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
