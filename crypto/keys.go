// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the cryptographic core of the gateway client:
// long-term keypairs with their JWK wire encoding, the password based key
// vault, and the authenticated message envelope.
//
// The primitives are fixed by the relay protocol: RSA-OAEP (2048 bit,
// SHA-256) for key transport, ECDSA over P-256 with SHA-256 for signatures
// and AES-256-GCM for payload encryption. Signatures use the raw r||s
// encoding so that they interoperate with WebCrypto peers.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	jose "gopkg.in/square/go-jose.v2"
)

const rsaKeyBits = 2048

// KeyAlgorithm identifies which of the two long-term key types a wrapped
// private key contains.
type KeyAlgorithm int

const (
	// AlgorithmRSAOAEP is the encryption keypair (RSA-OAEP, SHA-256).
	AlgorithmRSAOAEP KeyAlgorithm = iota

	// AlgorithmECDSA is the signing keypair (ECDSA P-256, SHA-256).
	AlgorithmECDSA
)

func (a KeyAlgorithm) String() string {
	switch a {
	case AlgorithmRSAOAEP:
		return "RSA-OAEP"
	case AlgorithmECDSA:
		return "ECDSA"
	default:
		return fmt.Sprintf("KeyAlgorithm(%d)", int(a))
	}
}

// KeyPairs holds the two long-term keypairs of a principal. Both are
// generated together and share a lifetime.
type KeyPairs struct {
	RSA   *rsa.PrivateKey
	ECDSA *ecdsa.PrivateKey
}

// GenerateKeyPairs generates a fresh encryption and signing keypair.
func GenerateKeyPairs() (*KeyPairs, error) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	ecdsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPairs{RSA: rsaKey, ECDSA: ecdsaKey}, nil
}

// ExportJWK encodes a public or private key as a JWK JSON document.
// Accepted types are *rsa.PublicKey, *rsa.PrivateKey, *ecdsa.PublicKey and
// *ecdsa.PrivateKey.
func ExportJWK(key interface{}) ([]byte, error) {
	k := jose.JSONWebKey{Key: key}
	return k.MarshalJSON()
}

// ImportRSAPublicKey parses a JWK document holding an RSA public key.
func ImportRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	var k jose.JSONWebKey
	if err := k.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("crypto: malformed RSA public JWK: %v", err)
	}
	pub, ok := k.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: JWK is not an RSA public key")
	}
	return pub, nil
}

// ImportECDSAPublicKey parses a JWK document holding a P-256 public key.
func ImportECDSAPublicKey(data []byte) (*ecdsa.PublicKey, error) {
	var k jose.JSONWebKey
	if err := k.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("crypto: malformed ECDSA public JWK: %v", err)
	}
	pub, ok := k.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: JWK is not an ECDSA public key")
	}
	return pub, nil
}

// ImportRSAPrivateKey parses a JWK document holding an RSA private key.
func ImportRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	var k jose.JSONWebKey
	if err := k.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("crypto: malformed RSA private JWK: %v", err)
	}
	priv, ok := k.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: JWK is not an RSA private key")
	}
	return priv, nil
}

// ImportECDSAPrivateKey parses a JWK document holding a P-256 private key.
func ImportECDSAPrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	var k jose.JSONWebKey
	if err := k.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("crypto: malformed ECDSA private JWK: %v", err)
	}
	priv, ok := k.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: JWK is not an ECDSA private key")
	}
	return priv, nil
}

// Fingerprint returns the display fingerprint of a key: the SHA-256 of the
// exact JWK string as received from the wire, hex encoded and colon
// separated. Raw JWK strings must be preserved verbatim by callers, a
// re-serialized JWK would produce a different fingerprint.
func Fingerprint(rawJWK []byte) string {
	sum := sha256.Sum256(rawJWK)
	h := hex.EncodeToString(sum[:])
	parts := make([]string, 0, len(h)/2)
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}

// SignDigest signs a digest with the raw r||s signature encoding used on
// the wire. Exposed for key recovery checks.
func SignDigest(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	return signP1363(priv, digest)
}

// VerifyDigest verifies a raw r||s signature over a digest.
func VerifyDigest(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	return verifyP1363(pub, digest, sig)
}

const p1363Len = 64 // two P-256 coordinates

// signP1363 signs digest with the raw r||s encoding used by WebCrypto.
func signP1363(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, p1363Len)
	r.FillBytes(sig[:p1363Len/2])
	s.FillBytes(sig[p1363Len/2:])
	return sig, nil
}

// verifyP1363 verifies a raw r||s signature over digest.
func verifyP1363(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if len(sig) != p1363Len {
		return false
	}
	r := new(big.Int).SetBytes(sig[:p1363Len/2])
	s := new(big.Int).SetBytes(sig[p1363Len/2:])
	return ecdsa.Verify(pub, digest, r, s)
}
