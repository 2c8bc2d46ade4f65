// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// EnvelopeMaxAge bounds the replay window: envelopes whose sentAt timestamp
// deviates from the local clock by more than this are rejected unless the
// caller disables the check.
const EnvelopeMaxAge = 120 * time.Second

const envelopeKeyLen = 32

// Envelope is the authenticated ciphertext exchanged between two principals.
// A fresh AES-256-GCM key encrypts the payload, that key is RSA-OAEP wrapped
// under the recipient's encryption public key, and the sender signs
// nonce || ciphertext || sentAt. Hex encoded fields, sentAt in milliseconds
// since epoch. Envelopes are transient and never persisted.
type Envelope struct {
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	WrappedSymKey string `json:"wrappedSymKey"`
	Signature     string `json:"signature"`
	SentAt        int64  `json:"sentAt"`
}

// DecryptOptions alters envelope validation.
type DecryptOptions struct {
	// DisableTimestampCheck skips the freshness check. Set only by callers
	// that legitimately decrypt stored data, such as backup keys.
	DisableTimestampCheck bool
}

// The timestamp is bound into the signature as its decimal ASCII encoding,
// matching what WebCrypto peers sign.
func envelopeDigest(nonce, ciphertext []byte, sentAt int64) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(ciphertext)
	h.Write([]byte(strconv.FormatInt(sentAt, 10)))
	return h.Sum(nil)
}

// EncryptEnvelope serializes payload to JSON and seals it for recipient,
// signed by the sender's signing key.
func EncryptEnvelope(recipient *rsa.PublicKey, signer *ecdsa.PrivateKey, payload interface{}) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	key := make([]byte, envelopeKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	nonce := make([]byte, vaultIVLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, err
	}

	sentAt := time.Now().UnixMilli()
	sig, err := signP1363(signer, envelopeDigest(nonce, ciphertext, sentAt))
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Nonce:         hex.EncodeToString(nonce),
		Ciphertext:    hex.EncodeToString(ciphertext),
		WrappedSymKey: hex.EncodeToString(wrappedKey),
		Signature:     hex.EncodeToString(sig),
		SentAt:        sentAt,
	}, nil
}

// DecryptEnvelope authenticates and opens an envelope, returning the JSON
// payload bytes. Validation order: signature, freshness, key unwrap, AEAD.
func DecryptEnvelope(self *rsa.PrivateKey, sender *ecdsa.PublicKey, env *Envelope, opts *DecryptOptions) ([]byte, error) {
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrBadSignature
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrBadSignature
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, ErrBadSignature
	}

	if !verifyP1363(sender, envelopeDigest(nonce, ciphertext, env.SentAt), sig) {
		return nil, ErrBadSignature
	}

	if opts == nil || !opts.DisableTimestampCheck {
		age := time.Since(time.UnixMilli(env.SentAt))
		if age < 0 {
			age = -age
		}
		if age > EnvelopeMaxAge {
			return nil, ErrStaleEnvelope
		}
	}

	wrappedKey, err := hex.DecodeString(env.WrappedSymKey)
	if err != nil {
		return nil, ErrTampered
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, self, wrappedKey, nil)
	if err != nil {
		return nil, ErrTampered
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrTampered
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}
