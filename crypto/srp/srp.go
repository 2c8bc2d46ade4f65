// SPDX-License-Identifier: Apache-2.0

// Package srp implements the SRP-6a protocol arithmetic used by the login
// flow, over the RFC 5054 2048-bit group with g=2 and SHA-256.
//
// The parameterization matches the relay's reference clients:
//
//	k  = H(N || pad(g))
//	u  = H(pad(A) || pad(B))
//	S  = (B - k*g^x)^(a + u*x) mod N     (client)
//	S  = (A * v^u)^b mod N               (server)
//	K  = H(S)
//	M1 = H(H(N) xor H(g) || H(I) || s || A || B || K)
//	M2 = H(A || M1 || K)
//
// The private key x is supplied by the caller: the login flow derives it
// with PBKDF2 from email:password under the account's SRP salt, it is
// ephemeral and never stored. All values cross this package boundary as hex
// strings because that is how they travel over the relay REST API.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

// N is the RFC 5054 appendix A 2048-bit group prime.
const nHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

const (
	groupLen     = 256 // bytes of N
	saltLen      = 32
	ephemeralLen = 32
)

var (
	groupN = mustParseHex(nHex)
	groupG = big.NewInt(2)
	multK  = hashInts(groupN, groupG) // k = H(N || pad(g))
)

var (
	// ErrInvalidPublicKey is returned when a peer ephemeral is zero mod N.
	ErrInvalidPublicKey = errors.New("srp: invalid public ephemeral")

	// ErrProofMismatch is returned when a session proof does not verify.
	ErrProofMismatch = errors.New("srp: session proof mismatch")
)

// Ephemeral is a one-shot keypair for a single handshake.
type Ephemeral struct {
	Secret string
	Public string
}

// Session is the agreed key and this side's proof of it.
type Session struct {
	Key   string
	Proof string
}

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad hex constant")
	}
	return n
}

func pad(n *big.Int) []byte {
	b := make([]byte, groupLen)
	n.FillBytes(b)
	return b
}

// hashInts hashes the padded big-endian encodings of its arguments.
func hashInts(ints ...*big.Int) *big.Int {
	h := sha256.New()
	for _, n := range ints {
		h.Write(pad(n))
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func hashBytes(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func parseHex(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 16)
	if !ok {
		return nil, errors.New("srp: malformed hex value")
	}
	return n, nil
}

func toHex(n *big.Int) string {
	return n.Text(16)
}

// GenerateSalt returns a fresh random salt, hex encoded.
func GenerateSalt() (string, error) {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveVerifier computes v = g^x mod N for the relay to store at signup.
func DeriveVerifier(privateKey string) (string, error) {
	x, err := parseHex(privateKey)
	if err != nil {
		return "", err
	}
	return toHex(new(big.Int).Exp(groupG, x, groupN)), nil
}

// GenerateEphemeral returns a fresh client ephemeral: A = g^a mod N.
func GenerateEphemeral() (*Ephemeral, error) {
	a, err := randomScalar()
	if err != nil {
		return nil, err
	}
	A := new(big.Int).Exp(groupG, a, groupN)
	return &Ephemeral{Secret: toHex(a), Public: toHex(A)}, nil
}

// GenerateServerEphemeral returns a fresh server ephemeral for the stored
// verifier: B = kv + g^b mod N. Used by the simulated relay in tests.
func GenerateServerEphemeral(verifier string) (*Ephemeral, error) {
	v, err := parseHex(verifier)
	if err != nil {
		return nil, err
	}
	b, err := randomScalar()
	if err != nil {
		return nil, err
	}
	B := new(big.Int).Exp(groupG, b, groupN)
	B.Add(B, new(big.Int).Mul(multK, v))
	B.Mod(B, groupN)
	return &Ephemeral{Secret: toHex(b), Public: toHex(B)}, nil
}

func randomScalar() (*big.Int, error) {
	b := make([]byte, ephemeralLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// transcript computes M1 = H(H(N) xor H(g) || H(I) || s || A || B || K).
func transcript(identity string, salt, A, B, K *big.Int) *big.Int {
	hN := sha256.Sum256(pad(groupN))
	hG := sha256.Sum256(pad(groupG))
	xor := make([]byte, len(hN))
	for i := range hN {
		xor[i] = hN[i] ^ hG[i]
	}
	hI := sha256.Sum256([]byte(identity))
	return hashBytes(xor, hI[:], salt.Bytes(), A.Bytes(), B.Bytes(), K.Bytes())
}

// DeriveSession computes the client side session key and proof.
func DeriveSession(clientSecret, serverPublic, salt, identity, privateKey string) (*Session, error) {
	a, err := parseHex(clientSecret)
	if err != nil {
		return nil, err
	}
	B, err := parseHex(serverPublic)
	if err != nil {
		return nil, err
	}
	s, err := parseHex(salt)
	if err != nil {
		return nil, err
	}
	x, err := parseHex(privateKey)
	if err != nil {
		return nil, err
	}

	if new(big.Int).Mod(B, groupN).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	A := new(big.Int).Exp(groupG, a, groupN)
	u := hashInts(A, B)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(multK, gx))
	base.Mod(base, groupN)
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, groupN)

	K := hashInts(S)
	M1 := transcript(identity, s, A, B, K)
	return &Session{Key: toHex(K), Proof: toHex(M1)}, nil
}

// DeriveServerSession computes the server side session, verifying the client
// proof before returning the server proof M2. Used by the simulated relay.
func DeriveServerSession(serverSecret, clientPublic, salt, identity, verifier, clientProof string) (*Session, error) {
	b, err := parseHex(serverSecret)
	if err != nil {
		return nil, err
	}
	A, err := parseHex(clientPublic)
	if err != nil {
		return nil, err
	}
	s, err := parseHex(salt)
	if err != nil {
		return nil, err
	}
	v, err := parseHex(verifier)
	if err != nil {
		return nil, err
	}
	M1, err := parseHex(clientProof)
	if err != nil {
		return nil, err
	}

	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	B := new(big.Int).Exp(groupG, b, groupN)
	B.Add(B, new(big.Int).Mul(multK, v))
	B.Mod(B, groupN)

	u := hashInts(A, B)

	// S = (A * v^u)^b mod N
	base := new(big.Int).Mul(A, new(big.Int).Exp(v, u, groupN))
	base.Mod(base, groupN)
	S := new(big.Int).Exp(base, b, groupN)

	K := hashInts(S)
	expected := transcript(identity, s, A, B, K)
	if !equalInt(expected, M1) {
		return nil, ErrProofMismatch
	}
	M2 := hashBytes(A.Bytes(), expected.Bytes(), K.Bytes())
	return &Session{Key: toHex(K), Proof: toHex(M2)}, nil
}

// VerifySession authenticates the server: M2 must equal H(A || M1 || K).
// A mismatch means the peer never knew the verifier and is impersonating
// the relay.
func VerifySession(clientPublic string, session *Session, serverProof string) error {
	A, err := parseHex(clientPublic)
	if err != nil {
		return err
	}
	K, err := parseHex(session.Key)
	if err != nil {
		return err
	}
	M1, err := parseHex(session.Proof)
	if err != nil {
		return err
	}
	M2, err := parseHex(serverProof)
	if err != nil {
		return err
	}
	expected := hashBytes(A.Bytes(), M1.Bytes(), K.Bytes())
	if !equalInt(expected, M2) {
		return ErrProofMismatch
	}
	return nil
}

func equalInt(a, b *big.Int) bool {
	return subtle.ConstantTimeCompare(pad(a), pad(b)) == 1
}
