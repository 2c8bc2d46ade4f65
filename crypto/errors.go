// SPDX-License-Identifier: Apache-2.0

package crypto

import "errors"

var (
	// ErrWrongPassword is returned when the key derived from the supplied
	// password fails to authenticate a wrapped key.
	ErrWrongPassword = errors.New("crypto: wrong password")

	// ErrBadSignature is returned when an envelope signature does not
	// verify under the sender's signing key.
	ErrBadSignature = errors.New("crypto: bad envelope signature")

	// ErrTampered is returned when an envelope's ciphertext or wrapped
	// symmetric key fails to decrypt.
	ErrTampered = errors.New("crypto: envelope tampered")

	// ErrStaleEnvelope is returned when an envelope timestamp falls
	// outside the freshness window.
	ErrStaleEnvelope = errors.New("crypto: stale envelope")
)
