package keys

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func signCompact(priv *secp256k1.PrivateKey, digest []byte) []byte {
	return ecdsa.SignCompact(priv, digest, false)
}

// VerifySignature checks a fixed-width r||s hex signature over a 32-byte
// digest against an uncompressed hex public key. Parse failures (wrong
// length, bad hex, out-of-range scalars, malformed key) report as an
// invalid signature rather than a distinct error; a forgery attempt and a
// corrupt signature are indistinguishable to the caller.
func VerifySignature(publicKeyHex, signatureHex string, digest []byte) bool {
	if len(signatureHex) != SignatureHexLen {
		return false
	}
	raw, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := ParsePublicKeyHex(publicKeyHex)
	if err != nil {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow {
		return false
	}
	if r.IsZero() || s.IsZero() {
		return false
	}

	return ecdsa.NewSignature(&r, &s).Verify(digest, pub)
}
