package waproto

import "go.mau.fi/libsignal/ecc"

// XEdDSA signing over Curve25519 (Montgomery) keys, grounded on
// spec.md §4.1's algorithm description and on the real call sites in
// other_examples' whatsmeow pair.go (ecc.CalculateSignature /
// ecc.VerifySignature / ecc.NewDjbECPrivateKey / ecc.NewDjbECPublicKey).
// go.mau.fi/libsignal is the library production multi-device WhatsApp
// clients use for this exact primitive; crypto/ed25519 cannot be used
// here because it signs over Edwards keys, not the Montgomery keys the
// Noise/X3DH key material in this module is expressed in.

// SignalPublicKey prefixes a Curve25519 public key with the Signal djb
// key-type byte (0x05), matching keys.rs's signal_public_key.
func SignalPublicKey(pub [32]byte) [33]byte {
	var out [33]byte
	out[0] = 0x05
	copy(out[1:], pub[:])
	return out
}

// Sign produces an XEdDSA signature of message under the Curve25519
// private key priv (public key pub is supplied for completeness of the
// call but is not required by the underlying primitive).
func Sign(priv [32]byte, pub [32]byte, message []byte) [64]byte {
	_ = pub
	key := ecc.NewDjbECPrivateKey(priv)
	return ecc.CalculateSignature(key, message)
}

// Verify checks an XEdDSA signature of message under the Curve25519
// public key pub.
func Verify(pub [32]byte, message []byte, signature [64]byte) bool {
	key := ecc.NewDjbECPublicKey(pub)
	return ecc.VerifySignature(key, message, signature)
}
