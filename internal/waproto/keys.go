package waproto

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 keypair, grounded on
// original_source/src/wa/keys.rs (KeyPair{public, private}).
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh X25519 keypair, mirroring
// keys.rs's generate_keypair (x25519_dalek::StaticSecret::random_from_rng).
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, err
	}
	return KeyPairFromPrivate(priv)
}

// KeyPairFromPrivate derives the public key from a given private scalar,
// clamping it per the X25519 spec the same way curve25519.X25519 does.
func KeyPairFromPrivate(private [32]byte) (KeyPair, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = private
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs the X25519 Diffie-Hellman operation.
func (kp KeyPair) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// GenerateRegistrationID produces a 14-bit registration id, mirroring
// keys.rs's generate_registration_id (4 random bytes, little-endian u32,
// masked & 0x3FFF).
func GenerateRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]) & 0x3FFF, nil
}
