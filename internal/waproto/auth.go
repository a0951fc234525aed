package waproto

import (
	"crypto/rand"
	"encoding/base64"
)

// MeInfo identifies the logged-in account, once known.
type MeInfo struct {
	JID      string
	PushName string
}

// BrowserMetadata describes the desktop browser identity advertised
// during login. Defaults mirror original_source/src/wa/auth.rs's
// BrowserMetadata default (os="Mac OS", browser="Chrome",
// os_version="14.4.1").
type BrowserMetadata struct {
	OS        string
	Browser   string
	OSVersion string
}

// DefaultBrowserMetadata returns the teacher/original default browser
// identity.
func DefaultBrowserMetadata() BrowserMetadata {
	return BrowserMetadata{OS: "Mac OS", Browser: "Chrome", OSVersion: "14.4.1"}
}

// SessionMetadata is the mutable part of AuthState that changes as a
// session logs in and the server hands out routing hints.
type SessionMetadata struct {
	Me          *MeInfo
	RoutingInfo []byte
	Browser     BrowserMetadata
	CountryCode string
}

// DefaultSessionMetadata mirrors auth.rs's SessionMetadata::default()
// (country_code "US").
func DefaultSessionMetadata() SessionMetadata {
	return SessionMetadata{Browser: DefaultBrowserMetadata(), CountryCode: "US"}
}

// IdentityState is the long-lived identity key material advertised to
// the server: the identity keypair, a signed pre-key, and a pool of
// one-time pre-keys.
type IdentityState struct {
	IdentityKey      KeyPair
	RegistrationID   uint32
	SignedPreKey     KeyPair
	SignedPreKeySig  [64]byte
	OneTimePreKeys   []KeyPair
}

const oneTimePreKeyCount = 16

func newIdentityState() (IdentityState, error) {
	identityKey, err := GenerateKeyPair()
	if err != nil {
		return IdentityState{}, err
	}

	regID, err := GenerateRegistrationID()
	if err != nil {
		return IdentityState{}, err
	}

	signedPreKey, err := GenerateKeyPair()
	if err != nil {
		return IdentityState{}, err
	}

	signedPub := SignalPublicKey(signedPreKey.Public)
	sig := Sign(identityKey.Private, identityKey.Public, signedPub[:])

	oneTimeKeys := make([]KeyPair, 0, oneTimePreKeyCount)
	for i := 0; i < oneTimePreKeyCount; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return IdentityState{}, err
		}
		oneTimeKeys = append(oneTimeKeys, kp)
	}

	return IdentityState{
		IdentityKey:     identityKey,
		RegistrationID:  regID,
		SignedPreKey:    signedPreKey,
		SignedPreKeySig: sig,
		OneTimePreKeys:  oneTimeKeys,
	}, nil
}

// AuthState is the full per-instance persisted credential set: the
// identity, the Noise static keypair, the adv_secret_key used to HMAC
// pairing payloads, and mutable session metadata. Grounded on
// original_source/src/wa/auth.rs's AuthState.
type AuthState struct {
	Identity     IdentityState
	NoiseKey     KeyPair
	AdvSecretKey string // base64-encoded 32 random bytes
	Metadata     SessionMetadata
}

// NewAuthState builds a fresh AuthState the way AuthState::new() does in
// auth.rs: generates identity/signed-pre-key/one-time-pre-keys, a Noise
// static keypair, and a random adv_secret_key.
func NewAuthState() (*AuthState, error) {
	identity, err := newIdentityState()
	if err != nil {
		return nil, err
	}

	noiseKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var advSecret [32]byte
	if _, err := rand.Read(advSecret[:]); err != nil {
		return nil, err
	}

	return &AuthState{
		Identity:     identity,
		NoiseKey:     noiseKey,
		AdvSecretKey: base64.StdEncoding.EncodeToString(advSecret[:]),
		Metadata:     DefaultSessionMetadata(),
	}, nil
}
