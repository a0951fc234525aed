// Package pairing implements the device-side half of WA's pair-success
// handshake: verifying the HMAC-protected device identity the server
// sends, checking the account's XEdDSA signature over it, and signing
// the identity back with this device's own key. Grounded directly on
// other_examples' whatsmeow pair.go (verifyDeviceIdentityAccountSignature,
// generateDeviceSignature, the AdvPrefix* domain-separation constants).
package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"

	"github.com/chatwarp/waconnect-go/internal/binary"
	"github.com/chatwarp/waconnect-go/internal/waproto"
)

var (
	// AdvPrefixAccountSignature domain-separates the account's signature
	// over a non-Hosted device identity.
	AdvPrefixAccountSignature = []byte{6, 0}
	// AdvPrefixDeviceSignatureGenerate domain-separates the device
	// signature this module generates for a non-Hosted device identity.
	AdvPrefixDeviceSignatureGenerate = []byte{6, 1}
	// AdvHostedPrefixDeviceIdentityAccountSignature is the Hosted-account
	// variant of AdvPrefixAccountSignature.
	AdvHostedPrefixDeviceIdentityAccountSignature = []byte{6, 5}
	// AdvHostedPrefixDeviceIdentityDeviceSignatureVerification is the
	// Hosted-account variant of AdvPrefixDeviceSignatureGenerate.
	AdvHostedPrefixDeviceIdentityDeviceSignatureVerification = []byte{6, 6}
)

var (
	ErrInvalidHMAC          = errors.New("pairing: device identity HMAC mismatch")
	ErrInvalidAccountSig    = errors.New("pairing: account signature mismatch")
	ErrMalformedKeyMaterial = errors.New("pairing: malformed signature key or signature length")
)

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Result carries the reply stanza to send back to the server, along
// with the now self-signed identity that should be persisted onto
// AuthState as the account's long-term device identity.
type Result struct {
	ReplyNode      binary.Node
	SignedIdentity *waproto.AdvSignedDeviceIdentity
}

// VerifyAndSign runs the full pair-success verification and signing
// sequence of spec.md §4.6 against deviceIdentityHMACBytes (the raw
// content of a pair-success/device-identity node), returning the
// iq/pair-device-sign reply node to send back to the server.
func VerifyAndSign(auth *waproto.AuthState, reqID string, deviceIdentityHMACBytes []byte) (*Result, error) {
	envelope, err := waproto.DecodeAdvSignedDeviceIdentityHMAC(deviceIdentityHMACBytes)
	if err != nil {
		return nil, err
	}

	isHosted := envelope.HasAccount && envelope.AccountType == waproto.AdvAccountTypeHosted

	advSecret, err := base64.StdEncoding.DecodeString(auth.AdvSecretKey)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, advSecret)
	if isHosted {
		mac.Write(AdvHostedPrefixDeviceIdentityAccountSignature)
	}
	mac.Write(envelope.Details)
	if !hmac.Equal(mac.Sum(nil), envelope.HMAC) {
		return nil, ErrInvalidHMAC
	}

	identity, err := waproto.DecodeAdvSignedDeviceIdentity(envelope.Details)
	if err != nil {
		return nil, err
	}

	if len(identity.AccountSignatureKey) != 32 || len(identity.AccountSignature) != 64 {
		return nil, ErrMalformedKeyMaterial
	}

	accountSigPrefix := AdvPrefixAccountSignature
	deviceSigPrefix := AdvPrefixDeviceSignatureGenerate
	if isHosted {
		accountSigPrefix = AdvHostedPrefixDeviceIdentityAccountSignature
		deviceSigPrefix = AdvHostedPrefixDeviceIdentityDeviceSignatureVerification
	}

	var accountSigKey [32]byte
	copy(accountSigKey[:], identity.AccountSignatureKey)
	var accountSig [64]byte
	copy(accountSig[:], identity.AccountSignature)

	accountMessage := concatBytes(accountSigPrefix, identity.Details, auth.Identity.IdentityKey.Public[:])
	if !waproto.Verify(accountSigKey, accountMessage, accountSig) {
		return nil, ErrInvalidAccountSig
	}

	deviceMessage := concatBytes(deviceSigPrefix, identity.Details, auth.Identity.IdentityKey.Public[:], identity.AccountSignatureKey)
	deviceSig := waproto.Sign(auth.Identity.IdentityKey.Private, auth.Identity.IdentityKey.Public, deviceMessage)

	signed := &waproto.AdvSignedDeviceIdentity{
		Details:          identity.Details,
		AccountSignature: identity.AccountSignature,
		DeviceSignature:  deviceSig[:],
		// AccountSignatureKey is deliberately omitted from the
		// re-encoded, self-signed identity sent back to the server.
	}

	deviceDetails, err := waproto.DecodeAdvDeviceIdentity(identity.Details)
	if err != nil {
		return nil, err
	}

	selfSigned := waproto.EncodeAdvSignedDeviceIdentity(signed)

	reply := binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"to":   "s.whatsapp.net",
			"type": "result",
			"id":   reqID,
		},
		Content: []binary.Node{{
			Tag: "pair-device-sign",
			Content: []binary.Node{{
				Tag:     "device-identity",
				Attrs:   map[string]string{"key-index": strconv.Itoa(int(deviceDetails.KeyIndex))},
				Content: selfSigned,
			}},
		}},
	}

	return &Result{ReplyNode: reply, SignedIdentity: signed}, nil
}
