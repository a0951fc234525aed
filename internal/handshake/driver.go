// Package handshake drives the Noise XX handshake end to end over a
// transport.Conn: ClientHello, ServerHello, cert-chain verification
// (delegated to noiseengine), ClientFinish, and finishInit. Grounded on
// original_source/src/wa/handshake.rs and noise_md.rs's
// process_server_hello sequencing.
package handshake

import (
	"context"
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatwarp/waconnect-go/internal/noiseengine"
	"github.com/chatwarp/waconnect-go/internal/transport"
	"github.com/chatwarp/waconnect-go/internal/waproto"
)

// Version is the WA Web client version string baked into ClientPayload
// and hashed into the pairing build_hash, refreshed by the WA web
// version discovery collaborator (spec.md §6).
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// DefaultUserAgent describes the desktop browser client identity sent
// in ClientPayload.UserAgent, matching auth.rs's default browser
// metadata translated into a WA web platform user agent.
func DefaultUserAgent(version Version) waproto.UserAgent {
	return waproto.UserAgent{
		Platform:       1, // WEB
		AppVersion:     version.String(),
		OSVersion:      "14.4.1",
		Manufacturer:   "",
		Device:         "Desktop",
		LocaleLanguage: "en",
		LocaleCountry:  "US",
	}
}

// Result is everything the instance runner needs after a successful
// handshake: the now-in-transport-mode engine and the ephemeral key
// material used to build it (kept only for diagnostics/tests).
type Result struct {
	Engine    *noiseengine.Engine
	Ephemeral waproto.KeyPair
}

// Phase names the handshake step an error occurred in, so a caller can
// decide whether a failure is worth retrying with a refreshed client
// version (spec.md §4.7's "version-refetch retry" rule only applies to
// a Noise close during HttpUpgrade/ClientHello/ServerHello).
type Phase string

const (
	PhaseHTTPUpgrade  Phase = "HttpUpgrade"
	PhaseClientHello  Phase = "ClientHello"
	PhaseServerHello  Phase = "ServerHello"
	PhaseClientFinish Phase = "ClientFinish"
	PhasePostFinish   Phase = "PostFinish"
)

// PhaseError tags an error with the handshake phase it occurred in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("handshake: %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Run performs ClientHello -> ServerHello -> cert-chain verify ->
// ClientFinish -> finishInit over conn, authenticating with auth's
// noise static key and identity, and logging in either the pairing or
// resume ClientPayload form depending on whether auth.Metadata.Me is
// set. routingInfo, when non-nil, is folded into the Noise intro
// header per spec.md §4.4. trustedIssuerKeys, when non-empty, overrides
// the engine's default cert-chain issuer key set (the
// WA_NOISE_CERT_ISSUER_KEYS environment knob of spec.md §6).
func Run(ctx context.Context, conn *transport.Conn, auth *waproto.AuthState, version Version, routingInfo []byte, trustedIssuerKeys [][]byte) (*Result, error) {
	ephemeral, err := waproto.GenerateKeyPair()
	if err != nil {
		return nil, &PhaseError{PhaseClientHello, fmt.Errorf("generate ephemeral: %w", err)}
	}

	engine := noiseengine.New(ephemeral.Public, routingInfo)
	if len(trustedIssuerKeys) > 0 {
		engine.TrustedIssuerKeys = trustedIssuerKeys
	}

	clientHello := noiseengine.BuildClientHello(ephemeral.Public)
	if err := sendFrame(ctx, conn, engine, clientHello); err != nil {
		return nil, &PhaseError{PhaseClientHello, fmt.Errorf("send client hello: %w", err)}
	}

	var decoded [][]byte
	for len(decoded) == 0 {
		raw, err := conn.NextRawFrame(ctx)
		if err != nil {
			return nil, &PhaseError{PhaseServerHello, fmt.Errorf("receive server hello: %w", err)}
		}
		decoded, err = engine.DecodeFrames(raw)
		if err != nil {
			return nil, &PhaseError{PhaseServerHello, fmt.Errorf("decode server hello frame: %w", err)}
		}
	}

	serverHello, err := waproto.DecodeServerHello(decoded[0])
	if err != nil {
		return nil, &PhaseError{PhaseServerHello, fmt.Errorf("parse server hello: %w", err)}
	}

	encryptedStatic, err := engine.ProcessServerHello(serverHello, auth.NoiseKey, ephemeral)
	if err != nil {
		return nil, &PhaseError{PhaseServerHello, fmt.Errorf("process server hello: %w", err)}
	}

	payload := buildClientPayload(auth, version)
	encodedPayload := waproto.EncodeClientPayload(payload)
	encryptedPayload, err := engine.EncryptPayload(encodedPayload)
	if err != nil {
		return nil, &PhaseError{PhaseClientFinish, fmt.Errorf("encrypt client payload: %w", err)}
	}

	clientFinish := waproto.EncodeClientFinish(encryptedStatic, encryptedPayload)
	if err := sendFrame(ctx, conn, engine, clientFinish); err != nil {
		return nil, &PhaseError{PhaseClientFinish, fmt.Errorf("send client finish: %w", err)}
	}

	engine.FinishInit()

	return &Result{Engine: engine, Ephemeral: ephemeral}, nil
}

func sendFrame(ctx context.Context, conn *transport.Conn, engine *noiseengine.Engine, data []byte) error {
	frame, err := engine.EncodeFrame(data)
	if err != nil {
		return err
	}
	return conn.SendRaw(ctx, frame)
}

// buildClientPayload chooses the pairing or resume ClientPayload shape
// per spec.md §4.5.2, depending on whether auth already has a known
// `me` identity.
func buildClientPayload(auth *waproto.AuthState, version Version) *waproto.ClientPayload {
	payload := &waproto.ClientPayload{
		UserAgent:     DefaultUserAgent(version),
		WebInfo:       waproto.WebInfo{WebSubPlatform: 0},
		PushName:      pushName(auth),
		ConnectType:   waproto.ConnectTypeWifiUnknown,
		ConnectReason: waproto.ConnectReasonUserActivated,
	}

	if auth.Metadata.Me == nil {
		payload.DevicePairingData = buildDevicePairingData(auth, version)
		return payload
	}

	username, device, ok := parseJID(auth.Metadata.Me.JID)
	if ok {
		payload.Username = username
		payload.Device = device
	}
	payload.Passive = true
	payload.Pull = true
	return payload
}

func pushName(auth *waproto.AuthState) string {
	if auth.Metadata.Me != nil && auth.Metadata.Me.PushName != "" {
		return auth.Metadata.Me.PushName
	}
	return "waconnect"
}

func buildDevicePairingData(auth *waproto.AuthState, version Version) *waproto.DevicePairingData {
	var eRegID [4]byte
	eRegID[0] = byte(auth.Identity.RegistrationID >> 24)
	eRegID[1] = byte(auth.Identity.RegistrationID >> 16)
	eRegID[2] = byte(auth.Identity.RegistrationID >> 8)
	eRegID[3] = byte(auth.Identity.RegistrationID)

	buildHash := md5.Sum([]byte(version.String()))

	return &waproto.DevicePairingData{
		ERegID:      eRegID,
		EKeyType:    0x05,
		EIdent:      append([]byte(nil), auth.Identity.IdentityKey.Public[:]...),
		ESKeyID:     [3]byte{0x00, 0x00, 0x01},
		ESKeyVal:    append([]byte(nil), auth.Identity.SignedPreKey.Public[:]...),
		ESKeySig:    append([]byte(nil), auth.Identity.SignedPreKeySig[:]...),
		BuildHash:   buildHash[:],
		DeviceProps: nil,
	}
}

// parseJID splits "username[:device]@server" into its numeric parts,
// per spec.md §4.5.2's resume form.
func parseJID(jid string) (username uint64, device uint32, ok bool) {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return 0, 0, false
	}
	local := jid[:at]

	userPart, devicePart, hasDevice := strings.Cut(local, ":")

	u, err := strconv.ParseUint(userPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	username = u

	if hasDevice {
		d, err := strconv.ParseUint(devicePart, 10, 32)
		if err != nil {
			return 0, 0, false
		}
		device = uint32(d)
	}
	return username, device, true
}
