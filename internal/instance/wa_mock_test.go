package instance_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/hkdf"
	"nhooyr.io/websocket"

	"go.uber.org/zap"

	"github.com/chatwarp/waconnect-go/internal/authstore"
	wabinary "github.com/chatwarp/waconnect-go/internal/binary"
	"github.com/chatwarp/waconnect-go/internal/instance"
	"github.com/chatwarp/waconnect-go/internal/pairing"
	"github.com/chatwarp/waconnect-go/internal/waproto"
	"github.com/chatwarp/waconnect-go/internal/waversion"
)

// This file drives the instance runner's connect/reconnect state machine
// end to end against a mock WhatsApp Web Noise server: a real
// httptest.Server accepting the connection with nhooyr's websocket.Accept,
// speaking just enough of the Noise_XX_25519_AESGCM_SHA256 handshake and
// the 3-byte length-prefixed frame format to stand in for the genuine
// endpoint. The crypto here mirrors noiseengine.Engine's private state
// machine (authenticate/mixIntoKey/encrypt|decryptHandshake) with the
// responder's role: the two sides reach the same salt chain because
// mixIntoKey's output depends only on the DH values and their order, not
// on the handshake hash, and the hash transcript matches because every
// authenticate() call feeds it the same wire bytes on both ends.

const mockNoiseProtocolName = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

var mockWAHeader = []byte("WA\x06\x03")

// --- minimal HandshakeMessage envelope codec, mirroring the unexported
// varint/tag machinery of waproto/wire.go and the field numbers of
// waproto/handshake_message.go, which this package cannot reach directly. ---

func mockEncodeVarint(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var buf []byte
	for n > 0 {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func mockDecodeVarint(data []byte) (uint64, int) {
	var n uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0
		}
		n |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return n, i + 1
		}
		shift += 7
	}
	return 0, 0
}

func mockAppendBytesField(dst []byte, fieldNum int, data []byte) []byte {
	tag := uint64(fieldNum<<3 | 2)
	dst = append(dst, mockEncodeVarint(tag)...)
	dst = append(dst, mockEncodeVarint(uint64(len(data)))...)
	dst = append(dst, data...)
	return dst
}

func mockDecodeBytesFields(data []byte) (map[int][]byte, error) {
	out := make(map[int][]byte)
	pos := 0
	for pos < len(data) {
		tag, n := mockDecodeVarint(data[pos:])
		if n == 0 {
			return nil, fmt.Errorf("mock wire: malformed tag")
		}
		pos += n

		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)

		switch wireType {
		case 0:
			_, n := mockDecodeVarint(data[pos:])
			if n == 0 {
				return nil, fmt.Errorf("mock wire: malformed varint")
			}
			pos += n
		case 2:
			length, n := mockDecodeVarint(data[pos:])
			if n == 0 {
				return nil, fmt.Errorf("mock wire: malformed length")
			}
			pos += n
			if int(length) > len(data)-pos {
				return nil, fmt.Errorf("mock wire: truncated field")
			}
			out[fieldNum] = data[pos : pos+int(length)]
			pos += int(length)
		default:
			return nil, fmt.Errorf("mock wire: unsupported wire type %d", wireType)
		}
	}
	return out, nil
}

func decodeMockClientHello(frame []byte) ([]byte, error) {
	outer, err := mockDecodeBytesFields(frame)
	if err != nil {
		return nil, err
	}
	inner, ok := outer[2] // fieldHandshakeClientHello
	if !ok {
		return nil, fmt.Errorf("mock wire: missing client hello field")
	}
	fields, err := mockDecodeBytesFields(inner)
	if err != nil {
		return nil, err
	}
	eph, ok := fields[1] // fieldClientHelloEphemeral
	if !ok {
		return nil, fmt.Errorf("mock wire: missing client hello ephemeral")
	}
	return eph, nil
}

func decodeMockClientFinish(frame []byte) (static, payload []byte, err error) {
	outer, err := mockDecodeBytesFields(frame)
	if err != nil {
		return nil, nil, err
	}
	inner, ok := outer[4] // fieldHandshakeClientFinish
	if !ok {
		return nil, nil, fmt.Errorf("mock wire: missing client finish field")
	}
	fields, err := mockDecodeBytesFields(inner)
	if err != nil {
		return nil, nil, err
	}
	return fields[1], fields[2], nil
}

func encodeMockServerHello(ephemeral, static, payload []byte) []byte {
	var inner []byte
	inner = mockAppendBytesField(inner, 1, ephemeral) // fieldServerHelloEphemeral
	inner = mockAppendBytesField(inner, 2, static)     // fieldServerHelloStatic
	inner = mockAppendBytesField(inner, 3, payload)    // fieldServerHelloPayload
	return mockAppendBytesField(nil, 3, inner)          // fieldHandshakeServerHello
}

// --- AEAD helpers mirroring noiseengine's aesEncrypt/aesDecrypt. ---

func mockNonce(counter uint32) [12]byte {
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[8:], counter)
	return nonce
}

func mockAEADSeal(plaintext []byte, key [32]byte, counter uint32, ad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := mockNonce(counter)
	return gcm.Seal(nil, nonce[:], plaintext, ad), nil
}

func mockAEADOpen(ciphertext []byte, key [32]byte, counter uint32, ad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := mockNonce(counter)
	return gcm.Open(nil, nonce[:], ciphertext, ad)
}

// --- responder-role Noise state, mirroring noiseengine.Engine. ---

type serverTransportKeys struct {
	encKey, decKey            [32]byte
	writeCounter, readCounter uint32
}

type serverNoiseState struct {
	hash, salt, enc, dec [32]byte
	ctr                  uint32
	transport            *serverTransportKeys
}

func newServerNoiseState() *serverNoiseState {
	var h [32]byte
	copy(h[:], mockNoiseProtocolName)
	return &serverNoiseState{hash: h, salt: h, enc: h, dec: h}
}

func (s *serverNoiseState) authenticate(data []byte) {
	if s.transport != nil {
		return
	}
	h := sha256.New()
	h.Write(s.hash[:])
	h.Write(data)
	copy(s.hash[:], h.Sum(nil))
}

func (s *serverNoiseState) localHKDF(ikm []byte) (write, read [32]byte) {
	r := hkdf.New(sha256.New, ikm, s.salt[:], nil)
	var out [64]byte
	if _, err := r.Read(out[:]); err != nil {
		panic("mock noise: hkdf expand should never fail for a fixed output size")
	}
	copy(write[:], out[:32])
	copy(read[:], out[32:])
	return write, read
}

func (s *serverNoiseState) mixIntoKey(ikm []byte) {
	write, read := s.localHKDF(ikm)
	s.salt = write
	s.enc = read
	s.dec = read
	s.ctr = 0
}

func (s *serverNoiseState) encryptHandshake(plaintext []byte) ([]byte, error) {
	ciphertext, err := mockAEADSeal(plaintext, s.enc, s.ctr, s.hash[:])
	if err != nil {
		return nil, err
	}
	s.ctr++
	s.authenticate(ciphertext)
	return ciphertext, nil
}

func (s *serverNoiseState) decryptHandshake(ciphertext []byte) ([]byte, error) {
	plaintext, err := mockAEADOpen(ciphertext, s.dec, s.ctr, s.hash[:])
	if err != nil {
		return nil, err
	}
	s.ctr++
	s.authenticate(ciphertext)
	return plaintext, nil
}

// finishInit mirrors Engine.FinishInit, but swapped: the client assigns
// encKey=write/decKey=read off the shared (write,read) pair, so the
// responder must assign the opposite way to talk to it.
func (s *serverNoiseState) finishInit() {
	write, read := s.localHKDF(nil)
	s.transport = &serverTransportKeys{encKey: read, decKey: write}
}

func (s *serverNoiseState) encryptTransport(plaintext []byte) ([]byte, error) {
	t := s.transport
	ciphertext, err := mockAEADSeal(plaintext, t.encKey, t.writeCounter, nil)
	if err != nil {
		return nil, err
	}
	t.writeCounter++
	return ciphertext, nil
}

func (s *serverNoiseState) decryptTransport(ciphertext []byte) ([]byte, error) {
	t := s.transport
	plaintext, err := mockAEADOpen(ciphertext, t.decKey, t.readCounter, nil)
	if err != nil {
		return nil, err
	}
	t.readCounter++
	return plaintext, nil
}

// --- frame-level read/write over the raw websocket, mirroring
// transport.Conn's 3-byte length-prefix framing and the one-time intro
// header the client prepends to its very first outbound frame. ---

func mockReadFrame(ctx context.Context, ws *websocket.Conn, stripIntro *bool) ([]byte, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if *stripIntro {
		if len(data) < len(mockWAHeader) || !bytes.Equal(data[:len(mockWAHeader)], mockWAHeader) {
			return nil, fmt.Errorf("mock transport: expected intro header")
		}
		data = data[len(mockWAHeader):]
		*stripIntro = false
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("mock transport: frame too short")
	}
	n := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
	if len(data) != 3+n {
		return nil, fmt.Errorf("mock transport: unexpected frame length")
	}
	return data[3:], nil
}

func mockWriteFrame(ctx context.Context, ws *websocket.Conn, payload []byte) error {
	n := len(payload)
	out := make([]byte, 3+n)
	out[0] = byte(n >> 16)
	out[1] = byte(n >> 8)
	out[2] = byte(n)
	copy(out[3:], payload)
	return ws.Write(ctx, websocket.MessageBinary, out)
}

func mockSendStanza(ctx context.Context, ws *websocket.Conn, state *serverNoiseState, node wabinary.Node) error {
	encoded := wabinary.Encode(node)
	ciphertext, err := state.encryptTransport(encoded)
	if err != nil {
		return err
	}
	return mockWriteFrame(ctx, ws, ciphertext)
}

func mockReadStanza(ctx context.Context, ws *websocket.Conn, state *serverNoiseState, stripIntro *bool) (wabinary.Node, error) {
	frame, err := mockReadFrame(ctx, ws, stripIntro)
	if err != nil {
		return wabinary.Node{}, err
	}
	plaintext, err := state.decryptTransport(frame)
	if err != nil {
		return wabinary.Node{}, err
	}
	return wabinary.Decode(plaintext)
}

// --- test certificate chain, mirroring noiseengine.verifyCertChain's
// expectations: an intermediate cert signed by a pre-shared issuer key,
// and a leaf cert (carrying the server's static key) signed by that
// intermediate. ---

func generateTestIssuerKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	return pub, priv
}

func buildTestCertChain(serverStaticPub [32]byte, issuerPriv ed25519.PrivateKey) ([]byte, error) {
	intermediatePub, intermediatePriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	intermediateDetails := waproto.EncodeCertDetails(&waproto.CertDetails{
		Serial:       1,
		IssuerSerial: 0,
		Key:          intermediatePub,
	})
	intermediateSig := ed25519.Sign(issuerPriv, intermediateDetails)

	leafDetails := waproto.EncodeCertDetails(&waproto.CertDetails{
		Serial:       2,
		IssuerSerial: 1,
		Key:          append([]byte(nil), serverStaticPub[:]...),
	})
	leafSig := ed25519.Sign(intermediatePriv, leafDetails)

	chain := &waproto.CertChain{
		Leaf:         &waproto.NoiseCertificate{Details: leafDetails, Signature: leafSig},
		Intermediate: &waproto.NoiseCertificate{Details: intermediateDetails, Signature: intermediateSig},
	}
	return waproto.EncodeCertChain(chain), nil
}

// runServerHandshake performs the full responder side of one handshake
// over ws, position-for-position matching noiseengine.Engine's client
// sequence (New -> ProcessServerHello -> EncryptPayload -> FinishInit).
func runServerHandshake(ctx context.Context, ws *websocket.Conn, issuerPriv ed25519.PrivateKey) (*serverNoiseState, error) {
	stripIntro := true

	clientHelloFrame, err := mockReadFrame(ctx, ws, &stripIntro)
	if err != nil {
		return nil, fmt.Errorf("read client hello: %w", err)
	}
	clientEphBytes, err := decodeMockClientHello(clientHelloFrame)
	if err != nil {
		return nil, fmt.Errorf("decode client hello: %w", err)
	}
	var clientEph [32]byte
	if len(clientEphBytes) != 32 {
		return nil, fmt.Errorf("client hello ephemeral has length %d", len(clientEphBytes))
	}
	copy(clientEph[:], clientEphBytes)

	state := newServerNoiseState()
	state.authenticate(mockWAHeader)
	state.authenticate(clientEph[:])

	serverEph, err := waproto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate server ephemeral: %w", err)
	}
	state.authenticate(serverEph.Public[:])

	serverStatic, err := waproto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate server static: %w", err)
	}

	ee, err := serverEph.SharedSecret(clientEph)
	if err != nil {
		return nil, fmt.Errorf("dh ee: %w", err)
	}
	state.mixIntoKey(ee[:])

	staticCiphertext, err := state.encryptHandshake(serverStatic.Public[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt server static: %w", err)
	}

	es, err := serverStatic.SharedSecret(clientEph)
	if err != nil {
		return nil, fmt.Errorf("dh es: %w", err)
	}
	state.mixIntoKey(es[:])

	certPayload, err := buildTestCertChain(serverStatic.Public, issuerPriv)
	if err != nil {
		return nil, fmt.Errorf("build cert chain: %w", err)
	}
	certCiphertext, err := state.encryptHandshake(certPayload)
	if err != nil {
		return nil, fmt.Errorf("encrypt cert payload: %w", err)
	}

	serverHelloBytes := encodeMockServerHello(serverEph.Public[:], staticCiphertext, certCiphertext)
	if err := mockWriteFrame(ctx, ws, serverHelloBytes); err != nil {
		return nil, fmt.Errorf("send server hello: %w", err)
	}

	clientFinishFrame, err := mockReadFrame(ctx, ws, &stripIntro)
	if err != nil {
		return nil, fmt.Errorf("read client finish: %w", err)
	}
	clientStaticCiphertext, clientPayloadCiphertext, err := decodeMockClientFinish(clientFinishFrame)
	if err != nil {
		return nil, fmt.Errorf("decode client finish: %w", err)
	}

	clientStaticBytes, err := state.decryptHandshake(clientStaticCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt client static: %w", err)
	}
	var clientStatic [32]byte
	if len(clientStaticBytes) != 32 {
		return nil, fmt.Errorf("client finish static has length %d", len(clientStaticBytes))
	}
	copy(clientStatic[:], clientStaticBytes)

	se, err := serverEph.SharedSecret(clientStatic)
	if err != nil {
		return nil, fmt.Errorf("dh se: %w", err)
	}
	state.mixIntoKey(se[:])

	if _, err := state.decryptHandshake(clientPayloadCiphertext); err != nil {
		return nil, fmt.Errorf("decrypt client payload: %w", err)
	}

	state.finishInit()
	return state, nil
}

// --- test doubles and harness plumbing. ---

type fakeVersionProvider struct {
	mu          sync.Mutex
	base        waversion.Version
	invalidated int
}

func newFakeVersionProvider(v waversion.Version) *fakeVersionProvider {
	return &fakeVersionProvider{base: v}
}

func (f *fakeVersionProvider) GetVersion(ctx context.Context) waversion.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.base
	v.Patch += f.invalidated
	return v
}

func (f *fakeVersionProvider) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeVersionProvider) invalidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

func newMockWAServer(t *testing.T, handler func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("mock server accept: %v", err)
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), ws)
	}))
	return srv
}

func mockWSURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mockRunnerDeps(wsURL string, vp instance.VersionProvider, qrLimit int, issuerKeys [][]byte) (instance.RunnerDeps, *authstore.InMemoryStore) {
	store := authstore.NewInMemoryStore()
	deps := instance.RunnerDeps{
		AuthStore:      store,
		WAWebSocketURL: wsURL,
		VersionManager: vp,
		QRCodeLimit:    qrLimit,
		LoginTimeout:   5 * time.Second,
		CertIssuerKeys: issuerKeys,
		Logger:         zap.NewNop().Sugar(),
	}
	return deps, store
}

func waitForEvent(t *testing.T, ch <-chan instance.Event, want instance.EventType, timeout time.Duration) instance.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

// buildPairSuccessEnvelope builds an HMAC-protected device identity the
// way a real server would, mirroring pairing_test.go's buildEnvelope: an
// account keypair signs over the identity details and this device's
// identity public key, then the whole signed identity is HMAC'd under
// the device's adv_secret_key.
func buildPairSuccessEnvelope(t *testing.T, auth *waproto.AuthState, keyIndex int32, hosted bool) []byte {
	t.Helper()

	accountKey, err := waproto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate account key: %v", err)
	}

	details := waproto.EncodeAdvDeviceIdentity(&waproto.AdvDeviceIdentity{KeyIndex: keyIndex})

	accountSigPrefix := pairing.AdvPrefixAccountSignature
	if hosted {
		accountSigPrefix = pairing.AdvHostedPrefixDeviceIdentityAccountSignature
	}
	accountMessage := append(append(append([]byte{}, accountSigPrefix...), details...), auth.Identity.IdentityKey.Public[:]...)
	accountSig := waproto.Sign(accountKey.Private, accountKey.Public, accountMessage)

	identity := &waproto.AdvSignedDeviceIdentity{
		Details:             details,
		AccountSignatureKey: accountKey.Public[:],
		AccountSignature:    accountSig[:],
	}
	identityBytes := waproto.EncodeAdvSignedDeviceIdentity(identity)

	advSecret, err := base64.StdEncoding.DecodeString(auth.AdvSecretKey)
	if err != nil {
		t.Fatalf("decode adv secret: %v", err)
	}
	mac := hmac.New(sha256.New, advSecret)
	if hosted {
		mac.Write(pairing.AdvHostedPrefixDeviceIdentityAccountSignature)
	}
	mac.Write(identityBytes)

	accountType := int32(0)
	if hosted {
		accountType = waproto.AdvAccountTypeHosted
	}
	envelope := &waproto.AdvSignedDeviceIdentityHMAC{
		Details:     identityBytes,
		HMAC:        mac.Sum(nil),
		AccountType: accountType,
		HasAccount:  hosted,
	}
	return waproto.EncodeAdvSignedDeviceIdentityHMAC(envelope)
}

// --- scenario 1: fresh pairing. ---

func TestFreshPairingFlow(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		state, err := runServerHandshake(ctx, ws, issuerPriv)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		ref := wabinary.Node{Tag: "ref", Content: []byte("1@fresh-pairing-ref==")}
		if err := mockSendStanza(ctx, ws, state, ref); err != nil {
			t.Errorf("send ref: %v", err)
			return
		}
		<-ctx.Done()
	})
	defer srv.Close()

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, _ := mockRunnerDeps(mockWSURL(srv), vp, 30, [][]byte{issuerPub})

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("fresh-pairing", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("fresh-pairing")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	ev := waitForEvent(t, events, instance.EventQrCode, 5*time.Second)
	if !strings.HasPrefix(ev.QRCode, "1@fresh-pairing-ref==,") {
		t.Fatalf("unexpected qr payload: %q", ev.QRCode)
	}
	if got := handle.Status().State; got != instance.StateQRPending {
		t.Fatalf("expected qr_pending state, got %q", got)
	}
}

// --- scenario 2: resume, with a persisted `me` identity. ---

func TestResumeFlow(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		state, err := runServerHandshake(ctx, ws, issuerPriv)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		success := wabinary.Node{Tag: "success", Attrs: map[string]string{}}
		if err := mockSendStanza(ctx, ws, state, success); err != nil {
			t.Errorf("send success: %v", err)
			return
		}
		<-ctx.Done()
	})
	defer srv.Close()

	preAuth, err := waproto.NewAuthState()
	if err != nil {
		t.Fatalf("NewAuthState: %v", err)
	}
	preAuth.Metadata.Me = &waproto.MeInfo{JID: "15551234567:0@s.whatsapp.net", PushName: "Resume Tester"}

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, store := mockRunnerDeps(mockWSURL(srv), vp, 30, [][]byte{issuerPub})
	if err := store.Save(context.Background(), "resume-flow", preAuth); err != nil {
		t.Fatalf("pre-seed auth: %v", err)
	}

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("resume-flow", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("resume-flow")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	waitForEvent(t, events, instance.EventConnected, 5*time.Second)
	if got := handle.Status().State; got != instance.StateConnected {
		t.Fatalf("expected connected state, got %q", got)
	}
}

// --- scenario 3: a 1011 close during ServerHello triggers exactly one
// version-refetch retry, which then succeeds against the same server. ---

func TestVersionRefetchRetry(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)
	var dialCount int32

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		n := atomic.AddInt32(&dialCount, 1)
		if n == 1 {
			stripIntro := true
			if _, err := mockReadFrame(ctx, ws, &stripIntro); err != nil {
				t.Errorf("server read client hello: %v", err)
				return
			}
			ws.Close(websocket.StatusInternalError, "stale client version")
			return
		}

		state, err := runServerHandshake(ctx, ws, issuerPriv)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		ref := wabinary.Node{Tag: "ref", Content: []byte("1@after-retry-ref==")}
		if err := mockSendStanza(ctx, ws, state, ref); err != nil {
			t.Errorf("send ref: %v", err)
			return
		}
		<-ctx.Done()
	})
	defer srv.Close()

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, _ := mockRunnerDeps(mockWSURL(srv), vp, 30, [][]byte{issuerPub})

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("version-retry", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("version-retry")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	waitForEvent(t, events, instance.EventQrCode, 5*time.Second)

	if got := vp.invalidateCount(); got < 1 {
		t.Fatalf("expected the version manager to be invalidated at least once, got %d", got)
	}
	if got := atomic.LoadInt32(&dialCount); got < 2 {
		t.Fatalf("expected at least 2 dial attempts, got %d", got)
	}
}

// --- scenario 4: the server drops the connection right after the
// handshake finishes, before login completes. ---

func TestCloseDuringPostFinish(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		if _, err := runServerHandshake(ctx, ws, issuerPriv); err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		ws.Close(websocket.StatusNormalClosure, "post-finish drop")
	})
	defer srv.Close()

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, _ := mockRunnerDeps(mockWSURL(srv), vp, 30, [][]byte{issuerPub})

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("postfinish-close", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("postfinish-close")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	ev := waitForEvent(t, events, instance.EventDisconnected, 5*time.Second)
	if !strings.Contains(ev.Reason, "transport_error") {
		t.Fatalf("expected a transport_error disconnect reason, got %q", ev.Reason)
	}

	sched := waitForEvent(t, events, instance.EventReconnectScheduled, 5*time.Second)
	if sched.DelaySecs != 1 {
		t.Fatalf("expected the first reconnect backoff to be 1s, got %d", sched.DelaySecs)
	}

	if err := mgr.Delete("postfinish-close"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

// --- scenario 5: the QR-code rate cap disconnects and stops
// auto-reconnecting once it is reached. ---

func TestQRCodeLimitReached(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		state, err := runServerHandshake(ctx, ws, issuerPriv)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		for i := 0; i < 3; i++ {
			ref := wabinary.Node{Tag: "ref", Content: []byte(fmt.Sprintf("1@ref-%d==", i))}
			if err := mockSendStanza(ctx, ws, state, ref); err != nil {
				t.Errorf("send ref %d: %v", i, err)
				return
			}
		}
		<-ctx.Done()
	})
	defer srv.Close()

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, _ := mockRunnerDeps(mockWSURL(srv), vp, 2, [][]byte{issuerPub})

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("qr-limit", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("qr-limit")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	waitForEvent(t, events, instance.EventQrCode, 5*time.Second)
	waitForEvent(t, events, instance.EventQrCode, 5*time.Second)

	ev := waitForEvent(t, events, instance.EventDisconnected, 5*time.Second)
	if ev.Reason != "qr_code_limit_reached" {
		t.Fatalf("expected qr_code_limit_reached, got %q", ev.Reason)
	}
	if got := handle.Status().State; got != instance.StateDisconnected {
		t.Fatalf("expected disconnected state, got %q", got)
	}

	select {
	case ev := <-events:
		if ev.Type == instance.EventReconnectScheduled {
			t.Fatal("did not expect a reconnect after the qr code limit was hit")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// --- scenario 6: a pair-success device-identity is verified, signed, and
// echoed back, completing login in the same stanza. ---

func TestPairDeviceSigningFlow(t *testing.T) {
	issuerPub, issuerPriv := generateTestIssuerKey(t)

	preAuth, err := waproto.NewAuthState()
	if err != nil {
		t.Fatalf("NewAuthState: %v", err)
	}

	replyCh := make(chan wabinary.Node, 1)

	srv := newMockWAServer(t, func(ctx context.Context, ws *websocket.Conn) {
		state, err := runServerHandshake(ctx, ws, issuerPriv)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}

		envelope := buildPairSuccessEnvelope(t, preAuth, 1, false)
		pairSuccess := wabinary.Node{
			Tag:   "iq",
			Attrs: map[string]string{"id": "pair-req-1", "type": "result"},
			Content: []wabinary.Node{{
				Tag:   "pair-success",
				Attrs: map[string]string{"jid": "15557654321:0@s.whatsapp.net"},
				Content: []wabinary.Node{{
					Tag:     "device-identity",
					Content: envelope,
				}},
			}},
		}
		if err := mockSendStanza(ctx, ws, state, pairSuccess); err != nil {
			t.Errorf("send pair-success: %v", err)
			return
		}

		stripIntro := false
		reply, err := mockReadStanza(ctx, ws, state, &stripIntro)
		if err != nil {
			t.Errorf("read pair-device-sign reply: %v", err)
			return
		}
		select {
		case replyCh <- reply:
		default:
		}
		<-ctx.Done()
	})
	defer srv.Close()

	vp := newFakeVersionProvider(waversion.Fallback())
	deps, store := mockRunnerDeps(mockWSURL(srv), vp, 30, [][]byte{issuerPub})
	if err := store.Save(context.Background(), "pair-device-sign", preAuth); err != nil {
		t.Fatalf("pre-seed auth: %v", err)
	}

	mgr := instance.NewManager(deps)
	handle, err := mgr.Create("pair-device-sign", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Delete("pair-device-sign")

	events, unsubscribe := handle.Subscribe()
	defer unsubscribe()

	waitForEvent(t, events, instance.EventConnected, 5*time.Second)

	select {
	case reply := <-replyCh:
		if reply.Tag != "iq" {
			t.Fatalf("expected iq reply, got %q", reply.Tag)
		}
		if reply.Attrs["id"] != "pair-req-1" {
			t.Fatalf("expected reply to echo request id, got %q", reply.Attrs["id"])
		}
		if reply.GetChildByTag("pair-device-sign") == nil {
			t.Fatal("expected a pair-device-sign child in the reply")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the pair-device-sign reply")
	}
}
