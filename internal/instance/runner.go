package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwarp/waconnect-go/internal/binary"
	"github.com/chatwarp/waconnect-go/internal/handshake"
	"github.com/chatwarp/waconnect-go/internal/noiseengine"
	"github.com/chatwarp/waconnect-go/internal/pairing"
	"github.com/chatwarp/waconnect-go/internal/transport"
	"github.com/chatwarp/waconnect-go/internal/waproto"
	"github.com/chatwarp/waconnect-go/internal/waversion"
)

// session is the runner's in-memory scratch of the active connection,
// grounded on spec.md §4.3's RunnerSession: destroyed on every
// Disconnect, exclusively owned by the runner goroutine (no locking).
type session struct {
	conn   *transport.Conn
	engine *noiseengine.Engine
	auth   *waproto.AuthState
	frames chan frameResult

	awaitingLogin    bool
	loginDeadline    time.Time
	reconnectAttempt int
	autoReconnect    bool
}

type frameResult struct {
	data []byte
	err  error
}

// startFrameReader spawns a goroutine reading raw frames off conn until
// the first error, forwarding each to the returned channel. The final
// error send is non-blocking so the goroutine never leaks waiting on a
// runner that has already moved on to a new connection.
func startFrameReader(ctx context.Context, conn *transport.Conn) chan frameResult {
	ch := make(chan frameResult, 16)
	go func() {
		for {
			data, err := conn.NextRawFrame(ctx)
			if err != nil {
				select {
				case ch <- frameResult{err: err}:
				default:
				}
				return
			}
			ch <- frameResult{data: data}
		}
	}()
	return ch
}

// runner drives one instance's connection lifecycle: command handling,
// the connect/reconnect loop, and post-handshake frame routing.
// Grounded on original_source/src/instance/runner.rs.
type runner struct {
	name   string
	handle *Handle
	deps   RunnerDeps
	sess   session
}

// run is the goroutine body the instance manager spawns per instance.
func run(ctx context.Context, name string, handle *Handle, deps RunnerDeps) {
	r := &runner{name: name, handle: handle, deps: deps}
	r.loop(ctx)
	r.teardownTransport()
}

func (r *runner) loop(ctx context.Context) {
	for {
		if r.sess.conn == nil {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-r.handle.commands:
				if !ok {
					return
				}
				if !r.handleCommand(ctx, cmd) {
					return
				}
			}
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if r.sess.awaitingLogin {
			d := time.Until(r.sess.loginDeadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.teardownTransport()
			return

		case cmd, ok := <-r.handle.commands:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return
			}
			if !r.handleCommand(ctx, cmd) {
				return
			}

		case res, ok := <-r.sess.frames:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				continue
			}
			r.handleFrameResult(ctx, res)

		case <-timerC:
			r.failConnection(ctx, "login_timeout")
		}
	}
}

// handleCommand processes one command and reports whether the runner
// should keep looping (false means exit after Shutdown).
func (r *runner) handleCommand(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdConnect:
		r.sess.autoReconnect = true
		if r.sess.conn == nil {
			r.establishConnection(ctx, true)
		}
		return true

	case cmdDisconnect:
		r.sess.autoReconnect = false
		r.teardownTransport()
		r.handle.setStatus(func(s *Status) { s.State = StateDisconnected; s.LastError = "manual_disconnect" })
		r.handle.publish(Event{Type: EventDisconnected, Reason: "manual_disconnect"})
		return true

	case cmdSendMessage:
		r.handleSendMessage(ctx, cmd)
		return true

	case cmdShutdown:
		r.teardownTransport()
		return false
	}
	return true
}

func (r *runner) handleSendMessage(ctx context.Context, cmd command) {
	if r.handle.Status().State != StateConnected || r.sess.engine == nil {
		return
	}

	frame, err := r.sess.engine.EncodeFrame(cmd.payload)
	if err == nil {
		err = r.sess.conn.SendRaw(ctx, frame)
	}
	if err != nil {
		r.failConnection(ctx, fmt.Sprintf("send_failed: %v", err))
		return
	}

	r.handle.publish(Event{Type: EventOutboundAck, MessageID: cmd.messageID, Bytes: len(cmd.payload)})
}

// establishConnection is spec.md §4.7's connect/reconnect loop: emit
// ReconnectScheduled, sleep (skipped for the very first attempt after
// an explicit Connect), run connect_once, and on failure force
// disconnect, bump the attempt counter, and loop.
func (r *runner) establishConnection(ctx context.Context, skipFirstSleep bool) {
	skipSleep := skipFirstSleep
	for {
		if !r.sess.autoReconnect {
			return
		}

		delay := backoffSeconds(r.sess.reconnectAttempt)
		r.handle.publish(Event{Type: EventReconnectScheduled, DelaySecs: uint64(delay)})

		if !skipSleep {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(delay) * time.Second):
			}
		}
		skipSleep = false

		if err := r.connectOnce(ctx); err != nil {
			r.handle.setStatus(func(s *Status) { s.State = StateDisconnected; s.LastError = err.Error() })
			r.handle.publish(Event{Type: EventDisconnected, Reason: err.Error()})
			r.sess.reconnectAttempt++
			continue
		}

		r.sess.reconnectAttempt = 0
		return
	}
}

// connectOnce loads or creates AuthState, fetches the WA web version,
// dials the transport, and runs the handshake, retrying once with a
// refreshed version on a close-1011 failure during
// HttpUpgrade/ClientHello/ServerHello. Grounded on runner.rs's
// connect_once.
func (r *runner) connectOnce(ctx context.Context) error {
	r.handle.setStatus(func(s *Status) { s.State = StateConnecting })

	auth, err := r.deps.AuthStore.Load(ctx, r.name)
	if err != nil {
		return fmt.Errorf("auth_load_failed: %w", err)
	}
	if auth == nil {
		auth, err = waproto.NewAuthState()
		if err != nil {
			return fmt.Errorf("auth_create_failed: %w", err)
		}
	}

	version := r.deps.VersionManager.GetVersion(ctx)
	result, conn, err := r.dialAndHandshake(ctx, auth, version)
	if err != nil {
		if shouldRetryWithFreshVersion(err) {
			r.deps.VersionManager.Invalidate()
			version = r.deps.VersionManager.GetVersion(ctx)
			result, conn, err = r.dialAndHandshake(ctx, auth, version)
		}
		if err != nil {
			return fmt.Errorf("handshake_failed: %w", err)
		}
	}

	r.sess.conn = conn
	r.sess.engine = result.Engine
	r.sess.auth = auth
	r.sess.awaitingLogin = true
	r.sess.loginDeadline = time.Now().Add(r.deps.LoginTimeout)
	r.sess.frames = startFrameReader(ctx, conn)

	r.handle.setStatus(func(s *Status) { s.State = StateQRPending })
	return nil
}

func (r *runner) dialAndHandshake(ctx context.Context, auth *waproto.AuthState, version waversion.Version) (*handshake.Result, *transport.Conn, error) {
	wsURL := buildWSURL(r.deps.WAWebSocketURL, auth.Metadata.RoutingInfo)

	conn, err := transport.Connect(ctx, wsURL, transport.DefaultConnectOptions(wsURL))
	if err != nil {
		return nil, nil, &handshake.PhaseError{Phase: handshake.PhaseHTTPUpgrade, Err: err}
	}

	hv := handshake.Version{Major: version.Major, Minor: version.Minor, Patch: version.Patch}
	result, err := handshake.Run(ctx, conn, auth, hv, auth.Metadata.RoutingInfo, r.deps.CertIssuerKeys)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return result, conn, nil
}

// handleFrameResult processes one raw frame arrival: a transport error
// is always fatal to the current connection; a successful read is
// decrypted/unframed by the Noise engine (which owns all 3-byte
// length-prefix buffering, superseding the original's raw-vs-framed
// dual-decode fallback) and each resulting WABinary stanza is routed.
func (r *runner) handleFrameResult(ctx context.Context, res frameResult) {
	if res.err != nil {
		r.failConnection(ctx, fmt.Sprintf("transport_error: %v", res.err))
		return
	}

	frames, err := r.sess.engine.DecodeFrames(res.data)
	if err != nil {
		r.failConnection(ctx, fmt.Sprintf("transport_error: %v", err))
		return
	}

	for _, raw := range frames {
		node, err := binary.Decode(raw)
		if err != nil {
			r.failConnection(ctx, fmt.Sprintf("transport_error: %v", err))
			return
		}
		if fatal := r.processStanza(ctx, node); fatal {
			return
		}
	}
}

// processStanza applies the post-handshake routing rules of spec.md
// §4.7 to one decoded stanza, returning true if it made the
// connection unrecoverable (the caller must stop processing further
// frames from this batch).
func (r *runner) processStanza(ctx context.Context, node binary.Node) bool {
	if node.Tag == "failure" || node.Tag == "stream:error" {
		r.failConnection(ctx, "server_reported_failure")
		return true
	}

	if node.Tag == "ib" {
		if edgeRouting := node.GetChildByTag("edge_routing"); edgeRouting != nil {
			r.sess.auth.Metadata.RoutingInfo = edgeRouting.Bytes()
			if err := r.deps.AuthStore.Save(ctx, r.name, r.sess.auth); err != nil {
				r.failConnection(ctx, fmt.Sprintf("save_auth_failed: %v", err))
				return true
			}
		}
	}

	if r.sess.awaitingLogin {
		if ref, ok := findRef(node); ok {
			if !r.emitQRCode(ref) {
				return true
			}
		}

		if diBytes, reqID, ok := findPairDeviceIdentity(node); ok {
			r.handlePairDeviceSign(ctx, reqID, diBytes)
		}
	}

	if jid, ok := findLoginJID(node); ok {
		r.sess.auth.Metadata.Me = &waproto.MeInfo{JID: jid}
		r.sess.awaitingLogin = false
		if err := r.markConnected(ctx); err != nil {
			r.failConnection(ctx, fmt.Sprintf("save_auth_failed: %v", err))
			return true
		}
		return false
	}

	if node.Tag == "success" && r.sess.auth.Metadata.Me != nil {
		if err := r.markConnected(ctx); err != nil {
			r.failConnection(ctx, fmt.Sprintf("save_auth_failed: %v", err))
			return true
		}
	}

	return false
}

// emitQRCode renders and publishes a QrCode event for ref, enforcing
// the QR rate cap. Returns false if the cap was hit and the connection
// was torn down.
func (r *runner) emitQRCode(ref string) bool {
	status := r.handle.Status()
	if status.QRCodeCount >= r.deps.QRCodeLimit {
		r.sess.autoReconnect = false
		r.teardownTransport()
		r.handle.setStatus(func(s *Status) { s.State = StateDisconnected; s.LastError = "qr_code_limit_reached" })
		r.handle.publish(Event{Type: EventDisconnected, Reason: "qr_code_limit_reached"})
		return false
	}

	payload := buildQRPayload(ref, r.sess.auth.NoiseKey.Public, r.sess.auth.Identity.IdentityKey.Public, r.sess.auth.AdvSecretKey)
	r.handle.setStatus(func(s *Status) {
		s.State = StateQRPending
		s.QRCodeCount++
	})
	r.handle.publish(Event{Type: EventQrCode, QRCode: payload})
	return true
}

func (r *runner) handlePairDeviceSign(ctx context.Context, reqID string, deviceIdentityBytes []byte) {
	result, err := pairing.VerifyAndSign(r.sess.auth, reqID, deviceIdentityBytes)
	if err != nil {
		r.deps.Logger.Warnw("pair-device-sign failed", "instance", r.name, "error", err)
		return
	}

	encoded := binary.Encode(result.ReplyNode)
	frame, err := r.sess.engine.EncodeFrame(encoded)
	if err != nil {
		r.failConnection(ctx, fmt.Sprintf("transport_error: %v", err))
		return
	}
	if err := r.sess.conn.SendRaw(ctx, frame); err != nil {
		r.failConnection(ctx, fmt.Sprintf("transport_error: %v", err))
	}
}

func (r *runner) markConnected(ctx context.Context) error {
	if err := r.deps.AuthStore.Save(ctx, r.name, r.sess.auth); err != nil {
		return err
	}
	r.handle.setStatus(func(s *Status) { s.State = StateConnected; s.LastError = "" })
	r.handle.publish(Event{Type: EventConnected})
	return nil
}

// failConnection tears down the current transport, records reason, and
// reconnects if auto-reconnect is still enabled.
func (r *runner) failConnection(ctx context.Context, reason string) {
	r.teardownTransport()
	r.handle.setStatus(func(s *Status) { s.State = StateDisconnected; s.LastError = reason })
	r.handle.publish(Event{Type: EventDisconnected, Reason: reason})
	r.sess.reconnectAttempt++
	if r.sess.autoReconnect {
		r.establishConnection(ctx, false)
	}
}

func (r *runner) teardownTransport() {
	if r.sess.conn != nil {
		r.sess.conn.Close()
	}
	r.sess.conn = nil
	r.sess.engine = nil
	r.sess.frames = nil
	r.sess.awaitingLogin = false
}

// --- stanza inspection helpers ---

func findRef(node binary.Node) (string, bool) {
	if node.Tag == "ref" {
		if text := string(node.Bytes()); text != "" {
			return text, true
		}
	}
	for _, child := range node.Children() {
		if ref, ok := findRef(child); ok {
			return ref, true
		}
	}
	return "", false
}

func findPairDeviceIdentity(node binary.Node) ([]byte, string, bool) {
	if node.Tag != "iq" {
		return nil, "", false
	}
	pairSuccess := node.GetChildByTag("pair-success")
	if pairSuccess == nil {
		return nil, "", false
	}
	identity := pairSuccess.GetChildByTag("device-identity")
	if identity == nil {
		return nil, "", false
	}
	content := identity.Bytes()
	if len(content) == 0 {
		return nil, "", false
	}
	return content, node.Attrs["id"], true
}

func findLoginJID(node binary.Node) (string, bool) {
	if node.Tag != "iq" {
		return "", false
	}
	pairSuccess := node.GetChildByTag("pair-success")
	if pairSuccess == nil {
		return "", false
	}
	if jid := pairSuccess.Attrs["jid"]; jid != "" {
		return jid, true
	}
	if device := pairSuccess.GetChildByTag("device"); device != nil {
		if jid := device.Attrs["jid"]; jid != "" {
			return jid, true
		}
	}
	return "", false
}
